// Package archive uploads the complete log of each finished deployment to
// S3 or an S3-compatible store, one object per deployment at
// <prefix>/<tenant>/<deployment_id>.log. Objects carry a SHA-256 checksum and
// metadata naming the deployment, its type and final state.
package archive
