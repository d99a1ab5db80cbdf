// Package api serves the deployment orchestrator over HTTP.
//
// All /v1 routes are tenant scoped: the caller names its tenant in the
// X-Tenant-ID header and only sees that tenant's machines and deployments.
// Errors are returned as {"error": "..."} with a status derived from the
// engine error: unknown resources are 404, malformed requests 400 and
// conflicting state 409.
//
// Deployment logs are served as newline-delimited JSON. With follow=true the
// response stays open and streams lines as they are written until the
// deployment reaches a terminal state.
package api
