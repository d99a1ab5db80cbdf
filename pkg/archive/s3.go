package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/cirrusops/cirrus/pkg/engine"
)

// Config configures the S3 log archive.
type Config struct {
	// Enabled turns archiving on.
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Bucket receives the logs.
	Bucket string `yaml:"bucket" env:"BUCKET"`

	// Prefix is prepended to every object key.
	Prefix string `yaml:"prefix" env:"PREFIX"`

	// Region is the bucket region.
	Region string `yaml:"region" env:"REGION"`

	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`

	// UsePathStyle addresses buckets by path instead of virtual host.
	UsePathStyle bool `yaml:"use_path_style" env:"USE_PATH_STYLE"`

	// AccessKeyID and SecretAccessKey are static credentials. When empty the
	// SDK's default credential chain is used.
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"-" env:"SECRET_ACCESS_KEY"`

	// Timeout bounds one upload.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// DefaultConfig returns a disabled archive configuration.
func DefaultConfig() Config {
	return Config{
		Prefix:  "deployments",
		Region:  "us-east-1",
		Timeout: 30 * time.Second,
	}
}

// ObjectPutter is the part of the S3 API the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads the log of each finished deployment as one object.
type S3Archiver struct {
	client  ObjectPutter
	bucket  string
	prefix  string
	timeout time.Duration
	logger  zerolog.Logger
}

var _ engine.LogArchiver = (*S3Archiver)(nil)

// New creates an archiver with an S3 client built from cfg.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient creates an archiver that uploads through client.
func NewWithClient(client ObjectPutter, cfg Config, logger zerolog.Logger) *S3Archiver {
	return &S3Archiver{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		timeout: cfg.Timeout,
		logger:  logger.With().Str("component", "archive").Logger(),
	}
}

// Key returns the object key for a deployment's log:
// <prefix>/<tenant>/<deployment_id>.log.
func (a *S3Archiver) Key(d *engine.Deployment) string {
	return path.Join(a.prefix, d.TenantID, d.ID+".log")
}

// Archive implements engine.LogArchiver.
func (a *S3Archiver) Archive(ctx context.Context, d *engine.Deployment, lines []engine.LogLine) error {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	body := Render(lines)
	sum := sha256.Sum256(body)
	checksum := base64.StdEncoding.EncodeToString(sum[:])
	key := a.Key(d)
	size := int64(len(body))

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(a.bucket),
		Key:               aws.String(key),
		Body:              bytes.NewReader(body),
		ContentLength:     aws.Int64(size),
		ContentType:       aws.String("text/plain; charset=utf-8"),
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    aws.String(checksum),
		Metadata: map[string]string{
			"deployment-id": d.ID,
			"machine-id":    d.MachineID,
			"type":          string(d.Type),
			"state":         string(d.State),
			"lines":         strconv.Itoa(len(lines)),
			"sha256":        hex.EncodeToString(sum[:]),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	a.logger.Debug().
		Str("deployment_id", d.ID).
		Str("key", key).
		Int64("bytes", size).
		Msg("Archived deployment log")
	return nil
}

// Render formats log lines one per row as "<time> <stream> <text>".
func Render(lines []engine.LogLine) []byte {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l.Timestamp.UTC().Format(time.RFC3339Nano))
		buf.WriteByte(' ')
		buf.WriteString(string(l.Stream))
		buf.WriteByte(' ')
		buf.WriteString(l.Text)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
