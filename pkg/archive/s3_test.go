package archive

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/cirrusops/cirrus/pkg/engine"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  string
	err   error
}

func (f *fakePutter) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = params
	data, _ := io.ReadAll(params.Body)
	f.body = string(data)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func testDeployment() *engine.Deployment {
	return &engine.Deployment{
		ID:        "dep-1",
		TenantID:  "team-a",
		MachineID: "m-1",
		Type:      engine.DeploymentCreate,
		State:     engine.DeploymentCompleted,
	}
}

func TestArchive(t *testing.T) {
	putter := &fakePutter{}
	cfg := DefaultConfig()
	cfg.Bucket = "logs"
	cfg.Prefix = "/cirrus/"
	a := NewWithClient(putter, cfg, zerolog.Nop())

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	lines := []engine.LogLine{
		{Cursor: 1, Timestamp: ts, Stream: engine.LogSystem, Text: "planning"},
		{Cursor: 2, Timestamp: ts, Stream: engine.LogStdout, Text: "created droplet"},
	}

	if err := a.Archive(context.Background(), testDeployment(), lines); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	if got := aws.ToString(putter.input.Key); got != "cirrus/team-a/dep-1.log" {
		t.Errorf("unexpected key %q", got)
	}
	if got := aws.ToString(putter.input.Bucket); got != "logs" {
		t.Errorf("unexpected bucket %q", got)
	}
	want := "2026-01-02T03:04:05Z system planning\n2026-01-02T03:04:05Z stdout created droplet\n"
	if putter.body != want {
		t.Errorf("unexpected body:\n%s", putter.body)
	}
	if aws.ToInt64(putter.input.ContentLength) != int64(len(want)) {
		t.Errorf("unexpected content length %d", aws.ToInt64(putter.input.ContentLength))
	}
	if putter.input.Metadata["lines"] != "2" || putter.input.Metadata["state"] != "completed" {
		t.Errorf("unexpected metadata %v", putter.input.Metadata)
	}
	if putter.input.ChecksumSHA256 == nil {
		t.Error("expected checksum")
	}
}

func TestArchiveError(t *testing.T) {
	putter := &fakePutter{err: errors.New("access denied")}
	a := NewWithClient(putter, Config{Bucket: "logs"}, zerolog.Nop())

	err := a.Archive(context.Background(), testDeployment(), nil)
	if err == nil || !strings.Contains(err.Error(), "dep-1.log") {
		t.Fatalf("expected upload error naming the key, got %v", err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), DefaultConfig(), zerolog.Nop()); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func TestNewWithStaticCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bucket = "logs"
	cfg.Endpoint = "http://127.0.0.1:9000"
	cfg.UsePathStyle = true
	cfg.AccessKeyID = "minio"
	cfg.SecretAccessKey = "minio123"

	a, err := New(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if a.Key(testDeployment()) != "deployments/team-a/dep-1.log" {
		t.Errorf("unexpected key %q", a.Key(testDeployment()))
	}
}
