package executor

import (
	"errors"
	"strings"
	"testing"

	"github.com/cirrusops/cirrus/pkg/engine"
	"github.com/cirrusops/cirrus/pkg/transports/ssh"
)

func TestClassifyToolFailure(t *testing.T) {
	tests := []struct {
		name    string
		stderr  string
		class   engine.ErrorClass
		code    string
		message string
	}{
		{
			name:    "rate limited",
			stderr:  "Error: Error creating droplet: POST https://api.digitalocean.com/v2/droplets: 429 Too many requests",
			class:   engine.ErrorClassTransient,
			code:    engine.ErrCodeRateLimited,
			message: "Error creating droplet",
		},
		{
			name:   "aws throttling",
			stderr: "Error: creating EC2 Instance: RequestLimitExceeded: Request limit exceeded.",
			class:  engine.ErrorClassTransient,
			code:   engine.ErrCodeRateLimited,
		},
		{
			name:   "server error",
			stderr: "Error: googleapi: Error 503: Service Unavailable",
			class:  engine.ErrorClassTransient,
			code:   engine.ErrCodeProviderFailed,
		},
		{
			name:   "timeout",
			stderr: "Error: waiting for server to become ready: timeout while waiting for state",
			class:  engine.ErrorClassTransient,
			code:   engine.ErrCodeTimeout,
		},
		{
			name:    "unauthorized",
			stderr:  "│ Error: GET https://api.digitalocean.com/v2/account: 401 Unable to authenticate you\n│",
			class:   engine.ErrorClassPermanent,
			code:    engine.ErrCodeProviderFailed,
			message: "401 Unable to authenticate you",
		},
		{
			name:   "invalid size",
			stderr: "Error: invalid server type \"cx999\"",
			class:  engine.ErrorClassPermanent,
		},
		{
			name:   "quota",
			stderr: "Error: Quota exceeded for quota metric 'CPUS'",
			class:  engine.ErrorClassPermanent,
		},
		{
			name:    "unknown output",
			stderr:  "panic: runtime error: index out of range\ngoroutine 1 [running]:",
			class:   engine.ErrorClassExecutorCrash,
			message: "apply exited with status 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			derr := ClassifyToolFailure("apply", 1, tt.stderr)

			if derr.Class != tt.class {
				t.Errorf("expected class %s, got %s", tt.class, derr.Class)
			}
			if tt.code != "" && derr.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, derr.Code)
			}
			if tt.message != "" && !strings.Contains(derr.Message, tt.message) {
				t.Errorf("expected message containing %q, got %q", tt.message, derr.Message)
			}
			if derr.Stderr != strings.TrimSpace(tt.stderr) {
				t.Errorf("expected full stderr to be kept, got %q", derr.Stderr)
			}
			if derr.Operation != "apply" {
				t.Errorf("expected operation apply, got %s", derr.Operation)
			}
		})
	}
}

func TestClassifyToolFailureEmptyStderr(t *testing.T) {
	derr := ClassifyToolFailure("plan", 1, "")
	if derr.Class != engine.ErrorClassExecutorCrash {
		t.Errorf("expected executor_crash, got %s", derr.Class)
	}
}

func TestClassifyTransport(t *testing.T) {
	temp := classifyTransport("connect", &ssh.TransportError{Op: "connect", Err: errors.New("refused"), IsTemporary: true})
	if temp.Class != engine.ErrorClassTransient {
		t.Errorf("expected transient, got %s", temp.Class)
	}

	auth := classifyTransport("connect", &ssh.TransportError{Op: "connect", Err: errors.New("denied"), IsAuthError: true})
	if auth.Class != engine.ErrorClassPermanent {
		t.Errorf("expected permanent, got %s", auth.Class)
	}
}
