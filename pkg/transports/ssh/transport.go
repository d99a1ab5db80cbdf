// Package ssh provides the SSH transport used to restart services and deliver
// bootstrap scripts on managed machines.
package ssh

import (
	"context"
	"errors"
	"net"
)

// Stream identifies which output stream a line of remote output came from.
type Stream string

const (
	// StreamStdout is the remote command's standard output.
	StreamStdout Stream = "stdout"

	// StreamStderr is the remote command's standard error.
	StreamStderr Stream = "stderr"
)

// LineFunc receives remote output one line at a time.
type LineFunc func(stream Stream, line string)

// Transport is an SSH connection to one machine.
type Transport interface {
	// Connect establishes the SSH connection.
	Connect(ctx context.Context) error

	// Close releases the connection.
	Close() error

	// Run executes a command, streaming its output line by line, and returns
	// the remote exit code.
	Run(ctx context.Context, cmd string, onLine LineFunc) (int, error)

	// Upload writes content to a remote path via SFTP.
	Upload(ctx context.Context, content []byte, remotePath string, mode uint32) error

	// Checksum returns the hex SHA-256 of a remote file.
	Checksum(ctx context.Context, remotePath string) (string, error)
}

// Dialer opens a transport for a configuration.
type Dialer func(ctx context.Context, cfg *Config) (Transport, error)

// Dial connects a new client. It is the default Dialer.
func Dial(ctx context.Context, cfg *Config) (Transport, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the operation may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsTemporary reports whether err is a temporary transport failure, including
// network timeouts.
func IsTemporary(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.IsTemporary
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
