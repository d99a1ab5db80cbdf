package ssh

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client is an SSH transport to a single host.
type Client struct {
	config *Config

	mu     sync.Mutex
	client *ssh.Client
}

// NewClient creates a client; Connect must be called before use.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{config: config}, nil
}

// Connect establishes the SSH connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: !isAuthFailure(err),
			IsAuthError: isAuthFailure(err),
		}
	}
	_ = conn.SetDeadline(time.Time{})

	c.client = ssh.NewClient(sshConn, chans, reqs)
	return nil
}

// Close releases the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

func (c *Client) sshClient() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, &TransportError{Op: "session", Err: fmt.Errorf("not connected")}
	}
	return c.client, nil
}

// Run executes cmd and streams its output through onLine. It returns the exit
// code of the remote command. If ctx ends first, the remote process is sent
// SIGTERM and ctx's error is returned.
func (c *Client) Run(ctx context.Context, cmd string, onLine LineFunc) (int, error) {
	client, err := c.sshClient()
	if err != nil {
		return -1, err
	}

	session, err := client.NewSession()
	if err != nil {
		return -1, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return -1, &TransportError{Op: "exec", Err: err}
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return -1, &TransportError{Op: "exec", Err: err}
	}

	if err := session.Start(cmd); err != nil {
		return -1, &TransportError{Op: "exec", Err: err, IsTemporary: true}
	}

	var wg sync.WaitGroup
	var lineMu sync.Mutex
	emit := func(stream Stream, r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if onLine != nil {
				lineMu.Lock()
				onLine(stream, scanner.Text())
				lineMu.Unlock()
			}
		}
	}
	wg.Add(2)
	go emit(StreamStdout, stdout)
	go emit(StreamStderr, stderr)

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- session.Wait()
	}()

	timeout := time.NewTimer(c.config.CommandTimeout)
	defer timeout.Stop()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		return -1, &TransportError{Op: "exec", Err: ctx.Err(), IsTemporary: true}
	case <-timeout.C:
		_ = session.Signal(ssh.SIGTERM)
		return -1, &TransportError{Op: "exec", Err: fmt.Errorf("command timed out after %s", c.config.CommandTimeout), IsTemporary: true}
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		return -1, &TransportError{Op: "exec", Err: err, IsTemporary: true}
	}
	return 0, nil
}

func isAuthFailure(err error) bool {
	var se *ssh.ServerAuthError
	if errors.As(err, &se) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain")
}
