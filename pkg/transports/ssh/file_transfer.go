package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// Upload writes content to remotePath via SFTP, creating parent directories.
// A mode of zero leaves the remote default permissions in place.
func (c *Client) Upload(ctx context.Context, content []byte, remotePath string, mode uint32) error {
	startTime := time.Now()

	sshClient, err := c.sshClient()
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to create remote directory: %w", err),
		}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
		}
	}
	defer remoteFile.Close()

	written, err := copyWithContext(ctx, remoteFile, bytes.NewReader(content))
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
		}
	}

	if mode > 0 {
		if err := sftpClient.Chmod(remotePath, os.FileMode(mode)); err != nil {
			return &TransportError{
				Op:  "upload",
				Err: fmt.Errorf("failed to set permissions: %w", err),
			}
		}
	}

	log.Debug().
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(startTime)).
		Msg("file uploaded")

	return nil
}

// Checksum returns the SHA-256 of a remote file as reported by sha256sum.
func (c *Client) Checksum(ctx context.Context, remotePath string) (string, error) {
	var out strings.Builder
	code, err := c.Run(ctx, "sha256sum "+ShellQuote(remotePath), func(stream Stream, line string) {
		if stream == StreamStdout {
			out.WriteString(line)
		}
	})
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", &TransportError{Op: "checksum", Err: fmt.Errorf("sha256sum exited with %d", code)}
	}
	fields := strings.Fields(out.String())
	if len(fields) == 0 {
		return "", &TransportError{Op: "checksum", Err: fmt.Errorf("empty sha256sum output")}
	}
	return fields[0], nil
}

// LocalChecksum returns the SHA-256 of content in the format Checksum uses.
func LocalChecksum(content []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(content))
}

// ShellQuote single-quotes s for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
