package executor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cirrusops/cirrus/pkg/engine"
	"github.com/cirrusops/cirrus/pkg/transports/ssh"
)

var (
	// transientPatterns match provider and tool output for failures that are
	// worth retrying. They are checked before permanentPatterns so that a
	// "503 Service Unavailable" is never mistaken for a 4xx.
	transientPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(429|500|502|503|504)\b`),
		regexp.MustCompile(`(?i)rate.?limit`),
		regexp.MustCompile(`(?i)too many requests`),
		regexp.MustCompile(`(?i)throttl`),
		regexp.MustCompile(`RequestLimitExceeded`),
		regexp.MustCompile(`(?i)time(d)?\s?out`),
		regexp.MustCompile(`(?i)service unavailable`),
		regexp.MustCompile(`(?i)temporarily unavailable`),
		regexp.MustCompile(`(?i)connection (reset|refused)`),
		regexp.MustCompile(`(?i)internal server error`),
	}

	rateLimitPattern = regexp.MustCompile(`(?i)\b429\b|rate.?limit|too many requests|throttl|RequestLimitExceeded`)
	timeoutPattern   = regexp.MustCompile(`(?i)time(d)?\s?out`)

	// permanentPatterns match failures a retry cannot fix.
	permanentPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b4\d\d\b`),
		regexp.MustCompile(`(?i)invalid`),
		regexp.MustCompile(`(?i)unauthori[sz]ed`),
		regexp.MustCompile(`(?i)forbidden`),
		regexp.MustCompile(`(?i)not found`),
		regexp.MustCompile(`(?i)quota exceeded`),
		regexp.MustCompile(`(?i)limit exceeded`),
		regexp.MustCompile(`(?i)already exists`),
		regexp.MustCompile(`AuthFailure`),
	}
)

// ClassifyToolFailure maps a failed tool run to a deployment error from its
// stderr. Output that matches no known pattern is an executor crash and
// carries the complete stderr.
func ClassifyToolFailure(operation string, exitCode int, stderr string) *engine.DeploymentError {
	stderr = strings.TrimSpace(stderr)
	summary := firstErrorLine(stderr)

	for _, p := range transientPatterns {
		if p.MatchString(stderr) {
			code := engine.ErrCodeProviderFailed
			switch {
			case rateLimitPattern.MatchString(stderr):
				code = engine.ErrCodeRateLimited
			case timeoutPattern.MatchString(stderr):
				code = engine.ErrCodeTimeout
			}
			derr := engine.NewTransientError(summary, nil).WithCode(code)
			derr.Stderr = stderr
			return derr.WithOperation(operation).WithDetail("exit_code", exitCode)
		}
	}

	for _, p := range permanentPatterns {
		if p.MatchString(stderr) {
			derr := engine.NewPermanentError(summary, nil).WithCode(engine.ErrCodeProviderFailed)
			derr.Stderr = stderr
			return derr.WithOperation(operation).WithDetail("exit_code", exitCode)
		}
	}

	return engine.NewExecutorCrash(fmt.Sprintf("%s exited with status %d", operation, exitCode), stderr, nil).
		WithOperation(operation).
		WithDetail("exit_code", exitCode)
}

// classifyTransport maps an SSH failure to a deployment error.
func classifyTransport(operation string, err error) *engine.DeploymentError {
	if ssh.IsTemporary(err) {
		return engine.NewTransientError("ssh "+operation+" failed", err).WithOperation(operation)
	}
	return engine.NewPermanentError("ssh "+operation+" failed", err).WithOperation(operation)
}

// firstErrorLine picks the most useful single line of tool output for the
// error message, preferring terraform's "Error:" lines.
func firstErrorLine(stderr string) string {
	var first string
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "│╷╵ "))
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "Error:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "Error:"))
		}
		if first == "" {
			first = line
		}
	}
	if first == "" {
		return "tool failed without output"
	}
	return first
}
