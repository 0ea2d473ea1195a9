package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Error kinds. Each kind carries a fixed retriability.
const (
	KindAuthFailed        = "auth-failed"
	KindDNSResolution     = "dns-resolution"
	KindConnectionRefused = "connection-refused"
	KindConnectionTimeout = "connection-timeout"
	KindHostUnreachable   = "host-unreachable"
	KindScriptTimeout     = "script-timeout"
	KindScriptError       = "script-error"
	KindParseError        = "parse-error"
	KindOutputTooLarge    = "output-too-large"
	KindUnknown           = "unknown"
)

// ExecError is a classified remote-execution failure.
type ExecError struct {
	Kind     string
	Host     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Host)
	if e.Kind == KindScriptError {
		msg = fmt.Sprintf("%s (exit %d)", msg, e.ExitCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Stderr != "" {
		msg = fmt.Sprintf("%s: %s", msg, strings.TrimSpace(e.Stderr))
	}
	return msg
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// Retriable reports whether the retry loop may attempt again. Script exit
// codes 124 (timeout) and 137 (SIGKILL, usually OOM) are the only exits
// worth retrying.
func (e *ExecError) Retriable() bool {
	switch e.Kind {
	case KindConnectionRefused, KindConnectionTimeout, KindHostUnreachable, KindScriptTimeout, KindUnknown:
		return true
	case KindScriptError:
		return e.ExitCode == 124 || e.ExitCode == 137
	default:
		return false
	}
}

// AsExecError extracts an ExecError from an error chain.
func AsExecError(err error) (*ExecError, bool) {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// classify maps a raw connection or session error onto the taxonomy.
func classify(host string, err error) *ExecError {
	if err == nil {
		return nil
	}
	if ee, ok := AsExecError(err); ok {
		return ee
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return &ExecError{Kind: KindScriptError, Host: host, ExitCode: exitErr.ExitStatus(), Err: err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &ExecError{Kind: KindDNSResolution, Host: host, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &ExecError{Kind: KindScriptTimeout, Host: host, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ExecError{Kind: KindConnectionTimeout, Host: host, Err: err}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied"):
		return &ExecError{Kind: KindAuthFailed, Host: host, Err: err}
	case strings.Contains(msg, "no such host"):
		return &ExecError{Kind: KindDNSResolution, Host: host, Err: err}
	case strings.Contains(msg, "connection refused"):
		return &ExecError{Kind: KindConnectionRefused, Host: host, Err: err}
	case strings.Contains(msg, "no route to host") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "host is down"):
		return &ExecError{Kind: KindHostUnreachable, Host: host, Err: err}
	case strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "handshake failed: EOF") ||
		strings.Contains(msg, "timed out"):
		return &ExecError{Kind: KindConnectionTimeout, Host: host, Err: err}
	}

	return &ExecError{Kind: KindUnknown, Host: host, Err: err}
}
