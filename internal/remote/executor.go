// Package remote executes scripts and commands on inventoried hosts over
// SSH. One connection is opened per call, kept alive while the remote
// program runs, and torn down afterwards. Failures are classified into a
// fixed taxonomy so the retry loop and the job runtime can tell transient
// trouble from permanent misconfiguration.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/systemmap/backend/internal/logging"
	"github.com/systemmap/backend/internal/metrics"
	"github.com/systemmap/backend/internal/rawdoc"
)

const (
	// DefaultDeadline bounds one whole executor call.
	DefaultDeadline = 180 * time.Second
	// DefaultReadyTimeout bounds dial plus handshake.
	DefaultReadyTimeout = 15 * time.Second

	// DefaultMaxStdout caps collected stdout. Overflow is drained, not
	// fatal to the stream, but the call fails with output-too-large.
	DefaultMaxStdout = 10 * 1024 * 1024
	// DefaultMaxStderr caps collected stderr.
	DefaultMaxStderr = 100 * 1024

	keepaliveInterval  = 15 * time.Second
	keepaliveMaxMissed = 3

	retryBackoffBase = 3 * time.Second

	scriptPath      = "/tmp/.systemmap_gather.sh"
	scriptDelimiter = "SYSTEMMAP_EOF"
)

// Credentials carry the decrypted connection settings for one host.
type Credentials struct {
	IP         string
	Port       int
	User       string
	Password   string
	PrivateKey string // PEM; preferred over password when set
}

func (c Credentials) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.IP, fmt.Sprintf("%d", port))
}

// Options tune one executor call. Zero fields take the package defaults;
// Retries counts extra attempts after the first.
type Options struct {
	Deadline     time.Duration
	ReadyTimeout time.Duration
	Retries      int
	UseSudo      bool
	MaxStdout    int
	MaxStderr    int
}

// ScriptOptions are the defaults for gather-script runs.
func ScriptOptions() Options {
	return Options{Retries: 2}
}

// CommandOptions are the defaults for short one-off commands.
func CommandOptions(deadline time.Duration) Options {
	return Options{Deadline: deadline}
}

func (o Options) normalized() Options {
	if o.Deadline <= 0 {
		o.Deadline = DefaultDeadline
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = DefaultReadyTimeout
	}
	if o.MaxStdout <= 0 {
		o.MaxStdout = DefaultMaxStdout
	}
	if o.MaxStderr <= 0 {
		o.MaxStderr = DefaultMaxStderr
	}
	return o
}

// HealthResult is the outcome of a non-scripted reachability check.
type HealthResult struct {
	Reachable bool   `json:"reachable"`
	LatencyMS int64  `json:"latencyMs"`
	OSBanner  string `json:"osBanner"`
}

// Executor runs remote work over SSH.
type Executor struct {
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewExecutor builds an executor. metrics may be nil in tests.
func NewExecutor(m *metrics.Metrics) *Executor {
	return &Executor{
		log:     logging.WithComponent("remote"),
		metrics: m,
	}
}

// RunScript uploads script via heredoc, runs it with bash and returns the
// parsed top-level document from stdout. Content outside the outermost
// braces is tolerated.
func (e *Executor) RunScript(ctx context.Context, creds Credentials, script string, opts Options) (rawdoc.Doc, []byte, error) {
	opts = opts.normalized()

	var (
		doc rawdoc.Doc
		raw []byte
	)
	err := e.withRetries(ctx, creds, opts, func(callCtx context.Context) error {
		stdout, execErr := e.execute(callCtx, creds, buildScriptCommand(script, opts.UseSudo), opts)
		if execErr != nil {
			return execErr
		}

		body, extractErr := extractDocument(stdout)
		if extractErr != nil {
			return &ExecError{Kind: KindParseError, Host: creds.IP, Err: extractErr}
		}
		parsed, parseErr := rawdoc.Parse(body)
		if parseErr != nil {
			return &ExecError{Kind: KindParseError, Host: creds.IP, Err: parseErr}
		}
		doc = parsed
		raw = body
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return doc, raw, nil
}

// RunCommand executes a single command and returns its combined output.
func (e *Executor) RunCommand(ctx context.Context, creds Credentials, command string, opts Options) (string, error) {
	opts = opts.normalized()
	if opts.UseSudo {
		command = "sudo -n " + command
	}

	var out string
	err := e.withRetries(ctx, creds, opts, func(callCtx context.Context) error {
		stdout, execErr := e.execute(callCtx, creds, command, opts)
		if execErr != nil {
			return execErr
		}
		out = string(stdout)
		return nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// CheckHost dials once and runs `uname -a && hostname`. The result is
// returned even when unreachable; err then carries the classified failure.
func (e *Executor) CheckHost(ctx context.Context, creds Credentials) (HealthResult, error) {
	opts := Options{Deadline: 30 * time.Second}.normalized()
	callCtx, cancel := context.WithTimeout(ctx, opts.Deadline)
	defer cancel()

	start := time.Now()
	client, closeFn, err := e.connect(callCtx, creds, opts)
	if err != nil {
		ee := classify(creds.IP, err)
		e.recordAttempt(ee.Kind)
		return HealthResult{Reachable: false}, ee
	}
	defer closeFn()
	latency := time.Since(start).Milliseconds()

	stdout, err := e.run(callCtx, client, creds.IP, "uname -a && hostname", opts)
	if err != nil {
		ee := classify(creds.IP, err)
		e.recordAttempt(ee.Kind)
		return HealthResult{Reachable: true, LatencyMS: latency}, ee
	}

	e.recordAttempt("ok")
	banner := strings.TrimSpace(string(stdout))
	if i := strings.IndexByte(banner, '\n'); i >= 0 {
		banner = banner[:i]
	}
	return HealthResult{Reachable: true, LatencyMS: latency, OSBanner: banner}, nil
}

// withRetries runs attempt until success, a non-retriable failure, or the
// attempt budget is spent. Backoff doubles from 3 s.
func (e *Executor) withRetries(ctx context.Context, creds Credentials, opts Options, attempt func(context.Context) error) error {
	attempts := opts.Retries + 1
	var lastErr *ExecError

	for i := 1; i <= attempts; i++ {
		callCtx, cancel := context.WithTimeout(ctx, opts.Deadline)
		err := attempt(callCtx)
		cancel()

		if err == nil {
			e.recordAttempt("ok")
			return nil
		}

		lastErr = classify(creds.IP, err)
		e.recordAttempt(lastErr.Kind)
		e.log.Warn().
			Str("host", creds.IP).
			Str("kind", lastErr.Kind).
			Int("attempt", i).
			Int("attempts", attempts).
			Err(lastErr.Err).
			Msg("remote execution attempt failed")

		if !lastErr.Retriable() || i == attempts {
			return lastErr
		}

		backoff := retryBackoffBase * time.Duration(1<<(i-1))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return lastErr
		}
	}
	return lastErr
}

// execute opens one connection, runs cmd and returns stdout.
func (e *Executor) execute(ctx context.Context, creds Credentials, cmd string, opts Options) ([]byte, error) {
	client, closeFn, err := e.connect(ctx, creds, opts)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	return e.run(ctx, client, creds.IP, cmd, opts)
}

// connect dials and authenticates. The returned closer also stops the
// keepalive loop.
func (e *Executor) connect(ctx context.Context, creds Credentials, opts Options) (*ssh.Client, func(), error) {
	auth, err := buildAuthMethods(creds)
	if err != nil {
		return nil, nil, &ExecError{Kind: KindAuthFailed, Host: creds.IP, Err: err}
	}

	config := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         opts.ReadyTimeout,
	}

	dialer := net.Dialer{Timeout: opts.ReadyTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", creds.addr())
	if err != nil {
		return nil, nil, err
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, creds.addr(), config)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	done := make(chan struct{})
	go keepalive(client, done, e.log.With().Str("host", creds.IP).Logger())

	closeFn := func() {
		close(done)
		client.Close()
	}
	return client, closeFn, nil
}

// run executes cmd in a fresh session with bounded output buffers.
func (e *Executor) run(ctx context.Context, client *ssh.Client, host, cmd string, opts Options) ([]byte, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	defer session.Close()

	stdout := &boundedWriter{max: opts.MaxStdout}
	stderr := &boundedWriter{max: opts.MaxStderr}
	session.Stdout = stdout
	session.Stderr = stderr

	if err := session.Start(cmd); err != nil {
		return nil, err
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- session.Wait() }()

	select {
	case err := <-waitErr:
		if stdout.truncated {
			e.log.Warn().
				Str("host", host).
				Int64("total_bytes", stdout.total).
				Msg("remote stdout exceeded cap, truncated")
			return nil, &ExecError{Kind: KindOutputTooLarge, Host: host,
				Err: fmt.Errorf("stdout %d bytes exceeds %d byte cap", stdout.total, opts.MaxStdout)}
		}
		if err != nil {
			ee := classify(host, err)
			ee.Stderr = stderr.String()
			return nil, ee
		}
		return stdout.Bytes(), nil
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return nil, &ExecError{Kind: KindScriptTimeout, Host: host, Err: ctx.Err()}
	}
}

func (e *Executor) recordAttempt(kind string) {
	if e.metrics != nil {
		e.metrics.RecordSSHAttempt(kind)
	}
}

// buildAuthMethods assembles key, password and keyboard-interactive auth in
// preference order.
func buildAuthMethods(creds Credentials) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if creds.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(creds.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if creds.Password != "" {
		password := creds.Password
		methods = append(methods, ssh.Password(password))
		// Some distributions only advertise keyboard-interactive; answer
		// every prompt with the configured password.
		methods = append(methods, ssh.KeyboardInteractive(
			func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no authentication methods configured")
	}
	return methods, nil
}

// keepalive pings the server every 15 s and closes the connection after
// three consecutive misses.
func keepalive(client *ssh.Client, done <-chan struct{}, log zerolog.Logger) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				missed++
				if missed >= keepaliveMaxMissed {
					log.Warn().Int("missed", missed).Msg("keepalive lost, closing connection")
					client.Close()
					return
				}
			} else {
				missed = 0
			}
		}
	}
}

// buildScriptCommand wraps script in an upload-run-delete shell pipeline.
// The exit status of the script survives the cleanup.
func buildScriptCommand(script string, useSudo bool) string {
	runner := "bash"
	if useSudo {
		runner = "sudo -n bash"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "cat > %s << '%s'\n", scriptPath, scriptDelimiter)
	sb.WriteString(script)
	if !strings.HasSuffix(script, "\n") {
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "%s\n", scriptDelimiter)
	fmt.Fprintf(&sb, "chmod +x %s\n", scriptPath)
	fmt.Fprintf(&sb, "%s %s\n", runner, scriptPath)
	sb.WriteString("STATUS=$?\n")
	fmt.Fprintf(&sb, "rm -f %s\n", scriptPath)
	sb.WriteString("exit $STATUS\n")
	return sb.String()
}

// extractDocument returns the outermost {...} run from stdout.
func extractDocument(out []byte) ([]byte, error) {
	start := bytes.IndexByte(out, '{')
	end := bytes.LastIndexByte(out, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no document delimiters in %d bytes of output", len(out))
	}
	return out[start : end+1], nil
}

// boundedWriter keeps the first max bytes and drains the rest.
type boundedWriter struct {
	buf       bytes.Buffer
	max       int
	truncated bool
	total     int64
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	w.total += int64(len(p))
	remaining := w.max - w.buf.Len()
	if remaining > 0 {
		if len(p) <= remaining {
			w.buf.Write(p)
		} else {
			w.buf.Write(p[:remaining])
			w.truncated = true
		}
	} else if len(p) > 0 {
		w.truncated = true
	}
	return len(p), nil
}

func (w *boundedWriter) Bytes() []byte  { return w.buf.Bytes() }
func (w *boundedWriter) String() string { return w.buf.String() }
