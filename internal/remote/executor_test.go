package remote

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildScriptCommand(t *testing.T) {
	cmd := buildScriptCommand("#!/bin/bash\necho '{}'", false)

	assert.True(t, strings.HasPrefix(cmd, "cat > /tmp/.systemmap_gather.sh << 'SYSTEMMAP_EOF'\n"))
	assert.Contains(t, cmd, "#!/bin/bash\necho '{}'\nSYSTEMMAP_EOF\n")
	assert.Contains(t, cmd, "chmod +x /tmp/.systemmap_gather.sh\n")
	assert.Contains(t, cmd, "\nbash /tmp/.systemmap_gather.sh\n")
	assert.Contains(t, cmd, "STATUS=$?\nrm -f /tmp/.systemmap_gather.sh\nexit $STATUS\n")
	assert.NotContains(t, cmd, "sudo")
}

func TestBuildScriptCommandSudo(t *testing.T) {
	cmd := buildScriptCommand("echo hi\n", true)
	assert.Contains(t, cmd, "sudo -n bash /tmp/.systemmap_gather.sh\n")
}

func TestExtractDocument(t *testing.T) {
	out := []byte("Welcome to prod-web-01\nLast login: Mon\n{\"hostname\": {\"value\": \"h1\"}}\nConnection closed.\n")
	body, err := extractDocument(out)
	require.NoError(t, err)
	assert.Equal(t, `{"hostname": {"value": "h1"}}`, string(body))
}

func TestExtractDocumentNested(t *testing.T) {
	out := []byte("noise {\"a\": {\"b\": 1}} trailing")
	body, err := extractDocument(out)
	require.NoError(t, err)
	assert.Equal(t, `{"a": {"b": 1}}`, string(body))
}

func TestExtractDocumentMissing(t *testing.T) {
	_, err := extractDocument([]byte("bash: /tmp/.systemmap_gather.sh: Permission denied"))
	assert.Error(t, err)

	_, err = extractDocument([]byte("} backwards {"))
	assert.Error(t, err)
}

func TestBoundedWriter(t *testing.T) {
	w := &boundedWriter{max: 10}

	n, err := w.Write([]byte("abcd"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = w.Write([]byte("efghij"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.False(t, w.truncated)

	n, err = w.Write([]byte("kl"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, w.truncated)
	assert.Equal(t, "abcdefghij", w.String())
	assert.Equal(t, int64(12), w.total)
}

func TestBoundedWriterPartialOverflow(t *testing.T) {
	w := &boundedWriter{max: 5}
	_, err := w.Write([]byte("abcdefgh"))
	require.NoError(t, err)
	assert.True(t, w.truncated)
	assert.Equal(t, "abcde", w.String())
}

func TestOptionsNormalized(t *testing.T) {
	o := Options{}.normalized()
	assert.Equal(t, DefaultDeadline, o.Deadline)
	assert.Equal(t, DefaultReadyTimeout, o.ReadyTimeout)
	assert.Equal(t, DefaultMaxStdout, o.MaxStdout)
	assert.Equal(t, DefaultMaxStderr, o.MaxStderr)
	assert.Equal(t, 0, o.Retries)

	o = Options{Deadline: time.Minute, Retries: 5, MaxStdout: 1024}.normalized()
	assert.Equal(t, time.Minute, o.Deadline)
	assert.Equal(t, 5, o.Retries)
	assert.Equal(t, 1024, o.MaxStdout)
}

func TestScriptOptionsDefaults(t *testing.T) {
	o := ScriptOptions().normalized()
	assert.Equal(t, 2, o.Retries)
	assert.Equal(t, DefaultDeadline, o.Deadline)
}

func TestCredentialsAddr(t *testing.T) {
	assert.Equal(t, "10.0.0.5:22", Credentials{IP: "10.0.0.5"}.addr())
	assert.Equal(t, "10.0.0.5:2222", Credentials{IP: "10.0.0.5", Port: 2222}.addr())
}

func TestBuildAuthMethodsPasswordOnly(t *testing.T) {
	methods, err := buildAuthMethods(Credentials{User: "root", Password: "s3cret"})
	require.NoError(t, err)
	// Password plus keyboard-interactive fallback.
	assert.Len(t, methods, 2)
}

func TestBuildAuthMethodsPrivateKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	methods, err := buildAuthMethods(Credentials{User: "root", PrivateKey: string(pemBytes)})
	require.NoError(t, err)
	assert.Len(t, methods, 1)
}

func TestBuildAuthMethodsBadKey(t *testing.T) {
	_, err := buildAuthMethods(Credentials{User: "root", PrivateKey: "not a key"})
	assert.Error(t, err)
}

func TestBuildAuthMethodsEmpty(t *testing.T) {
	_, err := buildAuthMethods(Credentials{User: "root"})
	assert.Error(t, err)
}

func TestWithRetriesStopsOnNonRetriable(t *testing.T) {
	e := NewExecutor(nil)
	attempts := 0

	err := e.withRetries(context.Background(), Credentials{IP: "10.0.0.5"}, ScriptOptions().normalized(), func(context.Context) error {
		attempts++
		return &ExecError{Kind: KindAuthFailed, Host: "10.0.0.5"}
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	ee, ok := AsExecError(err)
	require.True(t, ok)
	assert.Equal(t, KindAuthFailed, ee.Kind)
}

func TestWithRetriesSingleAttemptWhenNoBudget(t *testing.T) {
	e := NewExecutor(nil)
	attempts := 0

	err := e.withRetries(context.Background(), Credentials{IP: "10.0.0.5"}, Options{}.normalized(), func(context.Context) error {
		attempts++
		return errors.New("dial tcp 10.0.0.5:22: connect: connection refused")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWithRetriesHonorsCancelledContext(t *testing.T) {
	e := NewExecutor(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts := 0

	err := e.withRetries(ctx, Credentials{IP: "10.0.0.5"}, ScriptOptions().normalized(), func(context.Context) error {
		attempts++
		return errors.New("dial tcp 10.0.0.5:22: connect: connection refused")
	})

	require.Error(t, err)
	// Retriable, but the cancelled context stops the backoff sleep.
	assert.Equal(t, 1, attempts)
	ee, ok := AsExecError(err)
	require.True(t, ok)
	assert.Equal(t, KindConnectionRefused, ee.Kind)
}

func TestWithRetriesSucceeds(t *testing.T) {
	e := NewExecutor(nil)
	err := e.withRetries(context.Background(), Credentials{IP: "10.0.0.5"}, Options{}.normalized(), func(context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}
