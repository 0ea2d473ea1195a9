package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordScan(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordScan("server-scan", true, 42)
	m.RecordScan("server-scan", false, 3)
	m.RecordScan("network-scan", true, 120)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScansTotal.WithLabelValues("server-scan", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScansTotal.WithLabelValues("server-scan", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScansTotal.WithLabelValues("network-scan", "completed")))
}

func TestJobGauges(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.JobStarted("server-scan")
	m.JobStarted("server-scan")
	m.JobFinished("server-scan")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsInFlight.WithLabelValues("server-scan")))

	m.SetQueueDepth("server-scan", "pending", 7)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("server-scan", "pending")))
}

func TestRecordDiffsSkipsZero(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordDiffs("critical", 0)
	m.RecordDiffs("critical", 3)
	m.RecordDiffs("info", -1)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.DiffsRecorded.WithLabelValues("critical")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.DiffsRecorded.WithLabelValues("info")))
}

func TestRecordLLMCall(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordLLMCall("ollama", "summary", true, 12.5)
	m.RecordLLMCall("ollama", "summary", false, 300)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LLMCalls.WithLabelValues("ollama", "summary", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LLMCalls.WithLabelValues("ollama", "summary", "error")))
}

func TestRegistersWithoutCollision(t *testing.T) {
	// Two instances on separate registries must not panic.
	require.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
