package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBreaker pins the clock so cooldown transitions are driven by the
// test instead of real time.
func testBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	b := NewBreaker(threshold, cooldown)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerDefaults(t *testing.T) {
	b := NewBreaker(0, 0)
	assert.Equal(t, defaultBreakerThreshold, b.threshold)
	assert.Equal(t, defaultBreakerCooldown, b.cooldown)
	assert.Equal(t, "closed", b.State())
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	b, _ := testBreaker(3, time.Minute)

	b.Record(errors.New("HTTP 500"))
	b.Record(errors.New("HTTP 500"))
	require.NoError(t, b.Allow())
	assert.Equal(t, "closed", b.State())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := testBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Allow())
		b.Record(errors.New("connection refused"))
	}

	assert.Equal(t, "open", b.State())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := testBreaker(3, time.Minute)

	b.Record(errors.New("boom"))
	b.Record(errors.New("boom"))
	b.Record(nil)
	b.Record(errors.New("boom"))
	b.Record(errors.New("boom"))

	assert.Equal(t, "closed", b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerHalfOpenAdmitsOneProbe(t *testing.T) {
	b, now := testBreaker(2, time.Minute)

	b.Record(errors.New("boom"))
	b.Record(errors.New("boom"))
	require.Equal(t, "open", b.State())

	*now = now.Add(2 * time.Minute)
	require.Equal(t, "half-open", b.State())

	require.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen, "second caller must wait for the probe")

	b.Record(nil)
	assert.Equal(t, "closed", b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b, now := testBreaker(2, time.Minute)

	b.Record(errors.New("boom"))
	b.Record(errors.New("boom"))
	*now = now.Add(2 * time.Minute)

	require.NoError(t, b.Allow())
	b.Record(errors.New("still down"))

	assert.Equal(t, "open", b.State())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)

	// The reopened window starts at the probe failure, not the original trip.
	*now = now.Add(61 * time.Second)
	assert.Equal(t, "half-open", b.State())
}

func TestBreakerIgnoresGateOutcomes(t *testing.T) {
	b, _ := testBreaker(2, time.Minute)

	for i := 0; i < 5; i++ {
		b.Record(ErrDisabled)
		b.Record(ErrFeatureDisabled)
		b.Record(ErrLocked)
		b.Record(context.Canceled)
	}

	assert.Equal(t, "closed", b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerNeutralOutcomeReleasesProbeSlot(t *testing.T) {
	b, now := testBreaker(1, time.Minute)

	b.Record(errors.New("boom"))
	*now = now.Add(2 * time.Minute)

	require.NoError(t, b.Allow())
	b.Record(ErrLocked)

	// The probe resolved without learning anything; the slot reopens.
	assert.Equal(t, "half-open", b.State())
	assert.NoError(t, b.Allow())
}
