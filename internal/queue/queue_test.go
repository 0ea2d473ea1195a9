package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, cfg Config) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, cfg, nil), mr
}

func TestEnqueueReservesJobID(t *testing.T) {
	q, _ := newTestQueue(t, ServerScanConfig())
	ctx := context.Background()

	id := HostJobID(ServerScan, 42)
	require.NoError(t, q.Enqueue(ctx, id, Payload{ServerID: 42, Trigger: TriggerScheduled}))

	err := q.Enqueue(ctx, id, Payload{ServerID: 42, Trigger: TriggerManual})
	require.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, q.Enqueue(ctx, HostJobID(ServerScan, 43), Payload{ServerID: 43, Trigger: TriggerManual}))

	pending, err := q.rdb.LRange(ctx, q.key("pending"), 0, -1).Result()
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestDequeueReturnsPayload(t *testing.T) {
	q, _ := newTestQueue(t, ServerScanConfig())
	ctx := context.Background()

	id := HostJobID(ServerScan, 42)
	require.NoError(t, q.Enqueue(ctx, id, Payload{ServerID: 42, Trigger: TriggerManual, Principal: "admin"}))

	job, err := q.dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, id, job.ID)
	assert.Equal(t, ServerScan, job.Queue)
	assert.EqualValues(t, 42, job.Payload.ServerID)
	assert.Equal(t, TriggerManual, job.Payload.Trigger)
	assert.Equal(t, "admin", job.Payload.Principal)
	assert.Equal(t, 3, job.MaxAttempts)
}

func TestDequeueDropsJobWithoutRecord(t *testing.T) {
	q, _ := newTestQueue(t, ServerScanConfig())
	ctx := context.Background()

	require.NoError(t, q.rdb.LPush(ctx, q.key("pending"), "ghost").Err())

	job, err := q.dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestProcessSuccessFinalizes(t *testing.T) {
	q, mr := newTestQueue(t, ServerScanConfig())
	ctx := context.Background()

	id := HostJobID(ServerScan, 7)
	require.NoError(t, q.Enqueue(ctx, id, Payload{ServerID: 7, Trigger: TriggerScheduled}))

	job, err := q.dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	q.process(ctx, job, func(ctx context.Context, job *Job) error { return nil })

	st, err := q.Status(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 1, st.Attempts)
	assert.NotNil(t, st.StartedAt)
	assert.NotNil(t, st.FinishedAt)

	done, err := q.rdb.LRange(ctx, q.key("done"), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{id}, done)

	// The reservation is released and the record ages out.
	assert.EqualValues(t, 0, q.rdb.Exists(ctx, q.reservationKey(id)).Val())
	assert.Greater(t, mr.TTL(q.jobKey(id)), time.Duration(0))
}

func TestEnqueueAfterCompletionStartsFreshRun(t *testing.T) {
	q, _ := newTestQueue(t, ServerScanConfig())
	ctx := context.Background()

	id := HostJobID(ServerScan, 7)
	require.NoError(t, q.Enqueue(ctx, id, Payload{ServerID: 7, Trigger: TriggerScheduled}))

	job, err := q.dequeue(ctx)
	require.NoError(t, err)
	q.process(ctx, job, func(ctx context.Context, job *Job) error { return nil })

	require.NoError(t, q.Enqueue(ctx, id, Payload{ServerID: 7, Trigger: TriggerManual}))

	st, err := q.Status(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, StatusQueued, st.Status)
	assert.Equal(t, 0, st.Attempts)
	assert.Equal(t, TriggerManual, st.Payload.Trigger)
}

func TestRetryBackoffThenDeadLetter(t *testing.T) {
	q, _ := newTestQueue(t, ServerScanConfig())
	ctx := context.Background()

	base := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	id := HostJobID(ServerScan, 9)
	require.NoError(t, q.Enqueue(ctx, id, Payload{ServerID: 9, Trigger: TriggerScheduled}))

	attempts := 0
	handler := func(ctx context.Context, job *Job) error {
		attempts++
		return errors.New("ssh: connect timeout")
	}

	// First attempt fails and is parked five seconds out.
	job, err := q.dequeue(ctx)
	require.NoError(t, err)
	q.process(ctx, job, handler)

	st, err := q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, st.Status)
	assert.Equal(t, "ssh: connect timeout", st.Failure)

	score := q.rdb.ZScore(ctx, q.key("delayed"), id).Val()
	assert.EqualValues(t, base.Add(5*time.Second).UnixMilli(), int64(score))

	// Second attempt doubles the delay.
	base = base.Add(6 * time.Second)
	require.NoError(t, q.promoteDue(ctx))

	job, err = q.dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	q.process(ctx, job, handler)

	score = q.rdb.ZScore(ctx, q.key("delayed"), id).Val()
	assert.EqualValues(t, base.Add(10*time.Second).UnixMilli(), int64(score))

	// Third attempt exhausts the budget and dead letters the job.
	base = base.Add(11 * time.Second)
	require.NoError(t, q.promoteDue(ctx))

	job, err = q.dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	q.process(ctx, job, handler)

	assert.Equal(t, 3, attempts)

	st, err = q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, 3, st.Attempts)

	dead, err := q.rdb.LRange(ctx, q.key("dead"), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{id}, dead)
	assert.EqualValues(t, 0, q.rdb.Exists(ctx, q.reservationKey(id)).Val())
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	q, _ := newTestQueue(t, ServerScanConfig())
	ctx := context.Background()

	id := HostJobID(ServerScan, 3)
	require.NoError(t, q.Enqueue(ctx, id, Payload{ServerID: 3, Trigger: TriggerManual}))

	job, err := q.dequeue(ctx)
	require.NoError(t, err)
	q.process(ctx, job, func(ctx context.Context, job *Job) error {
		return Permanent(errors.New("ssh: authentication failed"))
	})

	st, err := q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, "ssh: authentication failed", st.Failure)

	delayed, err := q.rdb.ZCard(ctx, q.key("delayed")).Result()
	require.NoError(t, err)
	assert.Zero(t, delayed)
}

func TestPermanentMarkerSurvivesWrapping(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(errors.New("plain")))

	err := Permanent(errors.New("bad credentials"))
	assert.True(t, IsPermanent(err))
	assert.True(t, IsPermanent(fmt.Errorf("scan host 4: %w", err)))
	assert.Equal(t, "bad credentials", err.Error())
}

func TestFailureReasonTruncated(t *testing.T) {
	q, _ := newTestQueue(t, ProcessMapConfig())
	ctx := context.Background()

	id := HostJobID(ProcessMap, 5)
	require.NoError(t, q.Enqueue(ctx, id, Payload{ServerID: 5, Trigger: TriggerManual}))

	job, err := q.dequeue(ctx)
	require.NoError(t, err)
	q.process(ctx, job, func(ctx context.Context, job *Job) error {
		return errors.New(strings.Repeat("x", 3000))
	})

	st, err := q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, st.Status)
	assert.Len(t, st.Failure, maxFailureLen)
}

func TestSetProgressObservable(t *testing.T) {
	q, _ := newTestQueue(t, ServerScanConfig())
	ctx := context.Background()

	id := HostJobID(ServerScan, 12)
	require.NoError(t, q.Enqueue(ctx, id, Payload{ServerID: 12, Trigger: TriggerScheduled}))

	require.NoError(t, q.SetProgress(ctx, id, Progress{
		Step:    "gather",
		Percent: 40,
		Message: "collecting inventory",
		Counts:  map[string]int{"services": 12, "mounts": 4},
	}))

	st, err := q.Status(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, st)
	require.NotNil(t, st.Progress)
	assert.Equal(t, "gather", st.Progress.Step)
	assert.Equal(t, 40, st.Progress.Percent)
	assert.Equal(t, "collecting inventory", st.Progress.Message)
	assert.Equal(t, 12, st.Progress.Counts["services"])
}

func TestPromoteDueMovesOnlyRipeJobs(t *testing.T) {
	q, _ := newTestQueue(t, ServerScanConfig())
	ctx := context.Background()

	base := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	soon := HostJobID(ServerScan, 1)
	later := HostJobID(ServerScan, 2)
	require.NoError(t, q.EnqueueIn(ctx, soon, Payload{ServerID: 1, Trigger: TriggerScheduled}, 30*time.Second))
	require.NoError(t, q.EnqueueIn(ctx, later, Payload{ServerID: 2, Trigger: TriggerScheduled}, 5*time.Minute))

	base = base.Add(time.Minute)
	require.NoError(t, q.promoteDue(ctx))

	pending, err := q.rdb.LRange(ctx, q.key("pending"), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{soon}, pending)

	st, err := q.Status(ctx, soon)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, st.Status)

	st, err = q.Status(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, StatusDelayed, st.Status)
}

func TestRateSlotCounting(t *testing.T) {
	q, _ := newTestQueue(t, ServerScanConfig())
	ctx := context.Background()

	base := time.Date(2026, 2, 3, 10, 0, 30, 0, time.UTC)
	q.now = func() time.Time { return base }

	key1, ok := q.waitRateSlot(ctx)
	require.True(t, ok)
	key2, ok := q.waitRateSlot(ctx)
	require.True(t, ok)
	assert.Equal(t, key1, key2)

	n, err := q.rdb.Get(ctx, key1).Int64()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// An empty poll refunds its slot.
	q.rdb.Decr(ctx, key1)
	n, err = q.rdb.Get(ctx, key1).Int64()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestWaitRateSlotStopsOnShutdown(t *testing.T) {
	q, _ := newTestQueue(t, ServerScanConfig())

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := q.waitRateSlot(cancelled)
	assert.False(t, ok)
}

func TestRunCompletesInFlightJobOnShutdown(t *testing.T) {
	q, _ := newTestQueue(t, NetworkScanConfig())
	ctx := context.Background()

	id := SubnetJobID(1)
	require.NoError(t, q.Enqueue(ctx, id, Payload{NetworkScanID: 1, Subnet: "10.0.0.0/24", Trigger: TriggerManual}))

	started := make(chan struct{})
	release := make(chan struct{})
	handler := func(ctx context.Context, job *Job) error {
		close(started)
		<-release
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(runCtx, handler)
		close(done)
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	// Shutdown arrives while the job is still running.
	cancel()
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not drain")
	}

	st, err := q.Status(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, StatusCompleted, st.Status)
}

func TestRequeueDeadRestoresJob(t *testing.T) {
	q, mr := newTestQueue(t, ProcessMapConfig())
	ctx := context.Background()

	id := HostJobID(ProcessMap, 8)
	require.NoError(t, q.Enqueue(ctx, id, Payload{ServerID: 8, Trigger: TriggerManual}))

	job, err := q.dequeue(ctx)
	require.NoError(t, err)
	q.process(ctx, job, func(ctx context.Context, job *Job) error {
		return errors.New("nmap exited 1")
	})

	require.NoError(t, q.RequeueDead(ctx, id))

	dead, err := q.rdb.LRange(ctx, q.key("dead"), 0, -1).Result()
	require.NoError(t, err)
	assert.Empty(t, dead)

	pending, err := q.rdb.LRange(ctx, q.key("pending"), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{id}, pending)

	st, err := q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, st.Status)
	assert.Equal(t, 0, st.Attempts)
	assert.Empty(t, st.Failure)
	assert.Equal(t, time.Duration(0), mr.TTL(q.jobKey(id)))

	err = q.RequeueDead(ctx, id)
	require.ErrorContains(t, err, "not dead lettered")
}

func TestDepthCountsBacklog(t *testing.T) {
	q, _ := newTestQueue(t, ServerScanConfig())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, HostJobID(ServerScan, 1), Payload{ServerID: 1, Trigger: TriggerScheduled}))
	require.NoError(t, q.Enqueue(ctx, HostJobID(ServerScan, 2), Payload{ServerID: 2, Trigger: TriggerScheduled}))
	require.NoError(t, q.EnqueueIn(ctx, HostJobID(ServerScan, 3), Payload{ServerID: 3, Trigger: TriggerScheduled}, time.Minute))

	pending, delayed, dead, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, pending)
	assert.EqualValues(t, 1, delayed)
	assert.EqualValues(t, 0, dead)
}

func TestNewNormalisesConfig(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := New(client, Config{Name: "adhoc"}, nil)
	assert.Equal(t, 1, q.cfg.Concurrency)
	assert.Equal(t, 1, q.cfg.MaxAttempts)
}

func TestJobIDHelpers(t *testing.T) {
	assert.Equal(t, "server-scan:host:42", HostJobID(ServerScan, 42))
	assert.Equal(t, "process-map:host:42", HostJobID(ProcessMap, 42))
	assert.Equal(t, "network-scan:scan:7", SubnetJobID(7))
	assert.Equal(t, "ai-analysis:host:42:server_summary", AnalysisJobID(42, "server_summary"))
}
