package ops

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemmap/backend/internal/events"
	"github.com/systemmap/backend/internal/llm"
	"github.com/systemmap/backend/internal/queue"
	"github.com/systemmap/backend/internal/scheduler"
	"github.com/systemmap/backend/internal/store"
	"github.com/systemmap/backend/internal/worker"
)

type enqueuedJob struct {
	id string
	p  queue.Payload
}

type fakeJobQueue struct {
	name       string
	statuses   map[string]*queue.JobStatus
	pending    int64
	delayed    int64
	dead       int64
	deadIDs    []string
	requeueErr error
	enqueued   []enqueuedJob
	enqueueErr error
}

func (f *fakeJobQueue) Name() string { return f.name }

func (f *fakeJobQueue) Enqueue(_ context.Context, id string, p queue.Payload) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueued = append(f.enqueued, enqueuedJob{id: id, p: p})
	return nil
}

func (f *fakeJobQueue) Status(_ context.Context, jobID string) (*queue.JobStatus, error) {
	return f.statuses[jobID], nil
}

func (f *fakeJobQueue) Depth(_ context.Context) (int64, int64, int64, error) {
	return f.pending, f.delayed, f.dead, nil
}

func (f *fakeJobQueue) DeadLetters(_ context.Context, limit int64) ([]string, error) {
	if limit < int64(len(f.deadIDs)) {
		return f.deadIDs[:limit], nil
	}
	return f.deadIDs, nil
}

func (f *fakeJobQueue) RequeueDead(_ context.Context, jobID string) error {
	return f.requeueErr
}

type fakeTriggers struct {
	jobID     string
	err       error
	upcoming  []scheduler.UpcomingRun
	hostCalls []int64
	netCalls  []int64
	trigger   string
	who       string
}

func (f *fakeTriggers) TriggerHostScan(_ context.Context, serverID int64, trigger, principal string) (string, error) {
	f.hostCalls = append(f.hostCalls, serverID)
	f.trigger = trigger
	f.who = principal
	return f.jobID, f.err
}

func (f *fakeTriggers) TriggerNetworkScan(_ context.Context, scanID int64, trigger, principal string) (string, error) {
	f.netCalls = append(f.netCalls, scanID)
	f.trigger = trigger
	f.who = principal
	return f.jobID, f.err
}

func (f *fakeTriggers) Upcoming() []scheduler.UpcomingRun { return f.upcoming }

type opsFixture struct {
	s     *Server
	mock  sqlmock.Sqlmock
	scanQ *fakeJobQueue
	aiQ   *fakeJobQueue
	pmQ   *fakeJobQueue
	sched *fakeTriggers
	bus   *events.Bus
}

func newOpsFixture(t *testing.T) *opsFixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &opsFixture{
		mock:  mock,
		scanQ: &fakeJobQueue{name: queue.ServerScan},
		aiQ:   &fakeJobQueue{name: queue.AIAnalysis},
		pmQ:   &fakeJobQueue{name: queue.ProcessMap},
		sched: &fakeTriggers{jobID: "server-scan:host:42"},
		bus:   events.NewBus(),
	}
	f.s = New(Deps{
		Store:    store.New(db),
		Queues:   []JobQueue{f.scanQ, f.aiQ, f.pmQ},
		Sched:    f.sched,
		Bus:      f.bus,
		Breaker:  llm.NewBreaker(3, time.Minute),
		Gatherer: prometheus.NewRegistry(),
	})
	return f
}

func (f *opsFixture) do(method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	f.s.Handler().ServeHTTP(rec, req)
	return rec
}

func hostColumns() []string {
	return []string{
		"id", "ip", "hostname", "os_name", "os_version", "kernel", "cpu_info", "memory_mb",
		"ssh_port", "ssh_user", "auth_method", "encrypted_password", "encrypted_private_key",
		"schedule_expr", "scan_options", "status", "last_scan_at", "last_scan_error",
		"ai_purpose", "ai_tags", "ai_summary", "created_at", "updated_at",
	}
}

func hostRow(status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(hostColumns()).AddRow(
		int64(42), "10.0.0.5", "h1", "Ubuntu", "22.04", "5.15.0-92", "2 cores", int64(2048),
		22, "root", "password", "enc", nil, nil, nil, status, nil, nil,
		"", "{}", "", now, now,
	)
}

func TestHealthz(t *testing.T) {
	f := newOpsFixture(t)

	rec := f.do("GET", "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReadyzReportsChecks(t *testing.T) {
	f := newOpsFixture(t)

	rec := f.do("GET", "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Checks["database"])
	assert.Equal(t, "closed", body.Checks["llmCircuit"])
}

func TestReadyzFailsWhenDatabaseDown(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	s := New(Deps{Store: store.New(db)})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unavailable")
}

func TestMetricsEndpointServes(t *testing.T) {
	f := newOpsFixture(t)

	rec := f.do("GET", "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestJobStatusResolvesOwningQueue(t *testing.T) {
	f := newOpsFixture(t)
	f.scanQ.statuses = map[string]*queue.JobStatus{
		"server-scan:host:42": {
			ID: "server-scan:host:42", Queue: queue.ServerScan, Status: "running",
			Progress: &queue.Progress{Step: "gather", Percent: 10},
		},
	}

	rec := f.do("GET", "/jobs/server-scan:host:42")
	require.Equal(t, http.StatusOK, rec.Code)

	var st queue.JobStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "running", st.Status)
	require.NotNil(t, st.Progress)
	assert.Equal(t, "gather", st.Progress.Step)
}

func TestJobStatusUnknownJob(t *testing.T) {
	f := newOpsFixture(t)

	// Known queue, unknown id.
	rec := f.do("GET", "/jobs/server-scan:host:9")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Id without a queue prefix.
	rec = f.do("GET", "/jobs/bogus:host:9")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueuesReportDepth(t *testing.T) {
	f := newOpsFixture(t)
	f.scanQ.pending = 3
	f.scanQ.delayed = 1
	f.aiQ.dead = 2

	rec := f.do("GET", "/queues")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Queues []struct {
			Name    string `json:"name"`
			Pending int64  `json:"pending"`
			Delayed int64  `json:"delayed"`
			Dead    int64  `json:"dead"`
		} `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Queues, 3)
	assert.Equal(t, queue.ServerScan, body.Queues[0].Name)
	assert.Equal(t, int64(3), body.Queues[0].Pending)
	assert.Equal(t, int64(2), body.Queues[1].Dead)
}

func TestDeadLetterListAndRequeue(t *testing.T) {
	f := newOpsFixture(t)
	f.scanQ.deadIDs = []string{"server-scan:host:7", "server-scan:host:8"}

	rec := f.do("GET", "/queues/server-scan/dead")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "server-scan:host:7")

	rec = f.do("POST", "/queues/server-scan/dead/server-scan:host:7/requeue")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "requeued")
}

func TestRequeueUnknownJob(t *testing.T) {
	f := newOpsFixture(t)
	f.scanQ.requeueErr = queue.ErrNotDeadLettered

	rec := f.do("POST", "/queues/server-scan/dead/server-scan:host:9/requeue")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeadLettersUnknownQueue(t *testing.T) {
	f := newOpsFixture(t)

	rec := f.do("GET", "/queues/bogus/dead")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSchedulesListUpcoming(t *testing.T) {
	f := newOpsFixture(t)
	next := time.Now().Add(time.Hour).UTC()
	f.sched.upcoming = []scheduler.UpcomingRun{
		{Key: "host:42", Schedule: "0 3 * * *", NextAt: next},
	}

	rec := f.do("GET", "/schedules")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "host:42")
	assert.Contains(t, rec.Body.String(), "0 3 * * *")
}

func TestTriggerScanAccepted(t *testing.T) {
	f := newOpsFixture(t)
	queued := f.bus.Subscribe(events.TypeScanQueued)

	rec := f.do("POST", "/hosts/42/scan")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "server-scan:host:42")

	require.Equal(t, []int64{42}, f.sched.hostCalls)
	assert.Equal(t, queue.TriggerManual, f.sched.trigger)
	assert.Equal(t, "ops", f.sched.who)

	select {
	case evt := <-queued:
		assert.Equal(t, events.TypeScanQueued, evt.Type)
		assert.Equal(t, "host:42", evt.Subject)
	default:
		t.Fatal("expected a scan.queued event")
	}
}

func TestTriggerScanConflict(t *testing.T) {
	f := newOpsFixture(t)
	f.sched.err = scheduler.ErrScanning

	rec := f.do("POST", "/hosts/42/scan")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTriggerScanUnknownHost(t *testing.T) {
	f := newOpsFixture(t)
	f.sched.err = store.ErrNotFound

	rec := f.do("POST", "/hosts/99/scan")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerScanInvalidID(t *testing.T) {
	f := newOpsFixture(t)

	rec := f.do("POST", "/hosts/nope/scan")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.sched.hostCalls)
}

func TestTriggerNetScanAccepted(t *testing.T) {
	f := newOpsFixture(t)
	f.sched.jobID = "network-scan:scan:5"

	rec := f.do("POST", "/network-scans/5/scan")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []int64{5}, f.sched.netCalls)
}

func TestTriggerHealthEnqueuesProbe(t *testing.T) {
	f := newOpsFixture(t)
	f.mock.ExpectQuery("FROM hosts WHERE id").WithArgs(int64(42)).
		WillReturnRows(hostRow(store.StatusOnline))

	rec := f.do("POST", "/hosts/42/health")
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, f.scanQ.enqueued, 1)
	job := f.scanQ.enqueued[0]
	assert.Equal(t, queue.HealthJobID(42), job.id)
	assert.Equal(t, worker.PurposeHealthCheck, job.p.Purpose)
	assert.Equal(t, int64(42), job.p.ServerID)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestTriggerHealthDuplicate(t *testing.T) {
	f := newOpsFixture(t)
	f.scanQ.enqueueErr = queue.ErrDuplicate
	f.mock.ExpectQuery("FROM hosts WHERE id").WithArgs(int64(42)).
		WillReturnRows(hostRow(store.StatusOnline))

	rec := f.do("POST", "/hosts/42/health")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTriggerAnalysisRoutesByPurpose(t *testing.T) {
	f := newOpsFixture(t)
	f.mock.ExpectQuery("FROM hosts WHERE id").WithArgs(int64(42)).
		WillReturnRows(hostRow(store.StatusOnline))
	f.mock.ExpectQuery("FROM hosts WHERE id").WithArgs(int64(42)).
		WillReturnRows(hostRow(store.StatusOnline))

	rec := f.do("POST", "/hosts/42/analyses/runbook")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.aiQ.enqueued, 1)
	assert.Equal(t, queue.AnalysisJobID(42, store.PurposeRunbook), f.aiQ.enqueued[0].id)

	// The process map rides its own queue.
	rec = f.do("POST", "/hosts/42/analyses/process_map")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.pmQ.enqueued, 1)
	assert.Equal(t, queue.HostJobID(queue.ProcessMap, 42), f.pmQ.enqueued[0].id)
	assert.Empty(t, f.scanQ.enqueued)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestTriggerAnalysisUnknownPurpose(t *testing.T) {
	f := newOpsFixture(t)

	rec := f.do("POST", "/hosts/42/analyses/fortune")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.aiQ.enqueued)
}

func TestTriggerAnalysisUnknownHost(t *testing.T) {
	f := newOpsFixture(t)
	f.mock.ExpectQuery("FROM hosts WHERE id").WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows(hostColumns()))

	rec := f.do("POST", "/hosts/99/analyses/runbook")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, f.aiQ.enqueued)
}

func TestEventStreamDeliversFrames(t *testing.T) {
	f := newOpsFixture(t)
	srv := httptest.NewServer(f.s.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/events?types="+events.TypeScanQueued, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "connected")

	// Drain the rest of the handshake frame, then publish.
	for line != "\n" {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
	}
	f.bus.Emit(events.TypeScanQueued, "ops", "host:42", map[string]interface{}{"jobId": "server-scan:host:42"})

	var payload string
	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data:") {
			payload = line
			break
		}
	}
	assert.Contains(t, payload, "server-scan:host:42")
}
