package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemmap/backend/internal/metrics"
	"github.com/systemmap/backend/internal/queue"
	"github.com/systemmap/backend/internal/store"
)

type fakeQueue struct {
	mu       sync.Mutex
	ids      []string
	payloads []queue.Payload
	err      error
}

func (f *fakeQueue) Enqueue(ctx context.Context, id string, p queue.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ids = append(f.ids, id)
	f.payloads = append(f.payloads, p)
	return nil
}

func hostColumns() []string {
	return []string{
		"id", "ip", "hostname", "os_name", "os_version", "kernel", "cpu_info", "memory_mb",
		"ssh_port", "ssh_user", "auth_method", "encrypted_password", "encrypted_private_key",
		"schedule_expr", "scan_options", "status", "last_scan_at", "last_scan_error",
		"ai_purpose", "ai_tags", "ai_summary", "created_at", "updated_at",
	}
}

func scheduledHostRow(rows *sqlmock.Rows, id int64, expr string) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(
		id, "10.0.0.5", "h1", "Ubuntu", "22.04", "5.15.0-91-generic", "2 cores", int64(2048),
		22, "root", "password", "enc", nil,
		expr, nil, store.StatusOnline, nil, nil,
		"", "{}", "", now, now,
	)
}

func hostRowWithStatus(status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(hostColumns()).AddRow(
		int64(1), "10.0.0.5", "h1", "Ubuntu", "22.04", "5.15.0-91-generic", "2 cores", int64(2048),
		22, "root", "password", "enc", nil,
		nil, nil, status, nil, nil,
		"", "{}", "", now, now,
	)
}

func netScanColumns() []string {
	return []string{
		"id", "subnet", "schedule_expr", "status", "started_at", "finished_at",
		"hosts_found", "results", "error", "created_at", "updated_at",
	}
}

func netScanRow(id int64, subnet, expr, status string) *sqlmock.Rows {
	now := time.Now()
	rows := sqlmock.NewRows(netScanColumns())
	return rows.AddRow(id, subnet, expr, status, nil, nil, 0, nil, "", now, now)
}

func newTestScheduler(t *testing.T) (*Scheduler, sqlmock.Sqlmock, *fakeQueue, *fakeQueue) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	scans := &fakeQueue{}
	netScans := &fakeQueue{}
	return New(store.New(db), scans, netScans, nil, nil), mock, scans, netScans
}

func TestSyncRegistersAndPrunes(t *testing.T) {
	s, mock, _, _ := newTestScheduler(t)
	ctx := context.Background()

	mock.ExpectQuery("FROM hosts").
		WillReturnRows(scheduledHostRow(sqlmock.NewRows(hostColumns()), 1, "*/5 * * * *"))
	mock.ExpectQuery("FROM network_scans").
		WillReturnRows(netScanRow(3, "10.0.0.0/24", "0 2 * * *", store.NetScanPending))

	s.syncSchedules(ctx)

	s.mu.Lock()
	assert.Len(t, s.entries, 2)
	_, hasHost := s.entries["host:1"]
	_, hasNet := s.entries["10.0.0.0/24|0 2 * * *"]
	s.mu.Unlock()
	assert.True(t, hasHost)
	assert.True(t, hasNet)

	// The host loses its schedule; only the network registration survives.
	mock.ExpectQuery("FROM hosts").WillReturnRows(sqlmock.NewRows(hostColumns()))
	mock.ExpectQuery("FROM network_scans").
		WillReturnRows(netScanRow(3, "10.0.0.0/24", "0 2 * * *", store.NetScanPending))

	s.syncSchedules(ctx)

	s.mu.Lock()
	assert.Len(t, s.entries, 1)
	_, hasHost = s.entries["host:1"]
	s.mu.Unlock()
	assert.False(t, hasHost)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncSkipsInvalidExpression(t *testing.T) {
	s, mock, _, _ := newTestScheduler(t)

	mock.ExpectQuery("FROM hosts").
		WillReturnRows(scheduledHostRow(sqlmock.NewRows(hostColumns()), 1, "every day at noon"))
	mock.ExpectQuery("FROM network_scans").WillReturnRows(sqlmock.NewRows(netScanColumns()))

	s.syncSchedules(context.Background())

	assert.Zero(t, s.registrationCount())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncReplacesChangedExpression(t *testing.T) {
	s, mock, _, _ := newTestScheduler(t)
	ctx := context.Background()

	mock.ExpectQuery("FROM hosts").
		WillReturnRows(scheduledHostRow(sqlmock.NewRows(hostColumns()), 1, "*/5 * * * *"))
	mock.ExpectQuery("FROM network_scans").WillReturnRows(sqlmock.NewRows(netScanColumns()))
	s.syncSchedules(ctx)

	mock.ExpectQuery("FROM hosts").
		WillReturnRows(scheduledHostRow(sqlmock.NewRows(hostColumns()), 1, "*/10 * * * *"))
	mock.ExpectQuery("FROM network_scans").WillReturnRows(sqlmock.NewRows(netScanColumns()))
	s.syncSchedules(ctx)

	s.mu.Lock()
	reg := s.entries["host:1"]
	s.mu.Unlock()
	assert.Equal(t, "*/10 * * * *", reg.spec)
	assert.Equal(t, 1, s.registrationCount())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerHostScanEnqueues(t *testing.T) {
	s, mock, scans, _ := newTestScheduler(t)

	mock.ExpectQuery("FROM hosts WHERE id").WithArgs(int64(1)).
		WillReturnRows(hostRowWithStatus(store.StatusOnline))

	jobID, err := s.TriggerHostScan(context.Background(), 1, queue.TriggerManual, "admin")
	require.NoError(t, err)
	assert.Equal(t, "server-scan:host:1", jobID)

	require.Len(t, scans.ids, 1)
	assert.Equal(t, jobID, scans.ids[0])
	assert.EqualValues(t, 1, scans.payloads[0].ServerID)
	assert.Equal(t, queue.TriggerManual, scans.payloads[0].Trigger)
	assert.Equal(t, "admin", scans.payloads[0].Principal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerHostScanSkipsWhenScanning(t *testing.T) {
	s, mock, scans, _ := newTestScheduler(t)

	mock.ExpectQuery("FROM hosts WHERE id").WithArgs(int64(1)).
		WillReturnRows(hostRowWithStatus(store.StatusScanning))

	_, err := s.TriggerHostScan(context.Background(), 1, queue.TriggerScheduled, principalScheduler)
	require.ErrorIs(t, err, ErrScanning)
	assert.Empty(t, scans.ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerHostScanPassesThroughDuplicate(t *testing.T) {
	s, mock, scans, _ := newTestScheduler(t)
	scans.err = queue.ErrDuplicate

	mock.ExpectQuery("FROM hosts WHERE id").WithArgs(int64(1)).
		WillReturnRows(hostRowWithStatus(store.StatusOnline))

	_, err := s.TriggerHostScan(context.Background(), 1, queue.TriggerManual, "admin")
	require.ErrorIs(t, err, queue.ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerNetworkScanEnqueues(t *testing.T) {
	s, mock, _, netScans := newTestScheduler(t)

	mock.ExpectQuery("FROM network_scans WHERE id").WithArgs(int64(3)).
		WillReturnRows(netScanRow(3, "10.0.0.0/24", "0 2 * * *", store.NetScanPending))

	jobID, err := s.TriggerNetworkScan(context.Background(), 3, queue.TriggerManual, "admin")
	require.NoError(t, err)
	assert.Equal(t, "network-scan:scan:3", jobID)

	require.Len(t, netScans.ids, 1)
	assert.EqualValues(t, 3, netScans.payloads[0].NetworkScanID)
	assert.Equal(t, "10.0.0.0/24", netScans.payloads[0].Subnet)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerNetworkScanSkipsWhenRunning(t *testing.T) {
	s, mock, _, netScans := newTestScheduler(t)

	mock.ExpectQuery("FROM network_scans WHERE id").WithArgs(int64(3)).
		WillReturnRows(netScanRow(3, "10.0.0.0/24", "0 2 * * *", store.NetScanRunning))

	_, err := s.TriggerNetworkScan(context.Background(), 3, queue.TriggerScheduled, principalScheduler)
	require.ErrorIs(t, err, ErrNetScanRunning)
	assert.Empty(t, netScans.ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverStaleUsesCutoff(t *testing.T) {
	s, mock, _, _ := newTestScheduler(t)

	base := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	cutoff := base.Add(-30 * time.Minute)

	mock.ExpectExec("UPDATE hosts SET status").
		WithArgs(store.StatusError, store.StatusScanning, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE network_scans SET status").
		WithArgs(store.NetScanFailed, store.NetScanRunning, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s.recoverStale(context.Background())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAggregateHealthSetsGauges(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := metrics.New(prometheus.NewRegistry())
	s := New(store.New(db), &fakeQueue{}, &fakeQueue{}, nil, m)

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow(store.StatusOnline, 3).
			AddRow(store.StatusError, 1))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM hosts").
		WithArgs(store.StatusError, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM network_scans").
		WithArgs(store.NetScanFailed, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	s.aggregateHealth(context.Background())

	assert.Equal(t, 3.0, testutil.ToFloat64(m.HostsByStatus.WithLabelValues(store.StatusOnline)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HostsByStatus.WithLabelValues(store.StatusError)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.HostsByStatus.WithLabelValues(store.StatusScanning)))
	assert.NoError(t, mock.ExpectationsWereMet())
}
