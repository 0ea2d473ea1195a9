package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pq.Error{Code: "23505"}))
	assert.True(t, IsUniqueViolation(fmt.Errorf("wrapped: %w", &pq.Error{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("plain")))
}

func TestTryMarkScanning(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(`AND status <> $2`)).
		WithArgs(int64(7), StatusScanning).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.TryMarkScanning(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE hosts SET status = $2`)).
		WithArgs(int64(7), StatusScanning).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = s.TryMarkScanning(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok, "busy host must not be re-marked")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverStaleScans(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Now().Add(-30 * time.Minute)

	mock.ExpectExec(regexp.QuoteMeta(`last_scan_error = 'scan timeout'`)).
		WithArgs(StatusError, StatusScanning, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := s.RecoverStaleScans(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetHostScanErrorTruncatesReason(t *testing.T) {
	s, mock := newMockStore(t)

	long := make([]byte, 3000)
	for i := range long {
		long[i] = 'x'
	}
	want := string(long[:2000])

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE hosts SET status = $2, last_scan_error = $3`)).
		WithArgs(int64(1), StatusError, want).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SetHostScanError(context.Background(), 1, string(long)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSnapshotSurfacesDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO snapshots`)).
		WithArgs(int64(1), 3, []byte(`{}`), "abc").
		WillReturnError(&pq.Error{Code: "23505"})

	err := s.InsertSnapshot(context.Background(), &Snapshot{
		ServerID:   1,
		ScanNumber: 3,
		Document:   []byte(`{}`),
		Checksum:   "abc",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate snapshot")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestSnapshotNilWhenNone(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM snapshots WHERE server_id = $1`)).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "server_id", "scan_number", "document", "checksum", "created_at"}))

	snap, err := s.LatestSnapshot(context.Background(), 9)
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireAnalysisLock(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(`SET analysis_running = TRUE`)).
		WithArgs(int64(4), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.AcquireAnalysisLock(ctx, 4)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(regexp.QuoteMeta(`SET analysis_running = TRUE`)).
		WithArgs(int64(5), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = s.AcquireAnalysisLock(ctx, 5)
	require.NoError(t, err)
	assert.False(t, ok, "fresh lock held by another host must block")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseAnalysisLock(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`SET analysis_running = FALSE`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.ReleaseAnalysisLock(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedDefaultRulesSkipsWhenMarkerSet(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value FROM app_state WHERE key = $1`)).
		WithArgs("default_rules_seeded").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("true"))

	seeded, err := s.SeedDefaultRules(context.Background())
	require.NoError(t, err)
	assert.False(t, seeded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedDefaultRulesInstallsOnFirstRun(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value FROM app_state`)).
		WithArgs("default_rules_seeded").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	for i, rule := range DefaultRules() {
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO alert_rules`)).
			WithArgs(rule.Name, rule.Description, rule.Category, sqlmock.AnyArg(),
				rule.Severity, rule.Enabled, nil, 60).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
				AddRow(int64(i+1), time.Now(), time.Now()))
	}
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO app_state`)).
		WithArgs("default_rules_seeded", "true").
		WillReturnResult(sqlmock.NewResult(0, 1))

	seeded, err := s.SeedDefaultRules(context.Background())
	require.NoError(t, err)
	assert.True(t, seeded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDefaultRulesCoverExpectedConditions(t *testing.T) {
	rules := DefaultRules()
	require.Len(t, rules, 8)

	types := make(map[string]int)
	for _, r := range rules {
		types[r.Condition.Type]++
	}
	assert.Equal(t, 2, types[CondSSLExpiry])
	assert.Equal(t, 2, types[CondDiskUsage])
	assert.Equal(t, 1, types[CondSystemdFailed])
	assert.Equal(t, 3, types[CondDiffCount])
}

func TestDeleteUserRefusesLastAdmin(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT role FROM users WHERE id = $1`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("admin"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM users WHERE role = 'admin'`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	err := s.DeleteUser(context.Background(), 1)
	assert.ErrorIs(t, err, ErrLastAdmin)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteUserAllowsNonLastAdmin(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT role FROM users WHERE id = $1`)).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("admin"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM users WHERE role = 'admin'`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM users WHERE id = $1`)).
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.DeleteUser(context.Background(), 2))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceServicesChunksBatches(t *testing.T) {
	s, mock := newMockStore(t)

	items := make([]Service, 250)
	for i := range items {
		items[i] = Service{Name: fmt.Sprintf("svc%d", i), Port: 1000 + i, Protocol: "tcp"}
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM services WHERE server_id = $1`)).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// 250 rows at batch size 200 means two INSERT statements.
	mock.ExpectExec(`INSERT INTO services`).WillReturnResult(sqlmock.NewResult(0, 200))
	mock.ExpectExec(`INSERT INTO services`).WillReturnResult(sqlmock.NewResult(0, 50))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		return ReplaceServices(context.Background(), tx, 3, items)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	wantErr := errors.New("mapper exploded")
	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceEdgesEmptyOnlyDeletes(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM connection_edges WHERE source_server_id = $1`)).
		WithArgs(int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	require.NoError(t, s.ReplaceEdges(context.Background(), 11, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
