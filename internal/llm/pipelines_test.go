package llm

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemmap/backend/internal/metrics"
	"github.com/systemmap/backend/internal/store"
)

func mockPipelines(t *testing.T) (*Pipelines, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPipelines(store.New(db), nil, nil, nil), mock
}

var llmSettingsCols = []string{
	"provider", "endpoint", "api_key_encrypted", "model", "enabled", "features",
	"temperature", "max_tokens", "num_ctx", "timeout_sec",
	"analysis_running", "analysis_server_id", "analysis_updated_at", "updated_at",
}

func settingsRows(t *testing.T, provider, endpoint string, feats store.LlmFeatures) *sqlmock.Rows {
	t.Helper()
	features, err := json.Marshal(feats)
	require.NoError(t, err)
	return sqlmock.NewRows(llmSettingsCols).
		AddRow(provider, endpoint, "", "test-model", true, features,
			0.2, 512, 0, 30, false, nil, nil, time.Now())
}

func allFeatures() store.LlmFeatures {
	return store.LlmFeatures{Summary: true, Anomaly: true, LogAnalysis: true, Runbook: true, ProcessMap: true}
}

var (
	serviceCols   = []string{"id", "server_id", "name", "port", "protocol", "bind_address", "state", "pid"}
	mountCols     = []string{"id", "server_id", "device", "mountpoint", "fs_type", "size_mb", "used_mb", "use_pct"}
	containerCols = []string{"id", "server_id", "container_id", "name", "image", "state", "ports", "networks", "env", "volumes"}
	unitCols      = []string{"id", "server_id", "name", "unit_type", "active_state", "sub_state", "main_pid", "memory_mb", "cpu_sec", "enabled"}
	processCols   = []string{"id", "server_id", "pid", "ppid", "proc_user", "cpu_pct", "mem_mb", "command", "full_path", "args", "cgroup", "fd_count"}
	logCols       = []string{"id", "server_id", "source", "level", "line", "logged_at", "collected_at"}
)

func testHost() *store.Host {
	return &store.Host{
		ID:        42,
		IP:        "10.0.0.5",
		Hostname:  "web-1",
		OSName:    "Ubuntu",
		OSVersion: "22.04",
		Kernel:    "5.15.0-92",
		CPUInfo:   "4x Intel Xeon",
		MemoryMB:  8192,
	}
}

func expectSaveAnalysis(mock sqlmock.Sqlmock, serverID int64, purpose string) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM ai_analyses`)).
		WithArgs(serverID, purpose).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO ai_analyses`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), time.Now()))
	mock.ExpectCommit()
}

func TestRunRejectsUnknownPurpose(t *testing.T) {
	p, mock := mockPipelines(t)

	_, err := p.Run(context.Background(), testHost(), "weird", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown analysis purpose "weird"`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunAnomalySkipsQuietHost(t *testing.T) {
	p, mock := mockPipelines(t)

	diffCols := []string{"id", "server_id", "snapshot_id", "category", "change_type", "item_key",
		"old_value", "new_value", "severity", "acknowledged", "created_at"}
	mock.ExpectQuery(regexp.QuoteMeta(`FROM diff_events`)).
		WithArgs(int64(42), maxAnomalyDiffs*2).
		WillReturnRows(sqlmock.NewRows(diffCols))

	analysis, err := p.Run(context.Background(), testHost(), store.PurposeAnomalyCheck, nil)
	require.NoError(t, err)
	assert.Nil(t, analysis)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestServerSummaryDisabledWhenUnseeded(t *testing.T) {
	p, mock := mockPipelines(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT provider, endpoint`)).
		WillReturnError(sql.ErrNoRows)

	_, err := p.ServerSummary(context.Background(), testHost())
	assert.ErrorIs(t, err, ErrDisabled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestServerSummaryHonoursFeatureToggle(t *testing.T) {
	p, mock := mockPipelines(t)

	feats := allFeatures()
	feats.Summary = false
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT provider, endpoint`)).
		WillReturnRows(settingsRows(t, ProviderOpenAI, "", feats))

	_, err := p.ServerSummary(context.Background(), testHost())
	assert.ErrorIs(t, err, ErrFeatureDisabled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestServerSummarySavesResultAndHostFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, openAIReply(`{"purpose": "database server", "tags": ["postgres", "primary", "prod", "pg16", "replicated", "extra"], "summary": "Runs PostgreSQL for the billing stack."}`))
	}))
	defer srv.Close()

	p, mock := mockPipelines(t)
	host := testHost()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT provider, endpoint`)).
		WillReturnRows(settingsRows(t, ProviderOpenAI, srv.URL+"/v1", allFeatures()))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM services`)).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(serviceCols).
			AddRow(1, 42, "postgres", 5432, "tcp", "0.0.0.0", "LISTEN", 900))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM docker_containers`)).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(containerCols))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM processes`)).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(processCols).
			AddRow(1, 42, 900, 1, "postgres", 12.5, 2048.0, "postgres", "/usr/lib/postgresql/16/bin/postgres", "postgres -D /var/lib", "", 40))

	// The sixth tag is dropped before the host row is written.
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE hosts SET ai_purpose = $2`)).
		WithArgs(int64(42), "database server",
			pq.StringArray{"postgres", "primary", "prod", "pg16", "replicated"},
			"Runs PostgreSQL for the billing stack.").
		WillReturnResult(sqlmock.NewResult(0, 1))

	expectSaveAnalysis(mock, 42, store.PurposeServerSummary)

	analysis, err := p.ServerSummary(context.Background(), host)
	require.NoError(t, err)
	require.NotNil(t, analysis)

	assert.Equal(t, int64(7), analysis.ID)
	assert.Equal(t, int64(42), analysis.ServerID)
	assert.Equal(t, store.PurposeServerSummary, analysis.Purpose)
	assert.Equal(t, "m", analysis.ModelUsed)
	assert.Contains(t, analysis.RawPrompt, "web-1")
	assert.Contains(t, analysis.RawPrompt, "postgres 5432/tcp")

	var doc summaryReply
	require.NoError(t, json.Unmarshal(analysis.Document, &doc))
	assert.Equal(t, "database server", doc.Purpose)
	assert.Len(t, doc.Tags, 6, "document keeps the full reply")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnomalyCheckRaisesCriticalAlert(t *testing.T) {
	var gotReq openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		fmt.Fprint(w, openAIReply(`{"overall": "critical", "summary": "ssh service removed", "findings": [{"itemKey": "service:sshd", "assessment": "CRITICAL", "reason": "remote access lost"}]}`))
	}))
	defer srv.Close()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	m := metrics.New(prometheus.NewRegistry())
	p := NewPipelines(store.New(db), nil, nil, m)
	host := testHost()

	diffs := []store.DiffEvent{
		{Severity: store.SeverityInfo, Category: "packages", ChangeType: store.ChangeModified, ItemKey: "pkg:openssl"},
		{Severity: store.SeverityCritical, Category: "services", ChangeType: store.ChangeRemoved, ItemKey: "service:sshd"},
	}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT provider, endpoint`)).
		WillReturnRows(settingsRows(t, ProviderOpenAI, srv.URL+"/v1", allFeatures()))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO alerts`)).
		WithArgs(nil, int64(42), "[web-1] AI anomaly review", "ssh service removed",
			store.SeverityCritical, "ai_anomaly", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(3), time.Now()))
	expectSaveAnalysis(mock, 42, store.PurposeAnomalyCheck)

	analysis, err := p.AnomalyCheck(context.Background(), host, diffs)
	require.NoError(t, err)
	require.NotNil(t, analysis)

	// The prompt lists the critical removal before the info change.
	userContent := gotReq.Messages[1].Content
	assert.Less(t, strings.Index(userContent, "service:sshd"), strings.Index(userContent, "pkg:openssl"))

	var doc anomalyReply
	require.NoError(t, json.Unmarshal(analysis.Document, &doc))
	assert.Equal(t, "critical", doc.Overall)
	require.Len(t, doc.Findings, 1)
	assert.Equal(t, "critical", doc.Findings[0].Assessment, "assessment is normalised before storage")

	fired := testutil.ToFloat64(m.AlertsFired.WithLabelValues("ai_anomaly", store.SeverityCritical))
	assert.Equal(t, 1.0, fired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnomalyCheckBlockedByLocalLock(t *testing.T) {
	p, mock := mockPipelines(t)
	host := testHost()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT provider, endpoint`)).
		WillReturnRows(settingsRows(t, ProviderOllama, "", allFeatures()))
	mock.ExpectExec(regexp.QuoteMeta(`SET analysis_running = TRUE`)).
		WithArgs(int64(42), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	diffs := []store.DiffEvent{{Severity: store.SeverityInfo, Category: "packages", ChangeType: store.ChangeAdded, ItemKey: "pkg:curl"}}
	_, err := p.AnomalyCheck(context.Background(), host, diffs)
	assert.ErrorIs(t, err, ErrLocked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockReleasedWhenChatFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, mock := mockPipelines(t)
	host := testHost()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT provider, endpoint`)).
		WillReturnRows(settingsRows(t, ProviderLocal, srv.URL+"/v1", allFeatures()))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM services`)).
		WillReturnRows(sqlmock.NewRows(serviceCols))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM docker_containers`)).
		WillReturnRows(sqlmock.NewRows(containerCols))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM processes`)).
		WillReturnRows(sqlmock.NewRows(processCols))
	mock.ExpectExec(regexp.QuoteMeta(`SET analysis_running = TRUE`)).
		WithArgs(int64(42), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`SET analysis_running = FALSE`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := p.ServerSummary(context.Background(), host)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLogAnalysisSkipsWhenRanRecently(t *testing.T) {
	p, mock := mockPipelines(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT provider, endpoint`)).
		WillReturnRows(settingsRows(t, ProviderOpenAI, "", allFeatures()))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT created_at FROM ai_analyses`)).
		WithArgs(int64(42), store.PurposeLogAnalysis).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now().Add(-2 * time.Hour)))

	analysis, err := p.LogAnalysis(context.Background(), testHost())
	require.NoError(t, err)
	assert.Nil(t, analysis)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLogAnalysisGradesAndSaves(t *testing.T) {
	var gotReq openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		fmt.Fprint(w, openAIReply(`{"status_score": 55, "status": "degraded", "summary": ["database connections flapping"], "findings": [{"source": "postgres", "severity": "warning", "message": "repeated connection failures"}]}`))
	}))
	defer srv.Close()

	p, mock := mockPipelines(t)
	host := testHost()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT provider, endpoint`)).
		WillReturnRows(settingsRows(t, ProviderOpenAI, srv.URL+"/v1", allFeatures()))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT created_at FROM ai_analyses`)).
		WithArgs(int64(42), store.PurposeLogAnalysis).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM server_log_entries`)).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(logCols).
			AddRow(1, 42, "syslog", "info", "session opened for user root", nil, time.Now()).
			AddRow(2, 42, "postgres", "ERROR", "connection error: broken pipe", nil, time.Now()))
	expectSaveAnalysis(mock, 42, store.PurposeLogAnalysis)

	analysis, err := p.LogAnalysis(context.Background(), host)
	require.NoError(t, err)
	require.NotNil(t, analysis)

	// Compression keeps the error line and drops routine noise.
	userContent := gotReq.Messages[1].Content
	assert.Contains(t, userContent, "broken pipe")
	assert.NotContains(t, userContent, "session opened")

	var doc logReply
	require.NoError(t, json.Unmarshal(analysis.Document, &doc))
	assert.Equal(t, 55, doc.StatusScore)
	assert.Equal(t, "degraded", doc.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunbookOrdersSectionsByPriority(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, openAIReply(`{"title": "web-1 operations", "sections": [`+
			`{"title": "Routine checks", "priority": "routine", "steps": ["uptime"]},`+
			`{"title": "Disk pressure", "priority": "CRITICAL", "steps": ["df -h"]},`+
			`{"title": "Service restarts", "priority": "whenever", "steps": ["systemctl restart nginx"]}]}`))
	}))
	defer srv.Close()

	p, mock := mockPipelines(t)
	host := testHost()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT provider, endpoint`)).
		WillReturnRows(settingsRows(t, ProviderOpenAI, srv.URL+"/v1", allFeatures()))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM services`)).
		WillReturnRows(sqlmock.NewRows(serviceCols).
			AddRow(1, 42, "nginx", 443, "tcp", "0.0.0.0", "LISTEN", 1200))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM mounts`)).
		WillReturnRows(sqlmock.NewRows(mountCols).
			AddRow(1, 42, "/dev/sda1", "/", "ext4", 51200, 46080, 90.0))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM systemd_units`)).
		WillReturnRows(sqlmock.NewRows(unitCols))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM docker_containers`)).
		WillReturnRows(sqlmock.NewRows(containerCols))
	expectSaveAnalysis(mock, 42, store.PurposeRunbook)

	analysis, err := p.Runbook(context.Background(), host)
	require.NoError(t, err)
	require.NotNil(t, analysis)

	var doc runbookReply
	require.NoError(t, json.Unmarshal(analysis.Document, &doc))
	require.Len(t, doc.Sections, 3)
	assert.Equal(t, "Disk pressure", doc.Sections[0].Title)
	assert.Equal(t, "critical", doc.Sections[0].Priority)
	assert.Equal(t, "routine", doc.Sections[2].Priority, "unknown priorities fall back to routine")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPrioritiseDiffs(t *testing.T) {
	diffs := []store.DiffEvent{
		{ItemKey: "i-added", Severity: store.SeverityInfo, ChangeType: store.ChangeAdded},
		{ItemKey: "w-removed", Severity: store.SeverityWarning, ChangeType: store.ChangeRemoved},
		{ItemKey: "c-modified", Severity: store.SeverityCritical, ChangeType: store.ChangeModified},
		{ItemKey: "i-modified", Severity: store.SeverityInfo, ChangeType: store.ChangeModified},
		{ItemKey: "c-removed", Severity: store.SeverityCritical, ChangeType: store.ChangeRemoved},
	}

	got := prioritiseDiffs(diffs, 10)
	var keys []string
	for _, d := range got {
		keys = append(keys, d.ItemKey)
	}
	assert.Equal(t, []string{"c-removed", "c-modified", "w-removed", "i-added", "i-modified"}, keys)

	// The caller's slice is left alone.
	assert.Equal(t, "i-added", diffs[0].ItemKey)

	capped := prioritiseDiffs(diffs, 2)
	require.Len(t, capped, 2)
	assert.Equal(t, "c-removed", capped[0].ItemKey)
	assert.Equal(t, "c-modified", capped[1].ItemKey)
}

func TestDiffLineTruncatesValues(t *testing.T) {
	long := strings.Repeat("x", 500)
	d := store.DiffEvent{
		Severity:   store.SeverityWarning,
		Category:   "configs",
		ChangeType: store.ChangeModified,
		ItemKey:    "config:/etc/nginx/nginx.conf",
		OldValue:   json.RawMessage(`"` + long + `"`),
		NewValue:   json.RawMessage(`"short"`),
	}

	line := diffLine(d)
	assert.Contains(t, line, "[warning] configs modified config:/etc/nginx/nginx.conf")
	assert.Contains(t, line, `new="short"`)
	assert.LessOrEqual(t, len(line), 2*maxValueChars+120)
}

func TestCompressLogsKeepsInterestingLines(t *testing.T) {
	entries := []store.LogEntry{
		{Source: "syslog", Level: "info", Line: "session opened for user root"},
		{Source: "nginx", Line: "upstream timed out, error while reading"},
		{Source: "postgres", Level: "ERROR", Line: "connection failed: timeout"},
	}

	got := compressLogs(entries, logBudgetBytes)
	want := "nginx upstream timed out, error while reading\n" +
		"postgres [ERROR] connection failed: timeout"
	assert.Equal(t, want, got)
}

func TestCompressLogsFallsBackToNewestLines(t *testing.T) {
	entries := []store.LogEntry{
		{Source: "syslog", Line: "first routine line"},
		{Source: "syslog", Line: "second routine line"},
		{Source: "syslog", Line: "third routine line"},
	}

	got := compressLogs(entries, 25)
	assert.Contains(t, got, "third routine line")
	assert.NotContains(t, got, "first routine line")
}

func TestCompressLogsHonoursBudget(t *testing.T) {
	var entries []store.LogEntry
	for i := 0; i < 50; i++ {
		entries = append(entries, store.LogEntry{
			Source: "app",
			Line:   fmt.Sprintf("error number %02d happened", i),
		})
	}

	got := compressLogs(entries, 100)
	assert.Less(t, len(got), 200)
	assert.Contains(t, got, "error number 49", "newest lines win")
	assert.NotContains(t, got, "error number 00")

	lines := strings.Split(got, "\n")
	assert.True(t, linesAscending(lines), "output stays chronological")
}

// linesAscending reports whether the numbered test lines appear in
// ascending order.
func linesAscending(lines []string) bool {
	for i := 1; i < len(lines); i++ {
		if lines[i-1] > lines[i] {
			return false
		}
	}
	return true
}

func TestSortRunbookSections(t *testing.T) {
	sections := []RunbookSection{
		{Title: "a", Priority: "routine"},
		{Title: "b", Priority: "critical"},
		{Title: "c", Priority: "important"},
		{Title: "d", Priority: "critical"},
	}
	sortRunbookSections(sections)

	var titles []string
	for _, s := range sections {
		titles = append(titles, s.Title)
	}
	assert.Equal(t, []string{"b", "d", "c", "a"}, titles)
}

func TestNormaliseReplyEnums(t *testing.T) {
	assert.Equal(t, "critical", normaliseOverall(" CRITICAL "))
	assert.Equal(t, "low", normaliseOverall("catastrophic"))
	assert.Equal(t, "suspicious", normaliseAssessment("Suspicious"))
	assert.Equal(t, "normal", normaliseAssessment(""))
	assert.Equal(t, "routine", normalisePriority("sometime"))

	assert.Equal(t, 0, clampScore(-5))
	assert.Equal(t, 100, clampScore(250))
	assert.Equal(t, 60, clampScore(60))

	assert.Equal(t, "degraded", normaliseLogStatus("DEGRADED", 90))
	assert.Equal(t, "healthy", normaliseLogStatus("fine", 85))
	assert.Equal(t, "degraded", normaliseLogStatus("", 50))
	assert.Equal(t, "critical", normaliseLogStatus("", 10))
}

func TestHostLabel(t *testing.T) {
	assert.Equal(t, "web-1", hostLabel(&store.Host{Hostname: "web-1", IP: "10.0.0.5"}))
	assert.Equal(t, "10.0.0.5", hostLabel(&store.Host{IP: "10.0.0.5"}))
}
