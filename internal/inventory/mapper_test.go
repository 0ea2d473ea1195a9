package inventory

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemmap/backend/internal/rawdoc"
	"github.com/systemmap/backend/internal/store"
)

func mustParse(t *testing.T, body string) rawdoc.Doc {
	t.Helper()
	doc, err := rawdoc.Parse([]byte(body))
	require.NoError(t, err)
	return doc
}

func TestParseServicesDedup(t *testing.T) {
	doc := mustParse(t, `{"listeners": [
		{"proto": "tcp", "bindAddress": "0.0.0.0", "port": 80, "state": "LISTEN", "process": "nginx", "pid": 100},
		{"proto": "tcp", "bindAddress": "[::]", "port": 80, "state": "LISTEN", "process": "nginx", "pid": 100},
		{"proto": "tcp", "bindAddress": "127.0.0.1", "port": 5432, "state": "LISTEN", "process": "postgres", "pid": 200},
		{"proto": "udp", "bindAddress": "0.0.0.0", "port": 80, "state": "UNCONN", "process": "nginx", "pid": 100},
		{"proto": "tcp", "bindAddress": "0.0.0.0", "port": 0, "state": "LISTEN", "process": "bogus"},
		{"proto": "tcp", "bindAddress": "0.0.0.0", "port": 70000, "state": "LISTEN", "process": "bogus"}
	]}`)

	services := parseServices(doc)
	require.Len(t, services, 3)
	assert.Equal(t, "nginx", services[0].Name)
	assert.Equal(t, 80, services[0].Port)
	assert.Equal(t, "tcp", services[0].Protocol)
	// Same process+port on udp is a distinct service.
	assert.Equal(t, "udp", services[2].Protocol)
}

func TestParseSystemdUnitsFiltersStates(t *testing.T) {
	doc := mustParse(t, `{"systemd_units": [
		{"name": "nginx.service", "loadState": "loaded", "activeState": "active", "subState": "running", "enabled": true},
		{"name": "postgresql.service", "loadState": "loaded", "activeState": "failed", "subState": "failed", "enabled": true},
		{"name": "motd.service", "loadState": "loaded", "activeState": "inactive", "subState": "dead", "enabled": false}
	]}`)

	units := parseSystemdUnits(doc)
	require.Len(t, units, 2)
	assert.Equal(t, "nginx.service", units[0].Name)
	assert.Equal(t, "service", units[0].UnitType)
	assert.True(t, units[0].Enabled)
	assert.Equal(t, "failed", units[1].ActiveState)
}

func TestParseLvmVolumesJoinsMounts(t *testing.T) {
	doc := mustParse(t, `{
		"mounts": [
			{"device": "/dev/mapper/ubuntu--vg-root", "mountpoint": "/", "fstype": "ext4", "sizeKb": 51200000, "usedKb": 10240000, "usePct": 42.5},
			{"device": "/dev/vg0/data", "mountpoint": "/data", "fstype": "xfs", "sizeKb": 1024000, "usedKb": 51200, "usePct": 5}
		],
		"lvm": [
			{"vg": "ubuntu-vg", "lv": "root", "path": "/dev/ubuntu-vg/root", "sizeMb": 50000},
			{"vg": "vg0", "lv": "data", "path": "/dev/vg0/data", "sizeMb": 1000},
			{"vg": "vg0", "lv": "scratch", "path": "/dev/vg0/scratch", "sizeMb": 500}
		]
	}`)

	mounts := parseMounts(doc)
	vols := parseLvmVolumes(doc, mounts)
	require.Len(t, vols, 3)
	// Dash in the vg name doubles in the device-mapper path.
	assert.Equal(t, "/", vols[0].Mountpoint)
	// Direct device path match.
	assert.Equal(t, "/data", vols[1].Mountpoint)
	// No mount references this volume.
	assert.Equal(t, "", vols[2].Mountpoint)
}

func TestParseMountsConvertsUnits(t *testing.T) {
	doc := mustParse(t, `{"mounts": [
		{"device": "/dev/sda1", "mountpoint": "/", "fstype": "ext4", "sizeKb": 51200000, "usedKb": 10240000, "usePct": 42.5},
		{"device": "/dev/sdb1", "fstype": "ext4", "sizeKb": 1000}
	]}`)

	mounts := parseMounts(doc)
	require.Len(t, mounts, 1)
	assert.Equal(t, int64(50000), mounts[0].SizeMB)
	assert.Equal(t, int64(10000), mounts[0].UsedMB)
	assert.InDelta(t, 42.5, mounts[0].UsePct, 0.001)
}

func TestHostUpdateComposesCPUInfo(t *testing.T) {
	osSec := mustParse(t, `{"hostname": "h1", "os": "Ubuntu", "osVersion": "22.04",
		"kernel": "5.15.0-91-generic", "cpuModel": "Intel(R) Xeon(R) E5-2680", "cpuCores": 4, "memoryMb": 7937}`)

	u := hostUpdate(osSec, []byte("{}"))
	assert.Equal(t, "h1", u.Hostname)
	assert.Equal(t, "Intel(R) Xeon(R) E5-2680 (4 cores)", u.CPUInfo)
	assert.Equal(t, int64(7937), u.MemoryMB)

	noModel := mustParse(t, `{"hostname": "h2", "cpuCores": 2}`)
	assert.Equal(t, "2 cores", hostUpdate(noModel, nil).CPUInfo)
}

func TestParseProcessesExtractsFullPath(t *testing.T) {
	doc := mustParse(t, `{"processes": [
		{"pid": 1234, "ppid": 1, "user": "www-data", "cpuPct": 1.5, "memPct": 2.0, "rssKb": 204800, "command": "nginx", "args": "/usr/sbin/nginx -g daemon off;"},
		{"pid": 77, "ppid": 2, "user": "root", "cpuPct": 0, "rssKb": 0, "command": "kworker/0:1", "args": "[kworker/0:1]"},
		{"pid": 0, "command": "bogus"}
	]}`)

	procs := parseProcesses(doc)
	require.Len(t, procs, 2)
	assert.Equal(t, "/usr/sbin/nginx", procs[0].FullPath)
	assert.InDelta(t, 200.0, procs[0].MemMB, 0.001)
	assert.Equal(t, "", procs[1].FullPath)
}

func TestParseLogEntries(t *testing.T) {
	doc := mustParse(t, `{"logs": [
		{"source": "journal:err", "lines": [
			"2026-08-25T10:00:00+0000 h1 kernel: Out of memory: Killed process 4242",
			"plain line without timestamp warn level"
		]},
		{"source": "file:/var/log/nginx/error.log", "lines": ["2026/08/25 09:00:00 [error] upstream timed out"]}
	]}`)

	entries := parseLogEntries(doc)
	require.Len(t, entries, 3)
	assert.Equal(t, "journal:err", entries[0].Source)
	require.NotNil(t, entries[0].LoggedAt)
	assert.Equal(t, 2026, entries[0].LoggedAt.Year())
	assert.Equal(t, "warning", entries[1].Level)
	assert.Nil(t, entries[1].LoggedAt)
	assert.Equal(t, "error", entries[2].Level)
}

func TestInferLogLevel(t *testing.T) {
	assert.Equal(t, "critical", inferLogLevel("kernel panic - not syncing"))
	assert.Equal(t, "error", inferLogLevel("[error] upstream timed out"))
	assert.Equal(t, "warning", inferLogLevel("WARNING: low disk"))
	assert.Equal(t, "info", inferLogLevel("service started"))
}

func TestMapDocumentMissingOS(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := NewMapper(store.New(db))
	_, err = m.MapDocument(context.Background(), 1, rawdoc.Doc{"listeners": []interface{}{}}, nil)
	assert.ErrorIs(t, err, ErrMissingOS)
}

func TestMapDocumentRunsInOneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	doc := mustParse(t, `{
		"os": {"hostname": "h1", "os": "Ubuntu", "osVersion": "22.04", "kernel": "5.15", "cpuModel": "Xeon", "cpuCores": 4, "memoryMb": 7937},
		"listeners": [{"proto": "tcp", "bindAddress": "0.0.0.0", "port": 80, "state": "LISTEN", "process": "nginx", "pid": 100}],
		"mounts": [{"device": "/dev/sda1", "mountpoint": "/", "fstype": "ext4", "sizeKb": 51200000, "usedKb": 10240000, "usePct": 42.5}]
	}`)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE hosts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM services").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO services").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM mounts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO mounts").WillReturnResult(sqlmock.NewResult(0, 1))
	for _, table := range []string{
		"interfaces", "docker_containers", "cron_entries", "systemd_units",
		"ssl_certificates", "lvm_volumes", "user_accounts", "processes", "server_log_entries",
	} {
		mock.ExpectExec("DELETE FROM " + table).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectCommit()

	m := NewMapper(store.New(db))
	counts, err := m.MapDocument(context.Background(), 42, doc, []byte(`{"raw": true}`))
	require.NoError(t, err)

	assert.Equal(t, 1, counts.Services)
	assert.Equal(t, 1, counts.Mounts)
	assert.Equal(t, 0, counts.Processes)
	assert.Equal(t, 2, counts.Total())
	assert.NoError(t, mock.ExpectationsWereMet())
}
