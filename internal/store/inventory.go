package store

import (
	"context"
	"database/sql"
	"fmt"
)

// HostScanUpdate carries the host-level fields derived from the os section.
type HostScanUpdate struct {
	Hostname  string
	OSName    string
	OSVersion string
	Kernel    string
	CPUInfo   string
	MemoryMB  int64
	RawDoc    []byte
}

// ApplyHostScanUpdate writes the host header fields, stores the raw
// document, stamps last_scan_at and clears the previous error.
func ApplyHostScanUpdate(ctx context.Context, tx *sql.Tx, serverID int64, u HostScanUpdate) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE hosts SET hostname = $2, os_name = $3, os_version = $4, kernel = $5,
			cpu_info = $6, memory_mb = $7, raw_scan_data = $8,
			status = $9, last_scan_at = now(), last_scan_error = NULL, updated_at = now()
		 WHERE id = $1`,
		serverID, u.Hostname, u.OSName, u.OSVersion, u.Kernel,
		u.CPUInfo, u.MemoryMB, u.RawDoc, StatusOnline,
	)
	if err != nil {
		return fmt.Errorf("failed to apply host scan update: %w", err)
	}
	return nil
}

func deleteChildren(ctx context.Context, tx *sql.Tx, table string, serverID int64) error {
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE server_id = $1", table), serverID); err != nil {
		return fmt.Errorf("failed to clear %s: %w", table, err)
	}
	return nil
}

// ReplaceServices swaps the host's service rows.
func ReplaceServices(ctx context.Context, tx *sql.Tx, serverID int64, items []Service) error {
	if err := deleteChildren(ctx, tx, "services", serverID); err != nil {
		return err
	}
	rows := make([][]interface{}, 0, len(items))
	for _, it := range items {
		rows = append(rows, []interface{}{serverID, it.Name, it.Port, it.Protocol, it.BindAddress, it.State, it.PID})
	}
	return batchInsert(ctx, tx, "services",
		[]string{"server_id", "name", "port", "protocol", "bind_address", "state", "pid"}, rows)
}

// ReplaceMounts swaps the host's mount rows.
func ReplaceMounts(ctx context.Context, tx *sql.Tx, serverID int64, items []Mount) error {
	if err := deleteChildren(ctx, tx, "mounts", serverID); err != nil {
		return err
	}
	rows := make([][]interface{}, 0, len(items))
	for _, it := range items {
		rows = append(rows, []interface{}{serverID, it.Device, it.Mountpoint, it.FSType, it.SizeMB, it.UsedMB, it.UsePct})
	}
	return batchInsert(ctx, tx, "mounts",
		[]string{"server_id", "device", "mountpoint", "fs_type", "size_mb", "used_mb", "use_pct"}, rows)
}

// ReplaceInterfaces swaps the host's interface rows.
func ReplaceInterfaces(ctx context.Context, tx *sql.Tx, serverID int64, items []Interface) error {
	if err := deleteChildren(ctx, tx, "interfaces", serverID); err != nil {
		return err
	}
	rows := make([][]interface{}, 0, len(items))
	for _, it := range items {
		rows = append(rows, []interface{}{serverID, it.Name, it.IP, it.MAC, it.State, it.MTU, it.RxBytes, it.TxBytes})
	}
	return batchInsert(ctx, tx, "interfaces",
		[]string{"server_id", "name", "ip_address", "mac", "state", "mtu", "rx_bytes", "tx_bytes"}, rows)
}

// ReplaceContainers swaps the host's container rows.
func ReplaceContainers(ctx context.Context, tx *sql.Tx, serverID int64, items []DockerContainer) error {
	if err := deleteChildren(ctx, tx, "docker_containers", serverID); err != nil {
		return err
	}
	rows := make([][]interface{}, 0, len(items))
	for _, it := range items {
		rows = append(rows, []interface{}{serverID, it.ContainerID, it.Name, it.Image, it.State,
			it.Ports, it.Networks, it.Env, it.Volumes})
	}
	return batchInsert(ctx, tx, "docker_containers",
		[]string{"server_id", "container_id", "name", "image", "state", "ports", "networks", "env", "volumes"}, rows)
}

// ReplaceCronEntries swaps the host's cron rows.
func ReplaceCronEntries(ctx context.Context, tx *sql.Tx, serverID int64, items []CronEntry) error {
	if err := deleteChildren(ctx, tx, "cron_entries", serverID); err != nil {
		return err
	}
	rows := make([][]interface{}, 0, len(items))
	for _, it := range items {
		rows = append(rows, []interface{}{serverID, it.CronUser, it.Schedule, it.Command, it.Source})
	}
	return batchInsert(ctx, tx, "cron_entries",
		[]string{"server_id", "cron_user", "schedule", "command", "source"}, rows)
}

// ReplaceSystemdUnits swaps the host's unit rows.
func ReplaceSystemdUnits(ctx context.Context, tx *sql.Tx, serverID int64, items []SystemdUnit) error {
	if err := deleteChildren(ctx, tx, "systemd_units", serverID); err != nil {
		return err
	}
	rows := make([][]interface{}, 0, len(items))
	for _, it := range items {
		rows = append(rows, []interface{}{serverID, it.Name, it.UnitType, it.ActiveState, it.SubState,
			it.MainPID, it.MemoryMB, it.CPUSec, it.Enabled})
	}
	return batchInsert(ctx, tx, "systemd_units",
		[]string{"server_id", "name", "unit_type", "active_state", "sub_state", "main_pid", "memory_mb", "cpu_sec", "enabled"}, rows)
}

// ReplaceSslCerts swaps the host's certificate rows.
func ReplaceSslCerts(ctx context.Context, tx *sql.Tx, serverID int64, items []SslCert) error {
	if err := deleteChildren(ctx, tx, "ssl_certificates", serverID); err != nil {
		return err
	}
	rows := make([][]interface{}, 0, len(items))
	for _, it := range items {
		rows = append(rows, []interface{}{serverID, it.Path, it.Subject, it.Issuer,
			nullTime(it.ValidFrom), nullTime(it.ValidTo), it.IsExpired, it.DaysLeft, it.SANDomains})
	}
	return batchInsert(ctx, tx, "ssl_certificates",
		[]string{"server_id", "path", "subject", "issuer", "valid_from", "valid_to", "is_expired", "days_left", "san_domains"}, rows)
}

// ReplaceLvmVolumes swaps the host's volume rows.
func ReplaceLvmVolumes(ctx context.Context, tx *sql.Tx, serverID int64, items []LvmVolume) error {
	if err := deleteChildren(ctx, tx, "lvm_volumes", serverID); err != nil {
		return err
	}
	rows := make([][]interface{}, 0, len(items))
	for _, it := range items {
		rows = append(rows, []interface{}{serverID, it.VGName, it.LVName, it.DevicePath, it.SizeMB, it.Mountpoint})
	}
	return batchInsert(ctx, tx, "lvm_volumes",
		[]string{"server_id", "vg_name", "lv_name", "device_path", "size_mb", "mountpoint"}, rows)
}

// ReplaceUserAccounts swaps the host's account rows.
func ReplaceUserAccounts(ctx context.Context, tx *sql.Tx, serverID int64, items []UserAccount) error {
	if err := deleteChildren(ctx, tx, "user_accounts", serverID); err != nil {
		return err
	}
	rows := make([][]interface{}, 0, len(items))
	for _, it := range items {
		rows = append(rows, []interface{}{serverID, it.Username, it.UID, it.GID, it.Shell, it.HomeDir, it.HasLogin, it.Groups})
	}
	return batchInsert(ctx, tx, "user_accounts",
		[]string{"server_id", "username", "uid", "gid", "shell", "home_dir", "has_login", "groups"}, rows)
}

// ReplaceProcesses swaps the host's process rows.
func ReplaceProcesses(ctx context.Context, tx *sql.Tx, serverID int64, items []Process) error {
	if err := deleteChildren(ctx, tx, "processes", serverID); err != nil {
		return err
	}
	rows := make([][]interface{}, 0, len(items))
	for _, it := range items {
		rows = append(rows, []interface{}{serverID, it.PID, it.PPID, it.ProcUser, it.CPUPct, it.MemMB,
			it.Command, it.FullPath, it.Args, it.Cgroup, it.FDCount})
	}
	return batchInsert(ctx, tx, "processes",
		[]string{"server_id", "pid", "ppid", "proc_user", "cpu_pct", "mem_mb", "command", "full_path", "args", "cgroup", "fd_count"}, rows)
}

// ReplaceLogEntries swaps the host's collected log lines.
func ReplaceLogEntries(ctx context.Context, tx *sql.Tx, serverID int64, items []LogEntry) error {
	if err := deleteChildren(ctx, tx, "server_log_entries", serverID); err != nil {
		return err
	}
	rows := make([][]interface{}, 0, len(items))
	for _, it := range items {
		rows = append(rows, []interface{}{serverID, it.Source, it.Level, it.Line, nullTime(it.LoggedAt)})
	}
	return batchInsert(ctx, tx, "server_log_entries",
		[]string{"server_id", "source", "level", "line", "logged_at"}, rows)
}

// Inventory read paths used by the snapshot builder, rule engine and
// topology correlator.

// ServicesForHost loads the current service rows.
func (s *Store) ServicesForHost(ctx context.Context, serverID int64) ([]Service, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, name, port, protocol, bind_address, state, pid
		 FROM services WHERE server_id = $1 ORDER BY name, port`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to load services: %w", err)
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		var it Service
		if err := rows.Scan(&it.ID, &it.ServerID, &it.Name, &it.Port, &it.Protocol, &it.BindAddress, &it.State, &it.PID); err != nil {
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// MountsForHost loads the current mount rows.
func (s *Store) MountsForHost(ctx context.Context, serverID int64) ([]Mount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, device, mountpoint, fs_type, size_mb, used_mb, use_pct
		 FROM mounts WHERE server_id = $1 ORDER BY mountpoint`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to load mounts: %w", err)
	}
	defer rows.Close()

	var out []Mount
	for rows.Next() {
		var it Mount
		if err := rows.Scan(&it.ID, &it.ServerID, &it.Device, &it.Mountpoint, &it.FSType, &it.SizeMB, &it.UsedMB, &it.UsePct); err != nil {
			return nil, fmt.Errorf("failed to scan mount: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// InterfacesForHost loads the current interface rows.
func (s *Store) InterfacesForHost(ctx context.Context, serverID int64) ([]Interface, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, name, ip_address, mac, state, mtu, rx_bytes, tx_bytes
		 FROM interfaces WHERE server_id = $1 ORDER BY name`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to load interfaces: %w", err)
	}
	defer rows.Close()

	var out []Interface
	for rows.Next() {
		var it Interface
		if err := rows.Scan(&it.ID, &it.ServerID, &it.Name, &it.IP, &it.MAC, &it.State, &it.MTU, &it.RxBytes, &it.TxBytes); err != nil {
			return nil, fmt.Errorf("failed to scan interface: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ContainersForHost loads the current container rows.
func (s *Store) ContainersForHost(ctx context.Context, serverID int64) ([]DockerContainer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, container_id, name, image, state, ports, networks, env, volumes
		 FROM docker_containers WHERE server_id = $1 ORDER BY name`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to load containers: %w", err)
	}
	defer rows.Close()

	var out []DockerContainer
	for rows.Next() {
		var it DockerContainer
		if err := rows.Scan(&it.ID, &it.ServerID, &it.ContainerID, &it.Name, &it.Image, &it.State,
			&it.Ports, &it.Networks, &it.Env, &it.Volumes); err != nil {
			return nil, fmt.Errorf("failed to scan container: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// CronEntriesForHost loads the current cron rows.
func (s *Store) CronEntriesForHost(ctx context.Context, serverID int64) ([]CronEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, cron_user, schedule, command, source
		 FROM cron_entries WHERE server_id = $1 ORDER BY id`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cron entries: %w", err)
	}
	defer rows.Close()

	var out []CronEntry
	for rows.Next() {
		var it CronEntry
		if err := rows.Scan(&it.ID, &it.ServerID, &it.CronUser, &it.Schedule, &it.Command, &it.Source); err != nil {
			return nil, fmt.Errorf("failed to scan cron entry: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// SystemdUnitsForHost loads the current unit rows.
func (s *Store) SystemdUnitsForHost(ctx context.Context, serverID int64) ([]SystemdUnit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, name, unit_type, active_state, sub_state, main_pid, memory_mb, cpu_sec, enabled
		 FROM systemd_units WHERE server_id = $1 ORDER BY name`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to load systemd units: %w", err)
	}
	defer rows.Close()

	var out []SystemdUnit
	for rows.Next() {
		var it SystemdUnit
		if err := rows.Scan(&it.ID, &it.ServerID, &it.Name, &it.UnitType, &it.ActiveState, &it.SubState,
			&it.MainPID, &it.MemoryMB, &it.CPUSec, &it.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan systemd unit: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// SslCertsForHost loads the current certificate rows.
func (s *Store) SslCertsForHost(ctx context.Context, serverID int64) ([]SslCert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, path, subject, issuer, valid_from, valid_to, is_expired, days_left, san_domains
		 FROM ssl_certificates WHERE server_id = $1 ORDER BY path`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificates: %w", err)
	}
	defer rows.Close()

	var out []SslCert
	for rows.Next() {
		var (
			it        SslCert
			validFrom sql.NullTime
			validTo   sql.NullTime
		)
		if err := rows.Scan(&it.ID, &it.ServerID, &it.Path, &it.Subject, &it.Issuer,
			&validFrom, &validTo, &it.IsExpired, &it.DaysLeft, &it.SANDomains); err != nil {
			return nil, fmt.Errorf("failed to scan certificate: %w", err)
		}
		it.ValidFrom = timePtr(validFrom)
		it.ValidTo = timePtr(validTo)
		out = append(out, it)
	}
	return out, rows.Err()
}

// LvmVolumesForHost loads the current volume rows.
func (s *Store) LvmVolumesForHost(ctx context.Context, serverID int64) ([]LvmVolume, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, vg_name, lv_name, device_path, size_mb, mountpoint
		 FROM lvm_volumes WHERE server_id = $1 ORDER BY vg_name, lv_name`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to load lvm volumes: %w", err)
	}
	defer rows.Close()

	var out []LvmVolume
	for rows.Next() {
		var it LvmVolume
		if err := rows.Scan(&it.ID, &it.ServerID, &it.VGName, &it.LVName, &it.DevicePath, &it.SizeMB, &it.Mountpoint); err != nil {
			return nil, fmt.Errorf("failed to scan lvm volume: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// UserAccountsForHost loads the current account rows.
func (s *Store) UserAccountsForHost(ctx context.Context, serverID int64) ([]UserAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, username, uid, gid, shell, home_dir, has_login, groups
		 FROM user_accounts WHERE server_id = $1 ORDER BY uid`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user accounts: %w", err)
	}
	defer rows.Close()

	var out []UserAccount
	for rows.Next() {
		var it UserAccount
		if err := rows.Scan(&it.ID, &it.ServerID, &it.Username, &it.UID, &it.GID, &it.Shell, &it.HomeDir, &it.HasLogin, &it.Groups); err != nil {
			return nil, fmt.Errorf("failed to scan user account: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ProcessesForHost loads the current process rows ordered by CPU descending.
func (s *Store) ProcessesForHost(ctx context.Context, serverID int64) ([]Process, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, pid, ppid, proc_user, cpu_pct, mem_mb, command, full_path, args, cgroup, fd_count
		 FROM processes WHERE server_id = $1 ORDER BY cpu_pct DESC, pid`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to load processes: %w", err)
	}
	defer rows.Close()

	var out []Process
	for rows.Next() {
		var it Process
		if err := rows.Scan(&it.ID, &it.ServerID, &it.PID, &it.PPID, &it.ProcUser, &it.CPUPct, &it.MemMB,
			&it.Command, &it.FullPath, &it.Args, &it.Cgroup, &it.FDCount); err != nil {
			return nil, fmt.Errorf("failed to scan process: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// LogEntriesForHost loads the latest collected log lines.
func (s *Store) LogEntriesForHost(ctx context.Context, serverID int64) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, source, level, line, logged_at, collected_at
		 FROM server_log_entries WHERE server_id = $1 ORDER BY id`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to load log entries: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			it       LogEntry
			loggedAt sql.NullTime
		)
		if err := rows.Scan(&it.ID, &it.ServerID, &it.Source, &it.Level, &it.Line, &loggedAt, &it.CollectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		it.LoggedAt = timePtr(loggedAt)
		out = append(out, it)
	}
	return out, rows.Err()
}
