package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const hostColumns = `id, ip, hostname, os_name, os_version, kernel, cpu_info, memory_mb,
	ssh_port, ssh_user, auth_method, encrypted_password, encrypted_private_key,
	schedule_expr, scan_options, status, last_scan_at, last_scan_error,
	ai_purpose, ai_tags, ai_summary, created_at, updated_at`

func scanHost(row interface{ Scan(...interface{}) error }) (*Host, error) {
	var (
		h            Host
		encPassword  sql.NullString
		encKey       sql.NullString
		scheduleExpr sql.NullString
		scanOptions  []byte
		lastScanAt   sql.NullTime
		lastScanErr  sql.NullString
	)
	err := row.Scan(
		&h.ID, &h.IP, &h.Hostname, &h.OSName, &h.OSVersion, &h.Kernel, &h.CPUInfo, &h.MemoryMB,
		&h.SSHPort, &h.SSHUser, &h.AuthMethod, &encPassword, &encKey,
		&scheduleExpr, &scanOptions, &h.Status, &lastScanAt, &lastScanErr,
		&h.AIPurpose, &h.AITags, &h.AISummary, &h.CreatedAt, &h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	h.EncryptedPassword = strPtr(encPassword)
	h.EncryptedPrivateKey = strPtr(encKey)
	h.ScheduleExpr = strPtr(scheduleExpr)
	h.ScanOptions = scanOptions
	h.LastScanAt = timePtr(lastScanAt)
	h.LastScanError = strPtr(lastScanErr)
	return &h, nil
}

// CreateHost registers a host. IP collisions surface as unique violations.
func (s *Store) CreateHost(ctx context.Context, h *Host) error {
	if h.SSHPort == 0 {
		h.SSHPort = 22
	}
	if h.Status == "" {
		h.Status = StatusDiscovered
	}
	if h.AuthMethod == "" {
		h.AuthMethod = "password"
	}
	if h.AITags == nil {
		h.AITags = pq.StringArray{}
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO hosts (ip, hostname, ssh_port, ssh_user, auth_method,
			encrypted_password, encrypted_private_key, schedule_expr, scan_options, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id, created_at, updated_at`,
		h.IP, h.Hostname, h.SSHPort, h.SSHUser, h.AuthMethod,
		nullStr(h.EncryptedPassword), nullStr(h.EncryptedPrivateKey),
		nullStr(h.ScheduleExpr), nullableJSON(h.ScanOptions), h.Status,
	).Scan(&h.ID, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create host %s: %w", h.IP, err)
	}
	return nil
}

// GetHost loads one host by id.
func (s *Store) GetHost(ctx context.Context, id int64) (*Host, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+hostColumns+` FROM hosts WHERE id = $1`, id)
	h, err := scanHost(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get host %d: %w", id, err)
	}
	return h, nil
}

// GetHostByIP loads one host by IP.
func (s *Store) GetHostByIP(ctx context.Context, ip string) (*Host, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+hostColumns+` FROM hosts WHERE ip = $1`, ip)
	h, err := scanHost(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get host by ip %s: %w", ip, err)
	}
	return h, nil
}

// ListHosts returns every host ordered by IP.
func (s *Store) ListHosts(ctx context.Context) ([]*Host, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+hostColumns+` FROM hosts ORDER BY ip`)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []*Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan host row: %w", err)
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// DeleteHost removes a host; children cascade.
func (s *Store) DeleteHost(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM hosts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete host %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateHostStatus sets the lifecycle status.
func (s *Store) UpdateHostStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update host %d status: %w", id, err)
	}
	return nil
}

// TryMarkScanning transitions a host into scanning unless a scan is already
// in flight. Returns false when the host was busy or missing.
func (s *Store) TryMarkScanning(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET status = $2, updated_at = now()
		 WHERE id = $1 AND status <> $2`,
		id, StatusScanning)
	if err != nil {
		return false, fmt.Errorf("failed to mark host %d scanning: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// SetHostScanError moves the host to error with the failure reason.
func (s *Store) SetHostScanError(ctx context.Context, id int64, reason string) error {
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET status = $2, last_scan_error = $3, updated_at = now() WHERE id = $1`,
		id, StatusError, reason)
	if err != nil {
		return fmt.Errorf("failed to set host %d scan error: %w", id, err)
	}
	return nil
}

// UpdateHostAI caches the derived summary fields.
func (s *Store) UpdateHostAI(ctx context.Context, id int64, purpose string, tags []string, summary string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET ai_purpose = $2, ai_tags = $3, ai_summary = $4, updated_at = now() WHERE id = $1`,
		id, purpose, pq.StringArray(tags), summary)
	if err != nil {
		return fmt.Errorf("failed to update host %d ai fields: %w", id, err)
	}
	return nil
}

// UpdateHostConfig updates the operator-editable connection settings.
func (s *Store) UpdateHostConfig(ctx context.Context, h *Host) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET hostname = $2, ssh_port = $3, ssh_user = $4, auth_method = $5,
			encrypted_password = $6, encrypted_private_key = $7,
			schedule_expr = $8, scan_options = $9,
			status = CASE WHEN status = 'discovered' THEN 'configured' ELSE status END,
			updated_at = now()
		 WHERE id = $1`,
		h.ID, h.Hostname, h.SSHPort, h.SSHUser, h.AuthMethod,
		nullStr(h.EncryptedPassword), nullStr(h.EncryptedPrivateKey),
		nullStr(h.ScheduleExpr), nullableJSON(h.ScanOptions),
	)
	if err != nil {
		return fmt.Errorf("failed to update host %d config: %w", h.ID, err)
	}
	return nil
}

// RawScanData loads the last collected document for a host.
func (s *Store) RawScanData(ctx context.Context, id int64) ([]byte, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT raw_scan_data FROM hosts WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load raw scan data for host %d: %w", id, err)
	}
	return doc, nil
}

// HostIndex maps IPs and hostnames to host ids for edge resolution.
type HostIndex struct {
	ByIP       map[string]int64
	ByHostname map[string]int64
}

// LoadHostIndex builds the lookup index over all hosts.
func (s *Store) LoadHostIndex(ctx context.Context) (*HostIndex, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, ip, hostname FROM hosts`)
	if err != nil {
		return nil, fmt.Errorf("failed to load host index: %w", err)
	}
	defer rows.Close()

	idx := &HostIndex{
		ByIP:       make(map[string]int64),
		ByHostname: make(map[string]int64),
	}
	for rows.Next() {
		var (
			id       int64
			ip, name string
		)
		if err := rows.Scan(&id, &ip, &name); err != nil {
			return nil, fmt.Errorf("failed to scan host index row: %w", err)
		}
		idx.ByIP[ip] = id
		if name != "" {
			idx.ByHostname[name] = id
		}
	}
	return idx, rows.Err()
}

// ScheduledHosts returns hosts with a schedule expression and credentials.
func (s *Store) ScheduledHosts(ctx context.Context) ([]*Host, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+hostColumns+` FROM hosts
		 WHERE schedule_expr IS NOT NULL AND schedule_expr <> ''
		   AND ssh_user <> ''
		   AND (COALESCE(encrypted_password, '') <> '' OR COALESCE(encrypted_private_key, '') <> '')
		 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled hosts: %w", err)
	}
	defer rows.Close()

	var hosts []*Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled host: %w", err)
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// RecoverStaleScans forces hosts stuck in scanning since before cutoff into
// error with the scan-timeout reason. Returns the number recovered.
func (s *Store) RecoverStaleScans(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET status = $1, last_scan_error = 'scan timeout', updated_at = now()
		 WHERE status = $2 AND updated_at < $3`,
		StatusError, StatusScanning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale scans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// CountHostsByStatus returns the fleet breakdown for health aggregation.
func (s *Store) CountHostsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM hosts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count hosts by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// RecentFailureCount counts hosts whose last scan failed within the window.
func (s *Store) RecentFailureCount(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM hosts
		 WHERE status = $1 AND last_scan_error IS NOT NULL AND updated_at >= $2`,
		StatusError, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent failures: %w", err)
	}
	return n, nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
