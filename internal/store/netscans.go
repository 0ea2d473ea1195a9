package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const netScanColumns = `id, subnet, schedule_expr, status, started_at, finished_at,
	hosts_found, results, error, created_at, updated_at`

func scanNetworkScan(row interface{ Scan(...interface{}) error }) (*NetworkScan, error) {
	var (
		ns       NetworkScan
		schedule sql.NullString
		started  sql.NullTime
		finished sql.NullTime
		results  []byte
	)
	err := row.Scan(&ns.ID, &ns.Subnet, &schedule, &ns.Status, &started, &finished,
		&ns.HostsFound, &results, &ns.Error, &ns.CreatedAt, &ns.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ns.ScheduleExpr = strPtr(schedule)
	ns.StartedAt = timePtr(started)
	ns.FinishedAt = timePtr(finished)
	ns.Results = results
	return &ns, nil
}

// CreateNetworkScan registers a subnet scan request.
func (s *Store) CreateNetworkScan(ctx context.Context, ns *NetworkScan) error {
	if ns.Status == "" {
		ns.Status = NetScanPending
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO network_scans (subnet, schedule_expr, status)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at, updated_at`,
		ns.Subnet, nullStr(ns.ScheduleExpr), ns.Status,
	).Scan(&ns.ID, &ns.CreatedAt, &ns.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create network scan: %w", err)
	}
	return nil
}

// GetNetworkScan loads one scan record.
func (s *Store) GetNetworkScan(ctx context.Context, id int64) (*NetworkScan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+netScanColumns+` FROM network_scans WHERE id = $1`, id)
	ns, err := scanNetworkScan(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get network scan %d: %w", id, err)
	}
	return ns, nil
}

// ListNetworkScans returns scans newest first.
func (s *Store) ListNetworkScans(ctx context.Context, limit int) ([]*NetworkScan, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+netScanColumns+` FROM network_scans
		 ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list network scans: %w", err)
	}
	defer rows.Close()

	var out []*NetworkScan
	for rows.Next() {
		ns, err := scanNetworkScan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan network scan row: %w", err)
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

// ScheduledNetworkScans returns scans with a schedule expression for the
// sync loop.
func (s *Store) ScheduledNetworkScans(ctx context.Context) ([]*NetworkScan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+netScanColumns+` FROM network_scans
		 WHERE schedule_expr IS NOT NULL AND schedule_expr <> ''
		 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled network scans: %w", err)
	}
	defer rows.Close()

	var out []*NetworkScan
	for rows.Next() {
		ns, err := scanNetworkScan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan network scan row: %w", err)
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

// MarkNetworkScanRunning transitions a pending scan into running.
func (s *Store) MarkNetworkScanRunning(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE network_scans SET status = $2, started_at = now(), error = '', updated_at = now()
		 WHERE id = $1`, id, NetScanRunning)
	if err != nil {
		return fmt.Errorf("failed to mark network scan %d running: %w", id, err)
	}
	return nil
}

// CompleteNetworkScan stores the results of a finished scan.
func (s *Store) CompleteNetworkScan(ctx context.Context, id int64, hostsFound int, results []byte) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE network_scans SET status = $2, finished_at = now(), hosts_found = $3,
			results = $4, updated_at = now()
		 WHERE id = $1`, id, NetScanCompleted, hostsFound, nullableJSON(results))
	if err != nil {
		return fmt.Errorf("failed to complete network scan %d: %w", id, err)
	}
	return nil
}

// FailNetworkScan stores the failure reason.
func (s *Store) FailNetworkScan(ctx context.Context, id int64, reason string) error {
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE network_scans SET status = $2, finished_at = now(), error = $3, updated_at = now()
		 WHERE id = $1`, id, NetScanFailed, reason)
	if err != nil {
		return fmt.Errorf("failed to fail network scan %d: %w", id, err)
	}
	return nil
}

// RecoverStaleNetworkScans fails scans stuck in running since before cutoff.
func (s *Store) RecoverStaleNetworkScans(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE network_scans SET status = $1, error = 'scan timeout', finished_at = now(), updated_at = now()
		 WHERE status = $2 AND updated_at < $3`,
		NetScanFailed, NetScanRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale network scans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// RecentNetworkFailureCount counts failed scans inside the window.
func (s *Store) RecentNetworkFailureCount(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM network_scans WHERE status = $1 AND updated_at >= $2`,
		NetScanFailed, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed network scans: %w", err)
	}
	return n, nil
}
