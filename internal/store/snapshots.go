package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// LatestSnapshot returns the snapshot with the highest scan number for a
// host, or nil when the host has never completed a scan.
func (s *Store) LatestSnapshot(ctx context.Context, serverID int64) (*Snapshot, error) {
	var snap Snapshot
	err := s.db.QueryRowContext(ctx,
		`SELECT id, server_id, scan_number, document, checksum, created_at
		 FROM snapshots WHERE server_id = $1
		 ORDER BY scan_number DESC LIMIT 1`, serverID).
		Scan(&snap.ID, &snap.ServerID, &snap.ScanNumber, (*[]byte)(&snap.Document), &snap.Checksum, &snap.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load latest snapshot for host %d: %w", serverID, err)
	}
	return &snap, nil
}

// InsertSnapshot appends a snapshot. A duplicate (server, scanNumber) is a
// bug upstream and surfaces as an error.
func (s *Store) InsertSnapshot(ctx context.Context, snap *Snapshot) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO snapshots (server_id, scan_number, document, checksum)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		snap.ServerID, snap.ScanNumber, []byte(snap.Document), snap.Checksum,
	).Scan(&snap.ID, &snap.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("duplicate snapshot %d for host %d: %w", snap.ScanNumber, snap.ServerID, err)
		}
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// GetSnapshot loads one snapshot by host and scan number.
func (s *Store) GetSnapshot(ctx context.Context, serverID int64, scanNumber int) (*Snapshot, error) {
	var snap Snapshot
	err := s.db.QueryRowContext(ctx,
		`SELECT id, server_id, scan_number, document, checksum, created_at
		 FROM snapshots WHERE server_id = $1 AND scan_number = $2`,
		serverID, scanNumber).
		Scan(&snap.ID, &snap.ServerID, &snap.ScanNumber, (*[]byte)(&snap.Document), &snap.Checksum, &snap.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load snapshot %d/%d: %w", serverID, scanNumber, err)
	}
	return &snap, nil
}

// ListSnapshots returns snapshot headers for a host, newest first, without
// the documents.
func (s *Store) ListSnapshots(ctx context.Context, serverID int64, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, scan_number, checksum, created_at
		 FROM snapshots WHERE server_id = $1
		 ORDER BY scan_number DESC LIMIT $2`, serverID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.ID, &snap.ServerID, &snap.ScanNumber, &snap.Checksum, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot header: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// InsertDiffEvents writes all diff events for one snapshot in one batch.
func (s *Store) InsertDiffEvents(ctx context.Context, events []DiffEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		rows := make([][]interface{}, 0, len(events))
		for _, e := range events {
			rows = append(rows, []interface{}{
				e.ServerID, e.SnapshotID, e.Category, e.ChangeType, e.ItemKey,
				nullableJSON(e.OldValue), nullableJSON(e.NewValue), e.Severity,
			})
		}
		return batchInsert(ctx, tx, "diff_events",
			[]string{"server_id", "snapshot_id", "category", "change_type", "item_key", "old_value", "new_value", "severity"},
			rows)
	})
}

// DiffsForSnapshot loads every diff event attached to a snapshot.
func (s *Store) DiffsForSnapshot(ctx context.Context, snapshotID int64) ([]DiffEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, snapshot_id, category, change_type, item_key,
			old_value, new_value, severity, acknowledged, created_at
		 FROM diff_events WHERE snapshot_id = $1 ORDER BY id`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to load diffs for snapshot %d: %w", snapshotID, err)
	}
	defer rows.Close()
	return collectDiffs(rows)
}

// RecentDiffs loads the newest diff events for a host.
func (s *Store) RecentDiffs(ctx context.Context, serverID int64, limit int) ([]DiffEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, snapshot_id, category, change_type, item_key,
			old_value, new_value, severity, acknowledged, created_at
		 FROM diff_events WHERE server_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`, serverID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent diffs: %w", err)
	}
	defer rows.Close()
	return collectDiffs(rows)
}

// AcknowledgeDiff marks one diff event as seen.
func (s *Store) AcknowledgeDiff(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE diff_events SET acknowledged = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to acknowledge diff %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DiffCountSince counts diff events for a host inside a window; the health
// loop uses this for introspection.
func (s *Store) DiffCountSince(ctx context.Context, serverID int64, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM diff_events WHERE server_id = $1 AND created_at >= $2`,
		serverID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count diffs: %w", err)
	}
	return n, nil
}

func collectDiffs(rows *sql.Rows) ([]DiffEvent, error) {
	var out []DiffEvent
	for rows.Next() {
		var (
			e        DiffEvent
			oldValue []byte
			newValue []byte
		)
		if err := rows.Scan(&e.ID, &e.ServerID, &e.SnapshotID, &e.Category, &e.ChangeType, &e.ItemKey,
			&oldValue, &newValue, &e.Severity, &e.Acknowledged, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan diff event: %w", err)
		}
		e.OldValue = json.RawMessage(oldValue)
		e.NewValue = json.RawMessage(newValue)
		out = append(out, e)
	}
	return out, rows.Err()
}
