package store

import (
	"context"
	"fmt"
)

// RecordAudit writes one audit entry.
func (s *Store) RecordAudit(ctx context.Context, e *AuditEntry) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO audit_log (principal, action, target_type, target_id, outcome, detail)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		e.Principal, e.Action, e.TargetType, e.TargetID, e.Outcome, e.Detail,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// RecentAudit lists the newest audit entries.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, principal, action, target_type, target_id, outcome, detail, created_at
		 FROM audit_log ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Principal, &e.Action, &e.TargetType, &e.TargetID,
			&e.Outcome, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
