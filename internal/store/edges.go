package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ReplaceEdges swaps the host's outgoing edges wholesale. Duplicate keys in
// the incoming batch are absorbed by the unique index.
func (s *Store) ReplaceEdges(ctx context.Context, sourceServerID int64, edges []ConnectionEdge) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM connection_edges WHERE source_server_id = $1`, sourceServerID); err != nil {
			return fmt.Errorf("failed to clear edges for host %d: %w", sourceServerID, err)
		}
		if len(edges) == 0 {
			return nil
		}
		rows := make([][]interface{}, 0, len(edges))
		for _, e := range edges {
			rows = append(rows, []interface{}{
				sourceServerID, nullInt(e.TargetServerID), e.TargetIP, e.TargetPort,
				e.SourceProcess, e.DetectionMethod, nullableJSON(e.Details), e.IsExternal,
			})
		}
		return batchInsert(ctx, tx, "connection_edges",
			[]string{"source_server_id", "target_server_id", "target_ip", "target_port",
				"source_process", "detection_method", "details", "is_external"},
			rows)
	})
}

// EdgesForHost loads the host's outgoing edges.
func (s *Store) EdgesForHost(ctx context.Context, sourceServerID int64) ([]ConnectionEdge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_server_id, target_server_id, target_ip, target_port,
			source_process, detection_method, details, is_external, created_at
		 FROM connection_edges WHERE source_server_id = $1
		 ORDER BY target_ip, target_port`, sourceServerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load edges for host %d: %w", sourceServerID, err)
	}
	defer rows.Close()
	return collectEdges(rows)
}

// AllEdges loads the full topology for map rendering.
func (s *Store) AllEdges(ctx context.Context) ([]ConnectionEdge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_server_id, target_server_id, target_ip, target_port,
			source_process, detection_method, details, is_external, created_at
		 FROM connection_edges ORDER BY source_server_id, target_ip, target_port`)
	if err != nil {
		return nil, fmt.Errorf("failed to load all edges: %w", err)
	}
	defer rows.Close()
	return collectEdges(rows)
}

func collectEdges(rows *sql.Rows) ([]ConnectionEdge, error) {
	var out []ConnectionEdge
	for rows.Next() {
		var (
			e       ConnectionEdge
			target  sql.NullInt64
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.SourceServerID, &target, &e.TargetIP, &e.TargetPort,
			&e.SourceProcess, &e.DetectionMethod, &details, &e.IsExternal, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		e.TargetServerID = intPtr(target)
		e.Details = details
		out = append(out, e)
	}
	return out, rows.Err()
}
