package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const ruleColumns = `id, name, description, category, condition, severity, enabled,
	server_id, cooldown_minutes, last_triggered_at, created_at, updated_at`

func scanRule(row interface{ Scan(...interface{}) error }) (*AlertRule, error) {
	var (
		r         AlertRule
		condition []byte
		serverID  sql.NullInt64
		triggered sql.NullTime
	)
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Category, &condition, &r.Severity, &r.Enabled,
		&serverID, &r.CooldownMinutes, &triggered, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(condition, &r.Condition); err != nil {
		return nil, fmt.Errorf("failed to decode condition for rule %d: %w", r.ID, err)
	}
	r.ServerID = intPtr(serverID)
	r.LastTriggeredAt = timePtr(triggered)
	return &r, nil
}

// CreateRule inserts an administrator rule.
func (s *Store) CreateRule(ctx context.Context, r *AlertRule) error {
	condition, err := json.Marshal(r.Condition)
	if err != nil {
		return fmt.Errorf("failed to encode rule condition: %w", err)
	}
	if r.CooldownMinutes <= 0 {
		r.CooldownMinutes = 60
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO alert_rules (name, description, category, condition, severity, enabled, server_id, cooldown_minutes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at, updated_at`,
		r.Name, r.Description, r.Category, condition, r.Severity, r.Enabled,
		nullInt(r.ServerID), r.CooldownMinutes,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create rule %s: %w", r.Name, err)
	}
	return nil
}

// UpdateRule rewrites an existing rule.
func (s *Store) UpdateRule(ctx context.Context, r *AlertRule) error {
	condition, err := json.Marshal(r.Condition)
	if err != nil {
		return fmt.Errorf("failed to encode rule condition: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_rules SET name = $2, description = $3, category = $4, condition = $5,
			severity = $6, enabled = $7, server_id = $8, cooldown_minutes = $9, updated_at = now()
		 WHERE id = $1`,
		r.ID, r.Name, r.Description, r.Category, condition, r.Severity, r.Enabled,
		nullInt(r.ServerID), r.CooldownMinutes,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule %d: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRule removes a rule.
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRules returns every rule.
func (s *Store) ListRules(ctx context.Context) ([]*AlertRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM alert_rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []*AlertRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RulesForHost returns enabled rules scoped to the host or global.
func (s *Store) RulesForHost(ctx context.Context, serverID int64) ([]*AlertRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM alert_rules
		 WHERE enabled = TRUE AND (server_id IS NULL OR server_id = $1)
		 ORDER BY id`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules for host %d: %w", serverID, err)
	}
	defer rows.Close()

	var out []*AlertRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HasEnabledRuleOfType reports whether at least one enabled rule carries the
// condition type. The live-warnings query uses this as its anti-spam gate.
func (s *Store) HasEnabledRuleOfType(ctx context.Context, condType string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM alert_rules WHERE enabled = TRUE AND condition->>'type' = $1)`,
		condType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check rules of type %s: %w", condType, err)
	}
	return exists, nil
}

// MarkRuleTriggered stamps the cooldown clock.
func (s *Store) MarkRuleTriggered(ctx context.Context, ruleID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alert_rules SET last_triggered_at = $2, updated_at = now() WHERE id = $1`,
		ruleID, at)
	if err != nil {
		return fmt.Errorf("failed to mark rule %d triggered: %w", ruleID, err)
	}
	return nil
}

const defaultRulesSeededKey = "default_rules_seeded"

// DefaultRules is the rule set installed on first run.
func DefaultRules() []AlertRule {
	return []AlertRule{
		{
			Name:        "SSL certificate expiring",
			Description: "Certificate valid for 7 days or less",
			Category:    "ssl",
			Condition:   RuleCondition{Type: CondSSLExpiry, DaysLeft: 7},
			Severity:    SeverityCritical,
			Enabled:     true,
		},
		{
			Name:        "SSL certificate expired",
			Description: "Certificate past its validity window",
			Category:    "ssl",
			Condition:   RuleCondition{Type: CondSSLExpiry, DaysLeft: 0},
			Severity:    SeverityCritical,
			Enabled:     true,
		},
		{
			Name:        "Disk usage critical",
			Description: "A mount is at 90% capacity or more",
			Category:    "disk",
			Condition:   RuleCondition{Type: CondDiskUsage, Threshold: 90},
			Severity:    SeverityCritical,
			Enabled:     true,
		},
		{
			Name:        "Disk usage high",
			Description: "A mount is at 80% capacity or more",
			Category:    "disk",
			Condition:   RuleCondition{Type: CondDiskUsage, Threshold: 80},
			Severity:    SeverityWarning,
			Enabled:     true,
		},
		{
			Name:        "Systemd unit failed",
			Description: "A unit entered the failed state",
			Category:    "systemd",
			Condition:   RuleCondition{Type: CondSystemdFailed},
			Severity:    SeverityCritical,
			Enabled:     true,
		},
		{
			Name:        "New user account",
			Description: "A user account appeared since the last scan",
			Category:    "security",
			Condition:   RuleCondition{Type: CondDiffCount, Category: "userAccounts", ChangeType: ChangeAdded, Threshold: 1},
			Severity:    SeverityWarning,
			Enabled:     true,
		},
		{
			Name:        "Service removed",
			Description: "A listening service disappeared since the last scan",
			Category:    "services",
			Condition:   RuleCondition{Type: CondDiffCount, Category: "services", ChangeType: ChangeRemoved, Threshold: 1},
			Severity:    SeverityWarning,
			Enabled:     true,
		},
		{
			Name:        "Container change",
			Description: "Containers were added, removed or modified",
			Category:    "docker",
			Condition:   RuleCondition{Type: CondDiffCount, Category: "containers", Threshold: 1},
			Severity:    SeverityInfo,
			Enabled:     true,
		},
	}
}

// SeedDefaultRules installs DefaultRules exactly once. A marker in
// app_state prevents re-seeding even if an operator later deletes them all.
func (s *Store) SeedDefaultRules(ctx context.Context) (bool, error) {
	seeded, err := s.GetAppState(ctx, defaultRulesSeededKey)
	if err != nil {
		return false, err
	}
	if seeded == "true" {
		return false, nil
	}
	for _, rule := range DefaultRules() {
		rule.CooldownMinutes = 60
		if err := s.CreateRule(ctx, &rule); err != nil {
			if IsUniqueViolation(err) {
				continue
			}
			return false, err
		}
	}
	if err := s.SetAppState(ctx, defaultRulesSeededKey, "true"); err != nil {
		return false, err
	}
	return true, nil
}

// InsertAlert writes a fired alert.
func (s *Store) InsertAlert(ctx context.Context, a *Alert) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO alerts (rule_id, server_id, title, message, severity, category, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		nullInt(a.RuleID), nullInt(a.ServerID), a.Title, a.Message, a.Severity, a.Category,
		nullableJSON(a.Metadata),
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// ResolveAlert marks an alert handled.
func (s *Store) ResolveAlert(ctx context.Context, id int64, by string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET resolved = TRUE, resolved_at = now(), resolved_by = $2
		 WHERE id = $1 AND resolved = FALSE`, id, by)
	if err != nil {
		return fmt.Errorf("failed to resolve alert %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentAlerts loads the newest alerts, optionally only unresolved.
func (s *Store) RecentAlerts(ctx context.Context, onlyOpen bool, limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, rule_id, server_id, title, message, severity, category, metadata,
			resolved, resolved_at, resolved_by, created_at
		 FROM alerts`
	if onlyOpen {
		query += ` WHERE resolved = FALSE`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		var (
			a          Alert
			ruleID     sql.NullInt64
			serverID   sql.NullInt64
			metadata   []byte
			resolvedAt sql.NullTime
		)
		if err := rows.Scan(&a.ID, &ruleID, &serverID, &a.Title, &a.Message, &a.Severity, &a.Category,
			&metadata, &a.Resolved, &resolvedAt, &a.ResolvedBy, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.RuleID = intPtr(ruleID)
		a.ServerID = intPtr(serverID)
		a.Metadata = metadata
		a.ResolvedAt = timePtr(resolvedAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}
