package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AnalysisLockLease is how long a holder keeps the single-writer lock
// before it becomes reclaimable.
const AnalysisLockLease = 45 * time.Minute

// GetLLMSettings loads the singleton row; nil when not yet seeded.
func (s *Store) GetLLMSettings(ctx context.Context) (*LlmSettings, error) {
	var (
		cfg       LlmSettings
		features  []byte
		holder    sql.NullInt64
		updatedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT provider, endpoint, api_key_encrypted, model, enabled, features,
			temperature, max_tokens, num_ctx, timeout_sec,
			analysis_running, analysis_server_id, analysis_updated_at, updated_at
		 FROM llm_settings WHERE id = 1`).
		Scan(&cfg.Provider, &cfg.Endpoint, &cfg.APIKeyEncrypted, &cfg.Model, &cfg.Enabled, &features,
			&cfg.Temperature, &cfg.MaxTokens, &cfg.NumCtx, &cfg.TimeoutSec,
			&cfg.AnalysisRunning, &holder, &updatedAt, &cfg.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load llm settings: %w", err)
	}
	if len(features) > 0 {
		if err := json.Unmarshal(features, &cfg.Features); err != nil {
			return nil, fmt.Errorf("failed to decode llm features: %w", err)
		}
	}
	cfg.AnalysisServerID = intPtr(holder)
	cfg.AnalysisUpdatedAt = timePtr(updatedAt)
	return &cfg, nil
}

// SeedLLMSettings inserts the singleton when absent. Returns true when the
// row was created.
func (s *Store) SeedLLMSettings(ctx context.Context, cfg *LlmSettings) (bool, error) {
	features, err := json.Marshal(cfg.Features)
	if err != nil {
		return false, fmt.Errorf("failed to encode llm features: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO llm_settings (id, provider, endpoint, api_key_encrypted, model, enabled, features,
			temperature, max_tokens, num_ctx, timeout_sec)
		 VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		cfg.Provider, cfg.Endpoint, cfg.APIKeyEncrypted, cfg.Model, cfg.Enabled, features,
		cfg.Temperature, cfg.MaxTokens, cfg.NumCtx, cfg.TimeoutSec,
	)
	if err != nil {
		return false, fmt.Errorf("failed to seed llm settings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// UpdateLLMSettings rewrites the provider configuration, leaving the lock
// fields untouched.
func (s *Store) UpdateLLMSettings(ctx context.Context, cfg *LlmSettings) error {
	features, err := json.Marshal(cfg.Features)
	if err != nil {
		return fmt.Errorf("failed to encode llm features: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE llm_settings SET provider = $1, endpoint = $2, api_key_encrypted = $3, model = $4,
			enabled = $5, features = $6, temperature = $7, max_tokens = $8, num_ctx = $9,
			timeout_sec = $10, updated_at = now()
		 WHERE id = 1`,
		cfg.Provider, cfg.Endpoint, cfg.APIKeyEncrypted, cfg.Model, cfg.Enabled, features,
		cfg.Temperature, cfg.MaxTokens, cfg.NumCtx, cfg.TimeoutSec,
	)
	if err != nil {
		return fmt.Errorf("failed to update llm settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AcquireAnalysisLock takes the single-writer lock for serverID via CAS on
// the singleton row. A stale lock older than the lease is reclaimed.
// Returns false when another holder owns a fresh lock.
func (s *Store) AcquireAnalysisLock(ctx context.Context, serverID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE llm_settings
		 SET analysis_running = TRUE, analysis_server_id = $1, analysis_updated_at = now(), updated_at = now()
		 WHERE id = 1 AND (analysis_running = FALSE OR analysis_updated_at IS NULL OR analysis_updated_at < $2)`,
		serverID, time.Now().Add(-AnalysisLockLease),
	)
	if err != nil {
		return false, fmt.Errorf("failed to acquire analysis lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseAnalysisLock clears the lock. Unconditional so crash recovery at
// worker startup can always reclaim.
func (s *Store) ReleaseAnalysisLock(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE llm_settings
		 SET analysis_running = FALSE, analysis_server_id = NULL, analysis_updated_at = NULL, updated_at = now()
		 WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("failed to release analysis lock: %w", err)
	}
	return nil
}

// SaveAnalysis stores a pipeline result, replacing any prior row for the
// same (host, purpose).
func (s *Store) SaveAnalysis(ctx context.Context, a *AiAnalysis) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM ai_analyses WHERE server_id = $1 AND purpose = $2`,
			a.ServerID, a.Purpose); err != nil {
			return fmt.Errorf("failed to clear prior %s analysis: %w", a.Purpose, err)
		}
		err := tx.QueryRowContext(ctx,
			`INSERT INTO ai_analyses (server_id, purpose, document, raw_prompt, raw_response, model_used, duration_ms)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING id, created_at`,
			a.ServerID, a.Purpose, []byte(a.Document), a.RawPrompt, a.RawResponse, a.ModelUsed, a.DurationMS,
		).Scan(&a.ID, &a.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert %s analysis: %w", a.Purpose, err)
		}
		return nil
	})
}

// GetAnalysis loads the stored result for one (host, purpose).
func (s *Store) GetAnalysis(ctx context.Context, serverID int64, purpose string) (*AiAnalysis, error) {
	var (
		a   AiAnalysis
		doc []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, server_id, purpose, document, raw_prompt, raw_response, model_used, duration_ms, created_at
		 FROM ai_analyses WHERE server_id = $1 AND purpose = $2`,
		serverID, purpose).
		Scan(&a.ID, &a.ServerID, &a.Purpose, &doc, &a.RawPrompt, &a.RawResponse, &a.ModelUsed, &a.DurationMS, &a.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load %s analysis for host %d: %w", purpose, serverID, err)
	}
	a.Document = doc
	return &a, nil
}

// LastAnalysisAt returns when the purpose last ran for a host; nil when it
// never did. The log-analysis 24 h gate reads this.
func (s *Store) LastAnalysisAt(ctx context.Context, serverID int64, purpose string) (*time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM ai_analyses WHERE server_id = $1 AND purpose = $2`,
		serverID, purpose).Scan(&at)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load last %s run: %w", purpose, err)
	}
	return &at, nil
}
