package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema statements are idempotent; cmd/migrate applies them in order.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS hosts (
		id BIGSERIAL PRIMARY KEY,
		ip TEXT NOT NULL UNIQUE,
		hostname TEXT NOT NULL DEFAULT '',
		os_name TEXT NOT NULL DEFAULT '',
		os_version TEXT NOT NULL DEFAULT '',
		kernel TEXT NOT NULL DEFAULT '',
		cpu_info TEXT NOT NULL DEFAULT '',
		memory_mb BIGINT NOT NULL DEFAULT 0,
		ssh_port INT NOT NULL DEFAULT 22,
		ssh_user TEXT NOT NULL DEFAULT '',
		auth_method TEXT NOT NULL DEFAULT 'password',
		encrypted_password TEXT,
		encrypted_private_key TEXT,
		schedule_expr TEXT,
		scan_options JSONB,
		status TEXT NOT NULL DEFAULT 'discovered',
		last_scan_at TIMESTAMPTZ,
		last_scan_error TEXT,
		raw_scan_data JSONB,
		ai_purpose TEXT NOT NULL DEFAULT '',
		ai_tags TEXT[] NOT NULL DEFAULT '{}',
		ai_summary TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS services (
		id BIGSERIAL PRIMARY KEY,
		server_id BIGINT NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		port INT NOT NULL,
		protocol TEXT NOT NULL,
		bind_address TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '',
		pid BIGINT NOT NULL DEFAULT 0,
		UNIQUE (server_id, name, port, protocol)
	)`,

	`CREATE TABLE IF NOT EXISTS mounts (
		id BIGSERIAL PRIMARY KEY,
		server_id BIGINT NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
		device TEXT NOT NULL DEFAULT '',
		mountpoint TEXT NOT NULL,
		fs_type TEXT NOT NULL DEFAULT '',
		size_mb BIGINT NOT NULL DEFAULT 0,
		used_mb BIGINT NOT NULL DEFAULT 0,
		use_pct DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS interfaces (
		id BIGSERIAL PRIMARY KEY,
		server_id BIGINT NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		ip_address TEXT NOT NULL DEFAULT '',
		mac TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '',
		mtu INT NOT NULL DEFAULT 0,
		rx_bytes BIGINT NOT NULL DEFAULT 0,
		tx_bytes BIGINT NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS docker_containers (
		id BIGSERIAL PRIMARY KEY,
		server_id BIGINT NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
		container_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		image TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '',
		ports TEXT[] NOT NULL DEFAULT '{}',
		networks TEXT[] NOT NULL DEFAULT '{}',
		env TEXT[] NOT NULL DEFAULT '{}',
		volumes TEXT[] NOT NULL DEFAULT '{}'
	)`,

	`CREATE TABLE IF NOT EXISTS cron_entries (
		id BIGSERIAL PRIMARY KEY,
		server_id BIGINT NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
		cron_user TEXT NOT NULL DEFAULT '',
		schedule TEXT NOT NULL DEFAULT '',
		command TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS systemd_units (
		id BIGSERIAL PRIMARY KEY,
		server_id BIGINT NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		unit_type TEXT NOT NULL DEFAULT '',
		active_state TEXT NOT NULL DEFAULT '',
		sub_state TEXT NOT NULL DEFAULT '',
		main_pid BIGINT NOT NULL DEFAULT 0,
		memory_mb DOUBLE PRECISION NOT NULL DEFAULT 0,
		cpu_sec DOUBLE PRECISION NOT NULL DEFAULT 0,
		enabled BOOLEAN NOT NULL DEFAULT FALSE
	)`,

	`CREATE TABLE IF NOT EXISTS ssl_certificates (
		id BIGSERIAL PRIMARY KEY,
		server_id BIGINT NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
		path TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		issuer TEXT NOT NULL DEFAULT '',
		valid_from TIMESTAMPTZ,
		valid_to TIMESTAMPTZ,
		is_expired BOOLEAN NOT NULL DEFAULT FALSE,
		days_left INT NOT NULL DEFAULT 0,
		san_domains TEXT[] NOT NULL DEFAULT '{}'
	)`,

	`CREATE TABLE IF NOT EXISTS lvm_volumes (
		id BIGSERIAL PRIMARY KEY,
		server_id BIGINT NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
		vg_name TEXT NOT NULL DEFAULT '',
		lv_name TEXT NOT NULL DEFAULT '',
		device_path TEXT NOT NULL DEFAULT '',
		size_mb BIGINT NOT NULL DEFAULT 0,
		mountpoint TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS user_accounts (
		id BIGSERIAL PRIMARY KEY,
		server_id BIGINT NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
		username TEXT NOT NULL,
		uid BIGINT NOT NULL DEFAULT 0,
		gid BIGINT NOT NULL DEFAULT 0,
		shell TEXT NOT NULL DEFAULT '',
		home_dir TEXT NOT NULL DEFAULT '',
		has_login BOOLEAN NOT NULL DEFAULT FALSE,
		groups TEXT[] NOT NULL DEFAULT '{}'
	)`,

	`CREATE TABLE IF NOT EXISTS processes (
		id BIGSERIAL PRIMARY KEY,
		server_id BIGINT NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
		pid BIGINT NOT NULL,
		ppid BIGINT NOT NULL DEFAULT 0,
		proc_user TEXT NOT NULL DEFAULT '',
		cpu_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
		mem_mb DOUBLE PRECISION NOT NULL DEFAULT 0,
		command TEXT NOT NULL DEFAULT '',
		full_path TEXT NOT NULL DEFAULT '',
		args TEXT NOT NULL DEFAULT '',
		cgroup TEXT NOT NULL DEFAULT '',
		fd_count INT NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS server_log_entries (
		id BIGSERIAL PRIMARY KEY,
		server_id BIGINT NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
		source TEXT NOT NULL DEFAULT '',
		level TEXT NOT NULL DEFAULT '',
		line TEXT NOT NULL DEFAULT '',
		logged_at TIMESTAMPTZ,
		collected_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS snapshots (
		id BIGSERIAL PRIMARY KEY,
		server_id BIGINT NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
		scan_number INT NOT NULL,
		document JSONB NOT NULL,
		checksum TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (server_id, scan_number)
	)`,

	`CREATE TABLE IF NOT EXISTS diff_events (
		id BIGSERIAL PRIMARY KEY,
		server_id BIGINT NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
		snapshot_id BIGINT NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
		category TEXT NOT NULL,
		change_type TEXT NOT NULL,
		item_key TEXT NOT NULL,
		old_value JSONB,
		new_value JSONB,
		severity TEXT NOT NULL DEFAULT 'info',
		acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS connection_edges (
		id BIGSERIAL PRIMARY KEY,
		source_server_id BIGINT NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
		target_server_id BIGINT REFERENCES hosts(id) ON DELETE SET NULL,
		target_ip TEXT NOT NULL,
		target_port INT NOT NULL DEFAULT 0,
		source_process TEXT NOT NULL DEFAULT '',
		detection_method TEXT NOT NULL,
		details JSONB,
		is_external BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (source_server_id, target_ip, target_port, source_process)
	)`,

	`CREATE TABLE IF NOT EXISTS alert_rules (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		condition JSONB NOT NULL,
		severity TEXT NOT NULL DEFAULT 'warning',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		server_id BIGINT REFERENCES hosts(id) ON DELETE CASCADE,
		cooldown_minutes INT NOT NULL DEFAULT 60,
		last_triggered_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS alerts (
		id BIGSERIAL PRIMARY KEY,
		rule_id BIGINT REFERENCES alert_rules(id) ON DELETE SET NULL,
		server_id BIGINT REFERENCES hosts(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT 'info',
		category TEXT NOT NULL DEFAULT '',
		metadata JSONB,
		resolved BOOLEAN NOT NULL DEFAULT FALSE,
		resolved_at TIMESTAMPTZ,
		resolved_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS ai_analyses (
		id BIGSERIAL PRIMARY KEY,
		server_id BIGINT NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
		purpose TEXT NOT NULL,
		document JSONB NOT NULL,
		raw_prompt TEXT NOT NULL DEFAULT '',
		raw_response TEXT NOT NULL DEFAULT '',
		model_used TEXT NOT NULL DEFAULT '',
		duration_ms BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS llm_settings (
		id INT PRIMARY KEY CHECK (id = 1),
		provider TEXT NOT NULL DEFAULT 'ollama',
		endpoint TEXT NOT NULL DEFAULT '',
		api_key_encrypted TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT FALSE,
		features JSONB NOT NULL DEFAULT '{}',
		temperature DOUBLE PRECISION NOT NULL DEFAULT 0.2,
		max_tokens INT NOT NULL DEFAULT 2048,
		num_ctx INT NOT NULL DEFAULT 8192,
		timeout_sec INT NOT NULL DEFAULT 300,
		analysis_running BOOLEAN NOT NULL DEFAULT FALSE,
		analysis_server_id BIGINT,
		analysis_updated_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS network_scans (
		id BIGSERIAL PRIMARY KEY,
		subnet TEXT NOT NULL,
		schedule_expr TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		hosts_found INT NOT NULL DEFAULT 0,
		results JSONB,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'viewer',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		id BIGSERIAL PRIMARY KEY,
		principal TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		target_type TEXT NOT NULL DEFAULT '',
		target_id TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS app_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE INDEX IF NOT EXISTS idx_services_server ON services (server_id)`,
	`CREATE INDEX IF NOT EXISTS idx_mounts_server ON mounts (server_id)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_server ON snapshots (server_id, scan_number DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_diff_events_server ON diff_events (server_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_edges_source ON connection_edges (source_server_id)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_server ON alerts (server_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_ai_analyses_lookup ON ai_analyses (server_id, purpose)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log (created_at DESC)`,
}

// Migrate applies the schema. Every statement is idempotent; re-running is
// safe.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}

// Tables verified by readiness checks.
var requiredTables = []string{
	"hosts", "services", "mounts", "interfaces", "docker_containers",
	"cron_entries", "systemd_units", "ssl_certificates", "lvm_volumes",
	"user_accounts", "processes", "server_log_entries", "snapshots",
	"diff_events", "connection_edges", "alert_rules", "alerts",
	"ai_analyses", "llm_settings", "network_scans", "users", "audit_log",
	"app_state",
}

// VerifyTables confirms every required table exists. Used by cmd/migrate
// --verify and the readiness probe.
func (s *Store) VerifyTables(ctx context.Context) ([]string, error) {
	var missing []string
	for _, table := range requiredTables {
		var exists bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`,
			table,
		).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if !exists {
			missing = append(missing, table)
		}
	}
	return missing, nil
}

// GetAppState reads one marker value; "" when absent.
func (s *Store) GetAppState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to read app state %s: %w", key, err)
	}
	return value, nil
}

// SetAppState upserts one marker value.
func (s *Store) SetAppState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_state (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set app state %s: %w", key, err)
	}
	return nil
}
