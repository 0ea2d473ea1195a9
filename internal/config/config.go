// Package config loads service configuration. Settings come from the
// environment (optionally seeded from a .env file), layered over an optional
// YAML defaults file for scan and queue tuning.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v2"
)

// Config is the resolved service configuration.
type Config struct {
	Env        string // development, production, test
	ListenAddr string // ops HTTP listener (health, metrics, progress)

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// MasterKey is the 32-byte credential-vault key, decoded from 64 hex
	// characters. A missing or mis-sized key fails startup.
	MasterKey []byte

	NmapPath string

	LogLevel string
	LogJSON  bool

	AdminPassword string // bootstrap only; consumed by migrate on first run

	LLM  LLMBootstrap
	Scan ScanDefaults  `yaml:"scan"`
	Jobs QueueDefaults `yaml:"jobs"`
}

// LLMBootstrap seeds the llm_settings singleton when the table is empty.
type LLMBootstrap struct {
	Provider string
	Endpoint string
	APIKey   string
	Model    string
	Enabled  bool
}

// ScanDefaults tunes the gather script for hosts without explicit options.
type ScanDefaults struct {
	DeepDockerInspect bool `yaml:"deep_docker_inspect"`
	ScanCertificates  bool `yaml:"scan_certificates"`
	ListPackages      bool `yaml:"list_packages"`
	CollectorTimeout  int  `yaml:"collector_timeout_sec"`
	MaxProcesses      int  `yaml:"max_processes"`
}

// QueueDefaults overrides per-queue worker counts.
type QueueDefaults struct {
	ServerScanWorkers  int `yaml:"server_scan_workers"`
	NetworkScanWorkers int `yaml:"network_scan_workers"`
	AIAnalysisWorkers  int `yaml:"ai_analysis_workers"`
	ProcessMapWorkers  int `yaml:"process_map_workers"`
}

type fileDefaults struct {
	Scan ScanDefaults  `yaml:"scan"`
	Jobs QueueDefaults `yaml:"jobs"`
}

// Load resolves the configuration. A .env file is honoured when present but
// never required. path may name a YAML defaults file; empty means
// $SYSTEMMAP_CONFIG or no file at all.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:        getenv("SYSTEMMAP_ENV", "development"),
		ListenAddr: ":" + getenv("PORT", "8090"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		NmapPath: getenv("NMAP_PATH", "nmap"),

		LogLevel: getenv("LOG_LEVEL", "info"),
		LogJSON:  getenv("LOG_FORMAT", "json") == "json",

		AdminPassword: os.Getenv("SYSTEMMAP_ADMIN_PASSWORD"),

		LLM: LLMBootstrap{
			Provider: getenv("LLM_PROVIDER", "ollama"),
			Endpoint: getenv("LLM_ENDPOINT", "http://localhost:11434"),
			APIKey:   os.Getenv("LLM_API_KEY"),
			Model:    getenv("LLM_MODEL", "qwen2.5:14b"),
			Enabled:  os.Getenv("LLM_ENABLED") == "true",
		},
		Scan: ScanDefaults{
			DeepDockerInspect: true,
			ScanCertificates:  true,
			CollectorTimeout:  20,
			MaxProcesses:      400,
		},
		Jobs: QueueDefaults{
			ServerScanWorkers:  3,
			NetworkScanWorkers: 1,
			AIAnalysisWorkers:  1,
			ProcessMapWorkers:  1,
		},
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set")
	}

	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
		}
		cfg.RedisDB = n
	}

	keyHex := os.Getenv("SYSTEMMAP_MASTER_KEY")
	if keyHex == "" {
		return nil, fmt.Errorf("SYSTEMMAP_MASTER_KEY must be set (64 hex characters)")
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("SYSTEMMAP_MASTER_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("SYSTEMMAP_MASTER_KEY must decode to 32 bytes, got %d", len(key))
	}
	cfg.MasterKey = key

	if path == "" {
		path = os.Getenv("SYSTEMMAP_CONFIG")
	}
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// applyFile layers YAML defaults under the environment-derived config.
// Only non-zero file values are applied.
func (c *Config) applyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	var fd fileDefaults
	if err := yaml.NewDecoder(f).Decode(&fd); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fd.Scan.CollectorTimeout != 0 {
		c.Scan.CollectorTimeout = fd.Scan.CollectorTimeout
	}
	if fd.Scan.MaxProcesses != 0 {
		c.Scan.MaxProcesses = fd.Scan.MaxProcesses
	}
	if fd.Scan.DeepDockerInspect {
		c.Scan.DeepDockerInspect = true
	}
	if fd.Scan.ScanCertificates {
		c.Scan.ScanCertificates = true
	}
	if fd.Scan.ListPackages {
		c.Scan.ListPackages = true
	}
	if fd.Jobs.ServerScanWorkers != 0 {
		c.Jobs.ServerScanWorkers = fd.Jobs.ServerScanWorkers
	}
	if fd.Jobs.NetworkScanWorkers != 0 {
		c.Jobs.NetworkScanWorkers = fd.Jobs.NetworkScanWorkers
	}
	if fd.Jobs.AIAnalysisWorkers != 0 {
		c.Jobs.AIAnalysisWorkers = fd.Jobs.AIAnalysisWorkers
	}
	if fd.Jobs.ProcessMapWorkers != 0 {
		c.Jobs.ProcessMapWorkers = fd.Jobs.ProcessMapWorkers
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
