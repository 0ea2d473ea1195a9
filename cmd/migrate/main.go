// Command migrate applies the database schema and seeds first-run data:
// the default alert rules, the llm_settings singleton and the bootstrap
// admin account. Every step is idempotent, so re-running is safe. With
// --verify it only checks that the required tables exist.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/systemmap/backend/internal/config"
	"github.com/systemmap/backend/internal/logging"
	"github.com/systemmap/backend/internal/store"
	"github.com/systemmap/backend/internal/vault"
)

func main() {
	verify := flag.Bool("verify", false, "check that every required table exists, apply nothing")
	flag.Parse()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON})
	log := logging.WithComponent("migrate")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer st.Close()

	if *verify {
		missing, err := st.VerifyTables(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to verify tables")
		}
		if len(missing) > 0 {
			log.Error().Strs("missing", missing).Msg("schema incomplete")
			os.Exit(1)
		}
		log.Info().Msg("all required tables present")
		return
	}

	if err := st.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to apply schema")
	}
	log.Info().Msg("schema applied")

	seeded, err := st.SeedDefaultRules(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to seed default rules")
	}
	if seeded {
		log.Info().Msg("default alert rules seeded")
	}

	settings, err := llmSeed(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare llm settings")
	}
	created, err := st.SeedLLMSettings(ctx, settings)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to seed llm settings")
	}
	if created {
		log.Info().
			Str("provider", settings.Provider).
			Bool("enabled", settings.Enabled).
			Msg("llm settings seeded")
	}

	users, err := st.CountUsers(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to count users")
	}
	switch {
	case users > 0:
	case cfg.AdminPassword == "":
		log.Warn().Msg("no user accounts exist and SYSTEMMAP_ADMIN_PASSWORD is unset; admin bootstrap skipped")
	default:
		if _, err := st.CreateUser(ctx, "admin", cfg.AdminPassword, "admin"); err != nil {
			log.Fatal().Err(err).Msg("failed to create admin account")
		}
		log.Info().Msg("admin account created")
	}

	log.Info().Msg("migration complete")
}

// llmSeed builds the settings singleton from the environment. The API key
// is stored vault encrypted; pipelines start disabled unless LLM_ENABLED
// opted in, in which case every pipeline is on and can be narrowed later.
func llmSeed(cfg *config.Config) (*store.LlmSettings, error) {
	settings := &store.LlmSettings{
		Provider:    cfg.LLM.Provider,
		Endpoint:    cfg.LLM.Endpoint,
		Model:       cfg.LLM.Model,
		Enabled:     cfg.LLM.Enabled,
		Temperature: 0.2,
		MaxTokens:   2048,
		NumCtx:      8192,
		TimeoutSec:  300,
	}
	if cfg.LLM.Enabled {
		settings.Features = store.LlmFeatures{
			Summary:     true,
			Anomaly:     true,
			LogAnalysis: true,
			Runbook:     true,
			ProcessMap:  true,
		}
	}
	if cfg.LLM.APIKey != "" {
		v, err := vault.New(cfg.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("failed to initialise credential vault: %w", err)
		}
		enc, err := v.Encrypt(cfg.LLM.APIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt llm api key: %w", err)
		}
		settings.APIKeyEncrypted = enc
	}
	return settings, nil
}
