// Command server runs the whole inventory service in one process: the
// four job queues with their workers, the cron scheduler and the
// operational HTTP listener. SIGINT or SIGTERM starts a graceful drain;
// jobs already running finish before the process exits.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/systemmap/backend/internal/config"
	"github.com/systemmap/backend/internal/events"
	"github.com/systemmap/backend/internal/inventory"
	"github.com/systemmap/backend/internal/llm"
	"github.com/systemmap/backend/internal/logging"
	"github.com/systemmap/backend/internal/metrics"
	"github.com/systemmap/backend/internal/netscan"
	"github.com/systemmap/backend/internal/ops"
	"github.com/systemmap/backend/internal/queue"
	"github.com/systemmap/backend/internal/remote"
	"github.com/systemmap/backend/internal/rules"
	"github.com/systemmap/backend/internal/scheduler"
	"github.com/systemmap/backend/internal/snapshot"
	"github.com/systemmap/backend/internal/store"
	"github.com/systemmap/backend/internal/topology"
	"github.com/systemmap/backend/internal/vault"
	"github.com/systemmap/backend/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON})
	log := logging.WithComponent("server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v, err := vault.New(cfg.MasterKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise credential vault")
	}
	if err := v.SelfTest(); err != nil {
		log.Fatal().Err(err).Msg("credential vault self test failed")
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer st.Close()

	// The DDL is idempotent, so starting before the first migrate run
	// still brings up a usable schema. Seeding stays with migrate.
	if err := st.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to apply schema")
	}
	// A crash can strand the analysis writer lock. This process is the
	// only writer, so reclaiming it at boot is safe.
	if err := st.ReleaseAnalysisLock(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to release stale analysis lock")
	}
	// Any host still marked scanning at boot belongs to a dead run.
	if n, err := st.RecoverStaleScans(ctx, time.Now()); err != nil {
		log.Warn().Err(err).Msg("failed to recover stale scans")
	} else if n > 0 {
		log.Info().Int64("hosts", n).Msg("reset hosts stuck in scanning state")
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	rdb, err := queue.Connect(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rdb.Close()

	scanCfg := queue.ServerScanConfig()
	if n := cfg.Jobs.ServerScanWorkers; n > 0 {
		scanCfg.Concurrency = n
	}
	netCfg := queue.NetworkScanConfig()
	if n := cfg.Jobs.NetworkScanWorkers; n > 0 {
		netCfg.Concurrency = n
	}
	aiCfg := queue.AIAnalysisConfig()
	if n := cfg.Jobs.AIAnalysisWorkers; n > 0 {
		aiCfg.Concurrency = n
	}
	pmCfg := queue.ProcessMapConfig()
	if n := cfg.Jobs.ProcessMapWorkers; n > 0 {
		pmCfg.Concurrency = n
	}
	scanQ := queue.New(rdb, scanCfg, m)
	netQ := queue.New(rdb, netCfg, m)
	aiQ := queue.New(rdb, aiCfg, m)
	pmQ := queue.New(rdb, pmCfg, m)

	bus := events.NewBus()
	audit := events.NewAuditor(st, bus)
	breaker := llm.NewBreaker(0, 0)

	exec := remote.NewExecutor(m)
	w := worker.New(worker.Deps{
		Store:     st,
		Vault:     v,
		Exec:      exec,
		Options:   config.NewResolver(cfg.Scan),
		Mapper:    inventory.NewMapper(st),
		Topology:  topology.NewCorrelator(st),
		Snapshots: snapshot.NewEngine(st),
		Rules:     rules.NewEngine(st, m),
		Analyses:  llm.NewPipelines(st, v, exec, m),
		Breaker:   breaker,
		Subnets:   netscan.NewScanner(cfg.NmapPath),
		Bus:       bus,
		Audit:     audit,
		Metrics:   m,
	})

	sched := scheduler.New(st, scanQ, netQ, audit, m)

	opsSrv := ops.New(ops.Deps{
		Store:    st,
		Redis:    rdb,
		Queues:   []ops.JobQueue{scanQ, netQ, aiQ, pmQ},
		Sched:    sched,
		Bus:      bus,
		Audit:    audit,
		Breaker:  breaker,
		Gatherer: reg,
	})

	var wg sync.WaitGroup
	start := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	start(func() { scanQ.Run(ctx, w.ServerScan(scanQ)) })
	start(func() { netQ.Run(ctx, w.NetworkScan(netQ)) })
	start(func() { aiQ.Run(ctx, w.Analysis(aiQ)) })
	start(func() { pmQ.Run(ctx, w.ProcessMap(pmQ)) })
	start(func() { sched.Run(ctx) })
	start(func() {
		if err := opsSrv.Run(ctx, cfg.ListenAddr); err != nil {
			log.Error().Err(err).Msg("ops listener failed")
			stop()
		}
	})

	log.Info().Str("env", cfg.Env).Str("addr", cfg.ListenAddr).Msg("systemmap server started")
	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining")
	wg.Wait()
	log.Info().Msg("server stopped")
}
