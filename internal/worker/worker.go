// Package worker implements the handlers behind the four job queues:
// deep host scans, subnet discovery, LLM analyses and the process map.
// cmd/server registers each handler on its queue runner. Handlers keep
// no state between jobs, so at-least-once delivery is safe.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/systemmap/backend/internal/config"
	"github.com/systemmap/backend/internal/events"
	"github.com/systemmap/backend/internal/inventory"
	"github.com/systemmap/backend/internal/llm"
	"github.com/systemmap/backend/internal/logging"
	"github.com/systemmap/backend/internal/metrics"
	"github.com/systemmap/backend/internal/netscan"
	"github.com/systemmap/backend/internal/queue"
	"github.com/systemmap/backend/internal/rawdoc"
	"github.com/systemmap/backend/internal/remote"
	"github.com/systemmap/backend/internal/rules"
	"github.com/systemmap/backend/internal/snapshot"
	"github.com/systemmap/backend/internal/store"
	"github.com/systemmap/backend/internal/vault"
)

const (
	// netScanDeadline bounds one two-phase nmap run.
	netScanDeadline = 10 * time.Minute

	// PurposeHealthCheck selects the reachability probe instead of the
	// full pipeline on the server-scan queue.
	PurposeHealthCheck = "health_check"

	principalWorker = "worker"
)

// Scanner runs remote work on inventoried hosts.
type Scanner interface {
	RunScript(ctx context.Context, creds remote.Credentials, script string, opts remote.Options) (rawdoc.Doc, []byte, error)
	CheckHost(ctx context.Context, creds remote.Credentials) (remote.HealthResult, error)
}

// Mapper reconciles a gather document into the inventory.
type Mapper interface {
	MapDocument(ctx context.Context, serverID int64, doc rawdoc.Doc, raw []byte) (inventory.Counts, error)
}

// Correlator rebuilds a host's outgoing topology edges.
type Correlator interface {
	Correlate(ctx context.Context, host *store.Host) (int, error)
}

// Snapshotter appends the next snapshot and derives diff events.
type Snapshotter interface {
	SnapshotAndDiff(ctx context.Context, serverID int64) (*snapshot.Result, error)
}

// RuleEvaluator runs the alert rules over the finished scan.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, serverID int64, sc *rules.ScanContext) (int, error)
}

// Analyser runs the LLM pipelines.
type Analyser interface {
	ServerSummary(ctx context.Context, host *store.Host) (*store.AiAnalysis, error)
	AnomalyCheck(ctx context.Context, host *store.Host, diffs []store.DiffEvent) (*store.AiAnalysis, error)
	LogAnalysis(ctx context.Context, host *store.Host) (*store.AiAnalysis, error)
	Run(ctx context.Context, host *store.Host, purpose string, report llm.ProgressFunc) (*store.AiAnalysis, error)
	ProcessMap(ctx context.Context, host *store.Host, report llm.ProgressFunc) (*store.AiAnalysis, error)
}

// SubnetScanner discovers live hosts on a CIDR.
type SubnetScanner interface {
	Scan(ctx context.Context, cidr string) ([]netscan.DiscoveredHost, error)
}

// ProgressSink persists per-job progress records. *queue.Queue
// satisfies it; each handler receives the queue it runs on.
type ProgressSink interface {
	SetProgress(ctx context.Context, jobID string, p queue.Progress) error
}

// Deps wires a worker. Options defaults to an empty resolver; Breaker,
// Bus, Audit and Metrics may be nil.
type Deps struct {
	Store     *store.Store
	Vault     *vault.Vault
	Exec      Scanner
	Options   *config.Resolver
	Mapper    Mapper
	Topology  Correlator
	Snapshots Snapshotter
	Rules     RuleEvaluator
	Analyses  Analyser
	Breaker   *llm.Breaker
	Subnets   SubnetScanner
	Bus       events.Emitter
	Audit     *events.Auditor
	Metrics   *metrics.Metrics
}

// Worker executes queued jobs.
type Worker struct {
	store    *store.Store
	vault    *vault.Vault
	exec     Scanner
	options  *config.Resolver
	mapper   Mapper
	topology Correlator
	snaps    Snapshotter
	rules    RuleEvaluator
	analyses Analyser
	breaker  *llm.Breaker
	subnets  SubnetScanner
	bus      events.Emitter
	audit    *events.Auditor
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

func New(d Deps) *Worker {
	if d.Options == nil {
		d.Options = config.NewResolver(config.ScanDefaults{})
	}
	return &Worker{
		store:    d.Store,
		vault:    d.Vault,
		exec:     d.Exec,
		options:  d.Options,
		mapper:   d.Mapper,
		topology: d.Topology,
		snaps:    d.Snapshots,
		rules:    d.Rules,
		analyses: d.Analyses,
		breaker:  d.Breaker,
		subnets:  d.Subnets,
		bus:      d.Bus,
		audit:    d.Audit,
		metrics:  d.Metrics,
		log:      logging.WithComponent("worker"),
	}
}

// progressFunc mirrors queue progress plus the final counters.
type progressFunc func(step string, percent int, message string, counts map[string]int)

// reporter forwards step updates into the job record and onto the bus.
// Progress writes are best-effort.
func (w *Worker) reporter(ctx context.Context, sink ProgressSink, job *queue.Job) progressFunc {
	return func(step string, percent int, message string, counts map[string]int) {
		w.setProgress(ctx, sink, job.ID, queue.Progress{
			Step: step, Percent: percent, Message: message, Counts: counts,
		})
		w.emit(events.TypeScanProgress, job.Queue, hostSubject(job.Payload.ServerID), map[string]interface{}{
			"jobId":   job.ID,
			"step":    step,
			"percent": percent,
			"message": message,
		})
	}
}

func (w *Worker) setProgress(ctx context.Context, sink ProgressSink, jobID string, p queue.Progress) {
	if sink == nil {
		return
	}
	if err := sink.SetProgress(ctx, jobID, p); err != nil {
		w.log.Warn().Err(err).Str("job", jobID).Msg("failed to store progress")
	}
}

func (w *Worker) emit(eventType, source, subject string, data map[string]interface{}) {
	if w.bus == nil {
		return
	}
	w.bus.Emit(eventType, source, subject, data)
}

func (w *Worker) recordAudit(ctx context.Context, principal, action, targetType string, targetID int64, outcome, detail string) {
	if w.audit == nil {
		return
	}
	if principal == "" {
		principal = principalWorker
	}
	w.audit.Record(ctx, principal, action, targetType, strconv.FormatInt(targetID, 10), outcome, detail)
}

// credentials decrypts the host's SSH material. Failures are permanent:
// a wrong master key or an unconfigured host will not heal on retry.
func (w *Worker) credentials(h *store.Host) (remote.Credentials, error) {
	if w.vault == nil {
		return remote.Credentials{}, fmt.Errorf("no vault configured")
	}
	creds := remote.Credentials{IP: h.IP, Port: h.SSHPort, User: h.SSHUser}
	if h.EncryptedPassword != nil && *h.EncryptedPassword != "" {
		pw, err := w.vault.Decrypt(*h.EncryptedPassword)
		if err != nil {
			return remote.Credentials{}, fmt.Errorf("failed to decrypt password for host %d: %w", h.ID, err)
		}
		creds.Password = pw
	}
	if h.EncryptedPrivateKey != nil && *h.EncryptedPrivateKey != "" {
		key, err := w.vault.Decrypt(*h.EncryptedPrivateKey)
		if err != nil {
			return remote.Credentials{}, fmt.Errorf("failed to decrypt private key for host %d: %w", h.ID, err)
		}
		creds.PrivateKey = key
	}
	if creds.Password == "" && creds.PrivateKey == "" {
		return remote.Credentials{}, fmt.Errorf("host %d has no credentials", h.ID)
	}
	return creds, nil
}

// effectiveOptions resolves the host's scan overrides over the global
// defaults. Unreadable overrides fall back to the defaults.
func (w *Worker) effectiveOptions(h *store.Host) config.EffectiveOptions {
	var o config.HostOverrides
	if len(h.ScanOptions) > 0 {
		if err := json.Unmarshal(h.ScanOptions, &o); err != nil {
			w.log.Warn().Err(err).Int64("host", h.ID).Msg("invalid scan options, using defaults")
			o = config.HostOverrides{}
		}
	}
	return w.options.Effective(o)
}

func hostSubject(id int64) string {
	return fmt.Sprintf("host:%d", id)
}

func netScanSubject(id int64) string {
	return fmt.Sprintf("netscan:%d", id)
}
