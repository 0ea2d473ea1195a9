package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/systemmap/backend/internal/events"
	"github.com/systemmap/backend/internal/gather"
	"github.com/systemmap/backend/internal/inventory"
	"github.com/systemmap/backend/internal/queue"
	"github.com/systemmap/backend/internal/remote"
	"github.com/systemmap/backend/internal/rules"
	"github.com/systemmap/backend/internal/snapshot"
	"github.com/systemmap/backend/internal/store"
)

// ServerScan returns the handler for the server-scan queue. progress
// receives the per-job step records; pass the queue itself.
func (w *Worker) ServerScan(progress ProgressSink) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		if job.Payload.Purpose == PurposeHealthCheck {
			return w.healthCheck(ctx, progress, job)
		}
		return w.runServerScan(ctx, progress, job)
	}
}

// scanSummary carries the pipeline counters into the completion event.
type scanSummary struct {
	counts inventory.Counts
	edges  int
	result *snapshot.Result
	diffs  []store.DiffEvent
	alerts int
}

func (w *Worker) runServerScan(ctx context.Context, progress ProgressSink, job *queue.Job) error {
	serverID := job.Payload.ServerID
	if serverID <= 0 {
		return queue.Permanent(fmt.Errorf("server-scan job %s has no server id", job.ID))
	}
	log := w.log.With().Str("job", job.ID).Int64("host", serverID).Logger()

	host, err := w.store.GetHost(ctx, serverID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return queue.Permanent(fmt.Errorf("host %d no longer exists: %w", serverID, err))
		}
		return err
	}

	ok, err := w.store.TryMarkScanning(ctx, serverID)
	if err != nil {
		return err
	}
	if !ok {
		// Another scan owns the host; at-least-once delivery makes this
		// a completed no-op, not a failure.
		log.Info().Msg("scan skipped, host already scanning")
		return nil
	}

	w.emit(events.TypeScanStarted, queue.ServerScan, hostSubject(serverID), map[string]interface{}{
		"jobId":   job.ID,
		"attempt": job.Attempt,
		"trigger": job.Payload.Trigger,
	})

	sum, err := w.scanHost(ctx, w.reporter(ctx, progress, job), host)
	if err != nil {
		reason := err.Error()
		if serr := w.store.SetHostScanError(ctx, serverID, reason); serr != nil {
			log.Error().Err(serr).Msg("failed to record scan failure")
		}
		w.emit(events.TypeScanFailed, queue.ServerScan, hostSubject(serverID), map[string]interface{}{
			"jobId":   job.ID,
			"attempt": job.Attempt,
			"error":   reason,
		})
		w.recordAudit(ctx, job.Payload.Principal, "scan.run", "host", serverID, events.OutcomeFailed, reason)
		log.Warn().Err(err).Msg("scan failed")
		if permanentScan(err) {
			err = queue.Permanent(err)
		}
		return err
	}

	w.emit(events.TypeScanCompleted, queue.ServerScan, hostSubject(serverID), map[string]interface{}{
		"jobId":      job.ID,
		"scanNumber": sum.result.ScanNumber,
		"rows":       sum.counts.Total(),
		"edges":      sum.edges,
		"diffs":      sum.result.DiffCount,
		"alerts":     sum.alerts,
	})
	detail := fmt.Sprintf("scan %d: %d rows, %d edges, %d diffs, %d alerts",
		sum.result.ScanNumber, sum.counts.Total(), sum.edges, sum.result.DiffCount, sum.alerts)
	w.recordAudit(ctx, job.Payload.Principal, "scan.run", "host", serverID, events.OutcomeOK, detail)
	log.Info().Int("scan", sum.result.ScanNumber).Int("rows", sum.counts.Total()).
		Int("diffs", sum.result.DiffCount).Int("alerts", sum.alerts).Msg("scan complete")
	return nil
}

// scanHost runs the pipeline: gather over SSH, map the inventory,
// correlate topology, snapshot and diff, evaluate rules, then the LLM
// post-scan work. The caller owns status transitions around it.
func (w *Worker) scanHost(ctx context.Context, report progressFunc, host *store.Host) (*scanSummary, error) {
	creds, err := w.credentials(host)
	if err != nil {
		return nil, queue.Permanent(err)
	}

	eff := w.effectiveOptions(host)
	script := gather.Script(gather.Params{
		DeepDockerInspect: eff.DeepDockerInspect,
		ScanCertificates:  eff.ScanCertificates,
		ListPackages:      eff.ListPackages,
		CollectorTimeout:  eff.CollectorTimeout,
		MaxProcesses:      eff.MaxProcesses,
	})
	opts := remote.ScriptOptions()
	opts.UseSudo = eff.UseSudo

	report("gather", 10, "collecting inventory over ssh", nil)
	doc, raw, err := w.exec.RunScript(ctx, creds, script, opts)
	if err != nil {
		return nil, err
	}

	report("inventory", 40, "mapping inventory", nil)
	counts, err := w.mapper.MapDocument(ctx, host.ID, doc, raw)
	if err != nil {
		return nil, err
	}

	// The mapper rewrote hostname and OS fields; later stages want the
	// fresh row.
	host, err = w.store.GetHost(ctx, host.ID)
	if err != nil {
		return nil, err
	}

	report("topology", 60, "correlating topology", nil)
	edges, err := w.topology.Correlate(ctx, host)
	if err != nil {
		return nil, err
	}

	report("snapshot", 75, "recording snapshot", nil)
	res, err := w.snaps.SnapshotAndDiff(ctx, host.ID)
	if err != nil {
		return nil, err
	}
	var diffs []store.DiffEvent
	if res.DiffCount > 0 {
		diffs, err = w.store.DiffsForSnapshot(ctx, res.SnapshotID)
		if err != nil {
			return nil, err
		}
		if w.metrics != nil {
			bySeverity := make(map[string]int)
			for _, d := range diffs {
				bySeverity[d.Severity]++
			}
			for sev, n := range bySeverity {
				w.metrics.RecordDiffs(sev, n)
			}
		}
		w.emit(events.TypeDiffRecorded, queue.ServerScan, hostSubject(host.ID), map[string]interface{}{
			"scanNumber": res.ScanNumber,
			"count":      res.DiffCount,
		})
	}

	report("rules", 85, "evaluating alert rules", nil)
	fired, err := w.rules.Evaluate(ctx, host.ID, &rules.ScanContext{Diffs: diffs})
	if err != nil {
		return nil, err
	}
	if fired > 0 {
		w.emit(events.TypeAlertFired, queue.ServerScan, hostSubject(host.ID), map[string]interface{}{
			"count": fired,
		})
	}

	report("analysis", 92, "running llm analysis", nil)
	w.postScan(ctx, host, diffs)

	report("done", 100, "scan complete", map[string]int{
		"rows":   counts.Total(),
		"edges":  edges,
		"diffs":  res.DiffCount,
		"alerts": fired,
	})
	return &scanSummary{counts: counts, edges: edges, result: res, diffs: diffs, alerts: fired}, nil
}

// permanentScan reports failures a retry cannot fix. Connection-class
// errors stay retriable; wrong credentials, unresolvable names and
// broken documents fail the same way every time.
func permanentScan(err error) bool {
	if errors.Is(err, inventory.ErrMissingOS) {
		return true
	}
	if ee, ok := remote.AsExecError(err); ok {
		return !ee.Retriable()
	}
	return false
}

// healthCheck runs the single reachability probe. The outcome lands in
// the job progress record; an unreachable host is moved to offline
// unless a scan owns the status.
func (w *Worker) healthCheck(ctx context.Context, progress ProgressSink, job *queue.Job) error {
	serverID := job.Payload.ServerID
	if serverID <= 0 {
		return queue.Permanent(fmt.Errorf("health-check job %s has no server id", job.ID))
	}

	host, err := w.store.GetHost(ctx, serverID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return queue.Permanent(fmt.Errorf("host %d no longer exists: %w", serverID, err))
		}
		return err
	}
	creds, err := w.credentials(host)
	if err != nil {
		return queue.Permanent(err)
	}

	res, err := w.exec.CheckHost(ctx, creds)
	counts := map[string]int{"latencyMs": int(res.LatencyMS)}
	if err != nil {
		if !res.Reachable && host.Status != store.StatusScanning {
			if uerr := w.store.UpdateHostStatus(ctx, serverID, store.StatusOffline); uerr != nil {
				w.log.Error().Err(uerr).Int64("host", serverID).Msg("failed to mark host offline")
			}
		}
		w.setProgress(ctx, progress, job.ID, queue.Progress{
			Step: "done", Percent: 100, Message: err.Error(), Counts: counts,
		})
		w.recordAudit(ctx, job.Payload.Principal, "health.check", "host", serverID, events.OutcomeFailed, err.Error())
		// A probe is one attempt by definition.
		return queue.Permanent(err)
	}

	w.setProgress(ctx, progress, job.ID, queue.Progress{
		Step: "done", Percent: 100, Message: res.OSBanner, Counts: counts,
	})
	w.recordAudit(ctx, job.Payload.Principal, "health.check", "host", serverID, events.OutcomeOK,
		fmt.Sprintf("reachable in %d ms", res.LatencyMS))
	return nil
}
