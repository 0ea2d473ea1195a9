package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/systemmap/backend/internal/events"
	"github.com/systemmap/backend/internal/llm"
	"github.com/systemmap/backend/internal/queue"
	"github.com/systemmap/backend/internal/store"
)

// Analysis returns the handler for the ai-analysis queue. The payload
// purpose selects the pipeline.
func (w *Worker) Analysis(progress ProgressSink) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		return w.runAnalysis(ctx, progress, job, job.Payload.Purpose)
	}
}

// ProcessMap returns the handler for the process-map queue.
func (w *Worker) ProcessMap(progress ProgressSink) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		return w.runAnalysis(ctx, progress, job, store.PurposeProcessMap)
	}
}

func (w *Worker) runAnalysis(ctx context.Context, progress ProgressSink, job *queue.Job, purpose string) error {
	serverID := job.Payload.ServerID
	if serverID <= 0 {
		return queue.Permanent(fmt.Errorf("analysis job %s has no server id", job.ID))
	}
	if purpose == "" {
		return queue.Permanent(fmt.Errorf("analysis job %s has no purpose", job.ID))
	}
	log := w.log.With().Str("job", job.ID).Int64("host", serverID).Str("purpose", purpose).Logger()

	host, err := w.store.GetHost(ctx, serverID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return queue.Permanent(fmt.Errorf("host %d no longer exists: %w", serverID, err))
		}
		return err
	}

	if err := w.allowLLM(); err != nil {
		w.recordAudit(ctx, job.Payload.Principal, "analysis.run", "host", serverID, events.OutcomeDenied, purpose+": "+err.Error())
		return queue.Permanent(err)
	}

	report := func(step string, percent int, message string) {
		w.setProgress(ctx, progress, job.ID, queue.Progress{Step: step, Percent: percent, Message: message})
		w.emit(events.TypeScanProgress, job.Queue, hostSubject(serverID), map[string]interface{}{
			"jobId":   job.ID,
			"step":    step,
			"percent": percent,
			"message": message,
		})
	}

	var analysis *store.AiAnalysis
	if purpose == store.PurposeProcessMap {
		analysis, err = w.analyses.ProcessMap(ctx, host, report)
	} else {
		analysis, err = w.analyses.Run(ctx, host, purpose, report)
	}
	if w.breaker != nil {
		w.breaker.Record(err)
	}
	if err != nil {
		w.emit(events.TypeLLMFailed, job.Queue, hostSubject(serverID), map[string]interface{}{
			"jobId":   job.ID,
			"purpose": purpose,
			"error":   err.Error(),
		})
		w.recordAudit(ctx, job.Payload.Principal, "analysis.run", "host", serverID, events.OutcomeFailed, purpose+": "+err.Error())
		log.Warn().Err(err).Msg("analysis failed")
		if gateError(err) {
			return queue.Permanent(err)
		}
		return err
	}
	if analysis == nil {
		// The pipeline declined: quiet host or inside its rerun window.
		w.setProgress(ctx, progress, job.ID, queue.Progress{Step: "done", Percent: 100, Message: "nothing to analyse"})
		log.Info().Msg("analysis skipped")
		return nil
	}

	w.setProgress(ctx, progress, job.ID, queue.Progress{Step: "done", Percent: 100, Message: "analysis stored"})
	w.emit(events.TypeLLMCompleted, job.Queue, hostSubject(serverID), map[string]interface{}{
		"jobId":      job.ID,
		"purpose":    purpose,
		"analysisId": analysis.ID,
	})
	w.recordAudit(ctx, job.Payload.Principal, "analysis.run", "host", serverID, events.OutcomeOK,
		fmt.Sprintf("%s analysis %d stored", purpose, analysis.ID))
	log.Info().Int64("analysis", analysis.ID).Msg("analysis stored")
	return nil
}

// postScan runs the automatic pipelines after a completed scan: the
// summary, an anomaly review over the fresh diffs, and the daily log
// check. Failures are logged and never fail the scan.
func (w *Worker) postScan(ctx context.Context, host *store.Host, diffs []store.DiffEvent) {
	if w.analyses == nil {
		return
	}

	type task struct {
		purpose string
		run     func() (*store.AiAnalysis, error)
	}
	tasks := []task{
		{store.PurposeServerSummary, func() (*store.AiAnalysis, error) {
			return w.analyses.ServerSummary(ctx, host)
		}},
	}
	if len(diffs) > 0 {
		tasks = append(tasks, task{store.PurposeAnomalyCheck, func() (*store.AiAnalysis, error) {
			return w.analyses.AnomalyCheck(ctx, host, diffs)
		}})
	}
	tasks = append(tasks, task{store.PurposeLogAnalysis, func() (*store.AiAnalysis, error) {
		return w.analyses.LogAnalysis(ctx, host)
	}})

	for _, t := range tasks {
		if err := w.allowLLM(); err != nil {
			w.log.Warn().Int64("host", host.ID).Msg("llm circuit open, skipping post-scan analysis")
			return
		}
		res, err := t.run()
		if w.breaker != nil {
			w.breaker.Record(err)
		}
		switch {
		case err == nil:
			if res != nil {
				w.emit(events.TypeLLMCompleted, queue.ServerScan, hostSubject(host.ID), map[string]interface{}{
					"purpose":    t.purpose,
					"analysisId": res.ID,
				})
			}
		case errors.Is(err, llm.ErrDisabled):
			w.log.Debug().Int64("host", host.ID).Msg("llm disabled, skipping post-scan analysis")
			return
		case errors.Is(err, llm.ErrLocked):
			w.log.Info().Int64("host", host.ID).Msg("local model busy, skipping post-scan analysis")
			return
		case errors.Is(err, llm.ErrFeatureDisabled):
			// The next pipeline may still be enabled.
		default:
			w.log.Warn().Err(err).Int64("host", host.ID).Str("purpose", t.purpose).
				Msg("post-scan analysis failed")
			w.emit(events.TypeLLMFailed, queue.ServerScan, hostSubject(host.ID), map[string]interface{}{
				"purpose": t.purpose,
				"error":   err.Error(),
			})
		}
	}
}

func (w *Worker) allowLLM() error {
	if w.breaker == nil {
		return nil
	}
	return w.breaker.Allow()
}

// gateError reports policy failures that cannot succeed on retry.
func gateError(err error) bool {
	return errors.Is(err, llm.ErrDisabled) ||
		errors.Is(err, llm.ErrFeatureDisabled) ||
		errors.Is(err, llm.ErrLocked) ||
		errors.Is(err, llm.ErrBreakerOpen)
}
