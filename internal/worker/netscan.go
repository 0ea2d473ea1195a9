package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/systemmap/backend/internal/events"
	"github.com/systemmap/backend/internal/netscan"
	"github.com/systemmap/backend/internal/queue"
	"github.com/systemmap/backend/internal/store"
)

// NetworkScan returns the handler for the network-scan queue.
func (w *Worker) NetworkScan(progress ProgressSink) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		return w.runNetworkScan(ctx, progress, job)
	}
}

func (w *Worker) runNetworkScan(ctx context.Context, progress ProgressSink, job *queue.Job) error {
	scanID := job.Payload.NetworkScanID
	if scanID <= 0 {
		return queue.Permanent(fmt.Errorf("network-scan job %s has no scan id", job.ID))
	}
	log := w.log.With().Str("job", job.ID).Int64("scan", scanID).Logger()

	ns, err := w.store.GetNetworkScan(ctx, scanID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return queue.Permanent(fmt.Errorf("network scan %d no longer exists: %w", scanID, err))
		}
		return err
	}
	if ns.Status == store.NetScanRunning {
		log.Info().Msg("network scan skipped, already running")
		return nil
	}
	if err := w.store.MarkNetworkScanRunning(ctx, scanID); err != nil {
		return err
	}

	w.emit(events.TypeNetScanStarted, queue.NetworkScan, netScanSubject(scanID), map[string]interface{}{
		"jobId":  job.ID,
		"subnet": ns.Subnet,
	})
	w.setProgress(ctx, progress, job.ID, queue.Progress{
		Step: "discovery", Percent: 10, Message: "sweeping " + ns.Subnet,
	})

	scanCtx, cancel := context.WithTimeout(ctx, netScanDeadline)
	defer cancel()
	found, err := w.subnets.Scan(scanCtx, ns.Subnet)
	if err != nil {
		reason := err.Error()
		if ferr := w.store.FailNetworkScan(ctx, scanID, reason); ferr != nil {
			log.Error().Err(ferr).Msg("failed to record network scan failure")
		}
		w.emit(events.TypeNetScanFailed, queue.NetworkScan, netScanSubject(scanID), map[string]interface{}{
			"jobId": job.ID,
			"error": reason,
		})
		w.recordAudit(ctx, job.Payload.Principal, "netscan.run", "network_scan", scanID, events.OutcomeFailed, reason)
		log.Warn().Err(err).Msg("network scan failed")
		if errors.Is(err, netscan.ErrUnavailable) {
			return queue.Permanent(err)
		}
		return err
	}

	w.setProgress(ctx, progress, job.ID, queue.Progress{
		Step: "persist", Percent: 70, Message: fmt.Sprintf("registering %d hosts", len(found)),
	})
	created := w.registerDiscovered(ctx, found)

	results, merr := json.Marshal(found)
	if merr != nil {
		log.Warn().Err(merr).Msg("failed to serialise discovery results")
		results = nil
	}
	if err := w.store.CompleteNetworkScan(ctx, scanID, len(found), results); err != nil {
		return err
	}

	w.setProgress(ctx, progress, job.ID, queue.Progress{
		Step: "done", Percent: 100,
		Message: fmt.Sprintf("%d hosts up, %d new", len(found), created),
		Counts:  map[string]int{"hosts": len(found), "new": created},
	})
	w.emit(events.TypeNetScanCompleted, queue.NetworkScan, netScanSubject(scanID), map[string]interface{}{
		"jobId": job.ID,
		"hosts": len(found),
		"new":   created,
	})
	w.recordAudit(ctx, job.Payload.Principal, "netscan.run", "network_scan", scanID, events.OutcomeOK,
		fmt.Sprintf("%d hosts up, %d new", len(found), created))
	log.Info().Int("hosts", len(found)).Int("new", created).Msg("network scan complete")
	return nil
}

// registerDiscovered creates host rows for IPs never seen before.
// Existing rows are left alone; discovery must not clobber configured
// credentials. Returns how many rows were created.
func (w *Worker) registerDiscovered(ctx context.Context, found []netscan.DiscoveredHost) int {
	created := 0
	for _, dh := range found {
		_, err := w.store.GetHostByIP(ctx, dh.IP)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			w.log.Warn().Err(err).Str("ip", dh.IP).Msg("failed to look up discovered host")
			continue
		}
		h := &store.Host{IP: dh.IP, Hostname: dh.Hostname, Status: store.StatusDiscovered}
		if err := w.store.CreateHost(ctx, h); err != nil {
			w.log.Warn().Err(err).Str("ip", dh.IP).Msg("failed to register discovered host")
			continue
		}
		created++
	}
	return created
}
