// Package scheduler drives the periodic machinery around the scan pipeline:
// cron-expression sync for host and subnet scans, stale-scan recovery, and
// fleet health aggregation. Cron callbacks only enqueue jobs; remote I/O
// happens in the queue workers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/systemmap/backend/internal/events"
	"github.com/systemmap/backend/internal/logging"
	"github.com/systemmap/backend/internal/metrics"
	"github.com/systemmap/backend/internal/queue"
	"github.com/systemmap/backend/internal/store"
)

const (
	syncEvery    = time.Minute
	recoverEvery = 5 * time.Minute
	healthEvery  = 15 * time.Minute

	// staleAfter bounds how long a scan may sit in scanning or running
	// before recovery forces it into a terminal state.
	staleAfter    = 30 * time.Minute
	failureWindow = 24 * time.Hour

	triggerTimeout = 10 * time.Second

	principalScheduler = "scheduler"
)

// ErrScanning is returned when the host already has a scan in flight.
var ErrScanning = errors.New("host is already scanning")

// ErrNetScanRunning is returned when the network scan is already running.
var ErrNetScanRunning = errors.New("network scan is already running")

// Enqueuer is the queue surface the scheduler drives.
type Enqueuer interface {
	Enqueue(ctx context.Context, id string, p queue.Payload) error
}

type registration struct {
	entryID cron.EntryID
	spec    string
}

// UpcomingRun describes the next firing of one registration.
type UpcomingRun struct {
	Key      string    `json:"key"`
	Schedule string    `json:"schedule"`
	NextAt   time.Time `json:"nextAt"`
}

// Scheduler owns the cron engine and the maintenance tickers.
type Scheduler struct {
	store    *store.Store
	scans    Enqueuer
	netScans Enqueuer
	audit    *events.Auditor
	metrics  *metrics.Metrics
	cron     *cron.Cron
	log      zerolog.Logger

	now func() time.Time

	mu      sync.Mutex
	entries map[string]registration
}

// New builds a scheduler over the store and the two scan queues.
func New(st *store.Store, scans, netScans Enqueuer, audit *events.Auditor, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		store:    st,
		scans:    scans,
		netScans: netScans,
		audit:    audit,
		metrics:  m,
		cron:     cron.New(),
		log:      logging.WithComponent("scheduler"),
		now:      time.Now,
		entries:  make(map[string]registration),
	}
}

// Run starts the cron engine and the maintenance tickers and blocks until
// ctx is cancelled. Each task also runs once at startup so a restart
// recovers stale scans and repopulates the health gauges immediately.
func (s *Scheduler) Run(ctx context.Context) {
	s.syncSchedules(ctx)
	s.recoverStale(ctx)
	s.aggregateHealth(ctx)

	s.cron.Start()
	defer s.cron.Stop()

	syncTick := time.NewTicker(syncEvery)
	defer syncTick.Stop()
	recoverTick := time.NewTicker(recoverEvery)
	defer recoverTick.Stop()
	healthTick := time.NewTicker(healthEvery)
	defer healthTick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return
		case <-syncTick.C:
			s.syncSchedules(ctx)
		case <-recoverTick.C:
			s.recoverStale(ctx)
		case <-healthTick.C:
			s.aggregateHealth(ctx)
		}
	}
}

// syncSchedules reconciles cron registrations against the store: hosts with
// an expression and credentials, and network scans with an expression. A
// load error keeps the previous registrations untouched.
func (s *Scheduler) syncSchedules(ctx context.Context) {
	hosts, err := s.store.ScheduledHosts(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load scheduled hosts")
		return
	}
	netScans, err := s.store.ScheduledNetworkScans(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load scheduled network scans")
		return
	}

	seen := make(map[string]bool, len(hosts)+len(netScans))
	for _, h := range hosts {
		key := "host:" + strconv.FormatInt(h.ID, 10)
		seen[key] = true
		s.register(key, *h.ScheduleExpr, s.hostCallback(h.ID))
	}
	for _, ns := range netScans {
		key := ns.Subnet + "|" + *ns.ScheduleExpr
		seen[key] = true
		s.register(key, *ns.ScheduleExpr, s.networkCallback(ns.ID))
	}

	s.prune(seen)
}

// register adds or refreshes one cron registration. An invalid expression
// is logged and skipped.
func (s *Scheduler) register(key, spec string, run func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[key]; ok {
		if existing.spec == spec {
			return
		}
		s.cron.Remove(existing.entryID)
		delete(s.entries, key)
	}

	id, err := s.cron.AddFunc(spec, run)
	if err != nil {
		s.log.Warn().Str("key", key).Str("schedule", spec).Err(err).
			Msg("invalid cron expression, skipping")
		return
	}
	s.entries[key] = registration{entryID: id, spec: spec}
	s.log.Debug().Str("key", key).Str("schedule", spec).Msg("schedule registered")
}

// prune drops registrations whose key disappeared from the store.
func (s *Scheduler) prune(seen map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, reg := range s.entries {
		if seen[key] {
			continue
		}
		s.cron.Remove(reg.entryID)
		delete(s.entries, key)
		s.log.Debug().Str("key", key).Msg("schedule removed")
	}
}

func (s *Scheduler) hostCallback(serverID int64) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), triggerTimeout)
		defer cancel()

		_, err := s.TriggerHostScan(ctx, serverID, queue.TriggerScheduled, principalScheduler)
		switch {
		case err == nil:
		case errors.Is(err, ErrScanning), errors.Is(err, queue.ErrDuplicate):
			s.log.Debug().Int64("server", serverID).Msg("scheduled scan skipped, already in flight")
		default:
			s.log.Error().Err(err).Int64("server", serverID).Msg("scheduled scan trigger failed")
		}
	}
}

func (s *Scheduler) networkCallback(scanID int64) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), triggerTimeout)
		defer cancel()

		_, err := s.TriggerNetworkScan(ctx, scanID, queue.TriggerScheduled, principalScheduler)
		switch {
		case err == nil:
		case errors.Is(err, ErrNetScanRunning), errors.Is(err, queue.ErrDuplicate):
			s.log.Debug().Int64("scan", scanID).Msg("scheduled network scan skipped, already in flight")
		default:
			s.log.Error().Err(err).Int64("scan", scanID).Msg("scheduled network scan trigger failed")
		}
	}
}

// TriggerHostScan enqueues a deep scan of one host unless a scan is already
// in flight, and returns the job id. Scheduled and manual triggers share
// this path, so the scanning-status check and the queue-side id reservation
// both apply to either origin.
func (s *Scheduler) TriggerHostScan(ctx context.Context, serverID int64, trigger, principal string) (string, error) {
	host, err := s.store.GetHost(ctx, serverID)
	if err != nil {
		return "", fmt.Errorf("failed to load host %d: %w", serverID, err)
	}
	if host.Status == store.StatusScanning {
		return "", ErrScanning
	}

	jobID := queue.HostJobID(queue.ServerScan, serverID)
	err = s.scans.Enqueue(ctx, jobID, queue.Payload{
		ServerID:  serverID,
		Trigger:   trigger,
		Principal: principal,
	})
	if err != nil {
		if errors.Is(err, queue.ErrDuplicate) {
			return "", err
		}
		if s.audit != nil {
			s.audit.Record(ctx, principal, "scan.trigger", "host",
				strconv.FormatInt(serverID, 10), events.OutcomeFailed, err.Error())
		}
		return "", fmt.Errorf("failed to enqueue scan for host %d: %w", serverID, err)
	}

	if s.audit != nil {
		s.audit.Record(ctx, principal, "scan.trigger", "host",
			strconv.FormatInt(serverID, 10), events.OutcomeOK, "queued "+jobID)
	}
	s.log.Info().Int64("server", serverID).Str("trigger", trigger).Str("job", jobID).Msg("scan queued")
	return jobID, nil
}

// TriggerNetworkScan enqueues one subnet discovery run unless it is already
// running, and returns the job id.
func (s *Scheduler) TriggerNetworkScan(ctx context.Context, scanID int64, trigger, principal string) (string, error) {
	ns, err := s.store.GetNetworkScan(ctx, scanID)
	if err != nil {
		return "", fmt.Errorf("failed to load network scan %d: %w", scanID, err)
	}
	if ns.Status == store.NetScanRunning {
		return "", ErrNetScanRunning
	}

	jobID := queue.SubnetJobID(ns.ID)
	err = s.netScans.Enqueue(ctx, jobID, queue.Payload{
		NetworkScanID: ns.ID,
		Subnet:        ns.Subnet,
		Trigger:       trigger,
		Principal:     principal,
	})
	if err != nil {
		if errors.Is(err, queue.ErrDuplicate) {
			return "", err
		}
		if s.audit != nil {
			s.audit.Record(ctx, principal, "netscan.trigger", "network_scan",
				strconv.FormatInt(scanID, 10), events.OutcomeFailed, err.Error())
		}
		return "", fmt.Errorf("failed to enqueue network scan %d: %w", scanID, err)
	}

	if s.audit != nil {
		s.audit.Record(ctx, principal, "netscan.trigger", "network_scan",
			strconv.FormatInt(scanID, 10), events.OutcomeOK, "queued "+jobID)
	}
	s.log.Info().Int64("scan", scanID).Str("subnet", ns.Subnet).Str("trigger", trigger).
		Str("job", jobID).Msg("network scan queued")
	return jobID, nil
}

// recoverStale forces scans stuck past the stale cutoff into their failure
// states: hosts in scanning become error with a scan-timeout reason,
// network scans in running become failed.
func (s *Scheduler) recoverStale(ctx context.Context) {
	cutoff := s.now().Add(-staleAfter)

	n, err := s.store.RecoverStaleScans(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("stale scan recovery failed")
	} else if n > 0 {
		s.log.Warn().Int64("hosts", n).Msg("stale scans forced to error")
	}

	n, err = s.store.RecoverStaleNetworkScans(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("stale network scan recovery failed")
	} else if n > 0 {
		s.log.Warn().Int64("scans", n).Msg("stale network scans failed")
	}
}

// aggregateHealth refreshes the fleet gauges and logs the 24 h failure
// counts together with the live registration count.
func (s *Scheduler) aggregateHealth(ctx context.Context) {
	counts, err := s.store.CountHostsByStatus(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to count hosts by status")
	} else if s.metrics != nil {
		for _, status := range []string{
			store.StatusDiscovered, store.StatusConfigured, store.StatusScanning,
			store.StatusOnline, store.StatusOffline, store.StatusError,
		} {
			s.metrics.SetHostsByStatus(status, counts[status])
		}
	}

	since := s.now().Add(-failureWindow)
	hostFailures, err := s.store.RecentFailureCount(ctx, since)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to count recent scan failures")
		return
	}
	netFailures, err := s.store.RecentNetworkFailureCount(ctx, since)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to count recent network scan failures")
		return
	}

	s.log.Info().Int("hostFailures", hostFailures).Int("networkFailures", netFailures).
		Int("schedules", s.registrationCount()).Msg("fleet health")
}

func (s *Scheduler) registrationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Upcoming lists the registered schedules ordered by next fire time.
func (s *Scheduler) Upcoming() []UpcomingRun {
	type slot struct {
		key  string
		spec string
	}
	s.mu.Lock()
	byID := make(map[cron.EntryID]slot, len(s.entries))
	for key, reg := range s.entries {
		byID[reg.entryID] = slot{key: key, spec: reg.spec}
	}
	s.mu.Unlock()

	var out []UpcomingRun
	for _, entry := range s.cron.Entries() {
		sl, ok := byID[entry.ID]
		if !ok {
			continue
		}
		out = append(out, UpcomingRun{Key: sl.key, Schedule: sl.spec, NextAt: entry.Next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAt.Before(out[j].NextAt) })
	return out
}
