// Package rules evaluates administrator alert rules against a host's
// current inventory and the diff events of the scan that just finished.
// Each matching rule fires at most one alert per cooldown window.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/systemmap/backend/internal/logging"
	"github.com/systemmap/backend/internal/metrics"
	"github.com/systemmap/backend/internal/store"
)

// maxEvidenceItems caps the per-alert evidence list so metadata stays small
// even when a scan produces hundreds of diffs.
const maxEvidenceItems = 20

// ScanContext carries the fresh diff events from the scan that triggered
// evaluation. nil means the scan produced none.
type ScanContext struct {
	Diffs []store.DiffEvent
}

// Engine loads the rules scoped to a host and runs their conditions.
type Engine struct {
	store   *store.Store
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func NewEngine(st *store.Store, m *metrics.Metrics) *Engine {
	return &Engine{store: st, metrics: m, log: logging.WithComponent("rules"), now: time.Now}
}

// match is the outcome of one condition that held, with the evidence that
// made it hold.
type match struct {
	message  string
	metadata json.RawMessage
}

// Evaluate runs every enabled rule scoped to the host (or global) and
// writes one alert per match. Rules inside their cooldown window are
// skipped. Returns the number of alerts fired.
func (e *Engine) Evaluate(ctx context.Context, serverID int64, sc *ScanContext) (int, error) {
	host, err := e.store.GetHost(ctx, serverID)
	if err != nil {
		return 0, fmt.Errorf("failed to load host %d: %w", serverID, err)
	}
	rules, err := e.store.RulesForHost(ctx, serverID)
	if err != nil {
		return 0, err
	}
	now := e.now()
	active := rules[:0]
	for _, rule := range rules {
		if rule.LastTriggeredAt != nil &&
			now.Sub(*rule.LastTriggeredAt) < time.Duration(rule.CooldownMinutes)*time.Minute {
			continue
		}
		active = append(active, rule)
	}
	if len(active) == 0 {
		return 0, nil
	}

	ev, err := e.loadEvidence(ctx, serverID, active)
	if err != nil {
		return 0, err
	}

	label := host.Hostname
	if label == "" {
		label = host.IP
	}

	fired := 0
	for _, rule := range active {
		m := evaluateCondition(rule.Condition, ev, sc)
		if m == nil {
			continue
		}
		alert := &store.Alert{
			RuleID:   &rule.ID,
			ServerID: &serverID,
			Title:    fmt.Sprintf("[%s] %s", label, rule.Name),
			Message:  m.message,
			Severity: rule.Severity,
			Category: rule.Category,
			Metadata: m.metadata,
		}
		if err := e.store.InsertAlert(ctx, alert); err != nil {
			return fired, err
		}
		if err := e.store.MarkRuleTriggered(ctx, rule.ID, now); err != nil {
			return fired, err
		}
		if e.metrics != nil {
			e.metrics.RecordAlert(rule.Condition.Type, rule.Severity)
		}
		fired++
		e.log.Info().Int64("host", serverID).Str("rule", rule.Name).
			Str("severity", rule.Severity).Msg("alert fired")
	}
	return fired, nil
}

// evidence holds the inventory slices the present rule set needs. Only the
// collections some rule actually references are loaded.
type evidence struct {
	certs    []store.SslCert
	mounts   []store.Mount
	units    []store.SystemdUnit
	services []store.Service
}

func (e *Engine) loadEvidence(ctx context.Context, serverID int64, rules []*store.AlertRule) (*evidence, error) {
	needs := map[string]bool{}
	for _, r := range rules {
		needs[r.Condition.Type] = true
	}

	var (
		ev  evidence
		err error
	)
	if needs[store.CondSSLExpiry] {
		if ev.certs, err = e.store.SslCertsForHost(ctx, serverID); err != nil {
			return nil, err
		}
	}
	if needs[store.CondDiskUsage] {
		if ev.mounts, err = e.store.MountsForHost(ctx, serverID); err != nil {
			return nil, err
		}
	}
	if needs[store.CondSystemdFailed] {
		if ev.units, err = e.store.SystemdUnitsForHost(ctx, serverID); err != nil {
			return nil, err
		}
	}
	if needs[store.CondServiceMissing] {
		if ev.services, err = e.store.ServicesForHost(ctx, serverID); err != nil {
			return nil, err
		}
	}
	return &ev, nil
}

func evaluateCondition(cond store.RuleCondition, ev *evidence, sc *ScanContext) *match {
	switch cond.Type {
	case store.CondSSLExpiry:
		return matchSSLExpiry(cond, ev.certs)
	case store.CondDiskUsage:
		return matchDiskUsage(cond, ev.mounts)
	case store.CondSystemdFailed:
		return matchSystemdFailed(ev.units)
	case store.CondDiffCount:
		return matchDiffCount(cond, sc)
	case store.CondServiceMissing:
		return matchServiceMissing(cond, ev.services)
	default:
		return nil
	}
}

// matchSSLExpiry distinguishes the expired variant (daysLeft 0) from the
// expiring-soon variant so the two seeded rules never double-fire on the
// same certificate.
func matchSSLExpiry(cond store.RuleCondition, certs []store.SslCert) *match {
	type certHit struct {
		Path      string `json:"path"`
		Subject   string `json:"subject"`
		DaysLeft  int    `json:"daysLeft"`
		ValidTo   string `json:"validTo,omitempty"`
		IsExpired bool   `json:"isExpired"`
	}
	var hits []certHit
	for _, c := range certs {
		if cond.DaysLeft == 0 {
			if !c.IsExpired {
				continue
			}
		} else if c.IsExpired || c.DaysLeft > cond.DaysLeft {
			continue
		}
		validTo := ""
		if c.ValidTo != nil {
			validTo = c.ValidTo.UTC().Format(time.RFC3339)
		}
		hits = append(hits, certHit{
			Path: c.Path, Subject: c.Subject, DaysLeft: c.DaysLeft,
			ValidTo: validTo, IsExpired: c.IsExpired,
		})
	}
	if len(hits) == 0 {
		return nil
	}
	message := fmt.Sprintf("%d certificate(s) expire within %d days", len(hits), cond.DaysLeft)
	if cond.DaysLeft == 0 {
		message = fmt.Sprintf("%d certificate(s) past expiry", len(hits))
	}
	return &match{message: message, metadata: evidenceJSON("certificates", hits)}
}

func matchDiskUsage(cond store.RuleCondition, mounts []store.Mount) *match {
	type mountHit struct {
		Mountpoint string  `json:"mountpoint"`
		Device     string  `json:"device"`
		UsePct     float64 `json:"usePct"`
		SizeMB     int64   `json:"sizeMb"`
	}
	var hits []mountHit
	for _, m := range mounts {
		if m.UsePct >= float64(cond.Threshold) {
			hits = append(hits, mountHit{Mountpoint: m.Mountpoint, Device: m.Device, UsePct: m.UsePct, SizeMB: m.SizeMB})
		}
	}
	if len(hits) == 0 {
		return nil
	}
	return &match{
		message:  fmt.Sprintf("%d mount(s) at or above %d%% usage", len(hits), cond.Threshold),
		metadata: evidenceJSON("mounts", hits),
	}
}

func matchSystemdFailed(units []store.SystemdUnit) *match {
	type unitHit struct {
		Name     string `json:"name"`
		SubState string `json:"subState"`
		Enabled  bool   `json:"enabled"`
	}
	var hits []unitHit
	for _, u := range units {
		if u.ActiveState == "failed" {
			hits = append(hits, unitHit{Name: u.Name, SubState: u.SubState, Enabled: u.Enabled})
		}
	}
	if len(hits) == 0 {
		return nil
	}
	return &match{
		message:  fmt.Sprintf("%d unit(s) in failed state", len(hits)),
		metadata: evidenceJSON("units", hits),
	}
}

func matchDiffCount(cond store.RuleCondition, sc *ScanContext) *match {
	if sc == nil || len(sc.Diffs) == 0 {
		return nil
	}
	type diffHit struct {
		Category   string `json:"category"`
		ChangeType string `json:"changeType"`
		ItemKey    string `json:"itemKey"`
	}
	count := 0
	var hits []diffHit
	for _, d := range sc.Diffs {
		if cond.Category != "" && d.Category != cond.Category {
			continue
		}
		if cond.ChangeType != "" && d.ChangeType != cond.ChangeType {
			continue
		}
		count++
		if len(hits) < maxEvidenceItems {
			hits = append(hits, diffHit{Category: d.Category, ChangeType: d.ChangeType, ItemKey: d.ItemKey})
		}
	}
	threshold := cond.Threshold
	if threshold <= 0 {
		threshold = 1
	}
	if count < threshold {
		return nil
	}
	raw, err := json.Marshal(map[string]interface{}{"count": count, "diffs": hits})
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	return &match{
		message:  fmt.Sprintf("%d matching change(s) since the previous scan", count),
		metadata: raw,
	}
}

func matchServiceMissing(cond store.RuleCondition, services []store.Service) *match {
	if cond.ServiceName == "" {
		return nil
	}
	for _, s := range services {
		if strings.EqualFold(s.Name, cond.ServiceName) {
			return nil
		}
	}
	raw, err := json.Marshal(map[string]string{"serviceName": cond.ServiceName})
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	return &match{
		message:  fmt.Sprintf("service %s is not present on the host", cond.ServiceName),
		metadata: raw,
	}
}

func evidenceJSON(key string, hits interface{}) json.RawMessage {
	raw, err := json.Marshal(map[string]interface{}{key: hits})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

// Live warning kinds and their sort order.
const (
	WarningSSL     = "ssl"
	WarningSystemd = "systemd"
	WarningDisk    = "disk"
)

// Warning is one row of the live evidence view. Unlike alerts, warnings
// are computed on demand and never persisted.
type Warning struct {
	ServerID int64  `json:"serverId"`
	Hostname string `json:"hostname"`
	Kind     string `json:"kind"`
	Item     string `json:"item"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Live-warning thresholds. These apply only to the ad-hoc evidence view;
// persisted alerts always go through rule conditions.
const (
	liveCertWindowDays = 30
	liveDiskWarnPct    = 80
	liveDiskCritPct    = 90
)

// LiveWarnings surveys the fleet for current ssl, systemd and disk
// evidence without writing alerts. A kind is only surveyed while at least
// one enabled rule of that kind exists, so disabling the last rule also
// silences the view. Results sort critical first.
func (e *Engine) LiveWarnings(ctx context.Context) ([]Warning, error) {
	gates := map[string]bool{}
	for _, g := range []struct{ cond, kind string }{
		{store.CondSSLExpiry, WarningSSL},
		{store.CondSystemdFailed, WarningSystemd},
		{store.CondDiskUsage, WarningDisk},
	} {
		enabled, err := e.store.HasEnabledRuleOfType(ctx, g.cond)
		if err != nil {
			return nil, err
		}
		gates[g.kind] = enabled
	}
	if !gates[WarningSSL] && !gates[WarningSystemd] && !gates[WarningDisk] {
		return nil, nil
	}

	hosts, err := e.store.ListHosts(ctx)
	if err != nil {
		return nil, err
	}

	var warnings []Warning
	for _, h := range hosts {
		if gates[WarningSSL] {
			certs, err := e.store.SslCertsForHost(ctx, h.ID)
			if err != nil {
				return nil, err
			}
			for _, c := range certs {
				switch {
				case c.IsExpired:
					warnings = append(warnings, Warning{
						ServerID: h.ID, Hostname: h.Hostname, Kind: WarningSSL, Item: c.Path,
						Message:  "certificate expired",
						Severity: store.SeverityCritical,
					})
				case c.DaysLeft <= liveCertWindowDays:
					warnings = append(warnings, Warning{
						ServerID: h.ID, Hostname: h.Hostname, Kind: WarningSSL, Item: c.Path,
						Message:  fmt.Sprintf("certificate expires in %d days", c.DaysLeft),
						Severity: store.SeverityWarning,
					})
				}
			}
		}
		if gates[WarningSystemd] {
			units, err := e.store.SystemdUnitsForHost(ctx, h.ID)
			if err != nil {
				return nil, err
			}
			for _, u := range units {
				if u.ActiveState == "failed" {
					warnings = append(warnings, Warning{
						ServerID: h.ID, Hostname: h.Hostname, Kind: WarningSystemd, Item: u.Name,
						Message:  "unit in failed state",
						Severity: store.SeverityCritical,
					})
				}
			}
		}
		if gates[WarningDisk] {
			mounts, err := e.store.MountsForHost(ctx, h.ID)
			if err != nil {
				return nil, err
			}
			for _, m := range mounts {
				if m.UsePct < liveDiskWarnPct {
					continue
				}
				severity := store.SeverityWarning
				if m.UsePct >= liveDiskCritPct {
					severity = store.SeverityCritical
				}
				warnings = append(warnings, Warning{
					ServerID: h.ID, Hostname: h.Hostname, Kind: WarningDisk, Item: m.Mountpoint,
					Message:  fmt.Sprintf("mount at %.0f%% usage", m.UsePct),
					Severity: severity,
				})
			}
		}
	}

	rank := map[string]int{store.SeverityCritical: 0, store.SeverityWarning: 1, store.SeverityInfo: 2}
	sort.SliceStable(warnings, func(i, j int) bool {
		if rank[warnings[i].Severity] != rank[warnings[j].Severity] {
			return rank[warnings[i].Severity] < rank[warnings[j].Severity]
		}
		if warnings[i].ServerID != warnings[j].ServerID {
			return warnings[i].ServerID < warnings[j].ServerID
		}
		return warnings[i].Item < warnings[j].Item
	})
	return warnings, nil
}
