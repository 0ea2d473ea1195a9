// Package snapshot turns the current inventory of a host into an
// append-only numbered document and derives change events against the
// previous one. Documents keep only the stable projections of the
// inventory; row ids, byte counters and per-process load never enter
// them, so two scans of an unchanged machine hash identically.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/systemmap/backend/internal/logging"
	"github.com/systemmap/backend/internal/store"
)

// maxSnapshotProcesses caps the volatile process list carried for display.
const maxSnapshotProcesses = 50

// Result summarises one snapshot-and-diff pass over a host.
type Result struct {
	SnapshotID  int64 `json:"snapshotId"`
	ScanNumber  int   `json:"scanNumber"`
	DiffCount   int   `json:"diffCount"`
	IsFirstScan bool  `json:"isFirstScan"`
}

// Engine builds snapshot documents from the store and persists them
// together with their diff events.
type Engine struct {
	store *store.Store
	log   zerolog.Logger
}

func NewEngine(st *store.Store) *Engine {
	return &Engine{store: st, log: logging.WithComponent("snapshot")}
}

// Document is the stable projection of a host's inventory. The processes
// list and processCount are carried for display but excluded from the
// checksum, so they never trigger diffs.
type Document struct {
	Services     []serviceEntry   `json:"services"`
	Mounts       []mountEntry     `json:"mounts"`
	Containers   []containerEntry `json:"containers"`
	SystemdUnits []unitEntry      `json:"systemdUnits"`
	CronJobs     []cronJobEntry   `json:"cronJobs"`
	Certificates []certEntry      `json:"certificates"`
	UserAccounts []userEntry      `json:"userAccounts"`
	Interfaces   []ifaceEntry     `json:"interfaces"`
	Processes    []processEntry   `json:"processes"`
	ProcessCount int              `json:"processCount"`
	ServerMeta   serverMeta       `json:"serverMeta"`
}

type serviceEntry struct {
	Name        string `json:"name"`
	Port        int    `json:"port"`
	Protocol    string `json:"protocol"`
	BindAddress string `json:"bindAddress"`
}

// mountEntry omits usedMb: df reports whole percents, so usePct moves only
// when usage crosses a percent boundary instead of on every written block.
type mountEntry struct {
	Device     string  `json:"device"`
	Mountpoint string  `json:"mountpoint"`
	FSType     string  `json:"fsType"`
	SizeMB     int64   `json:"sizeMb"`
	UsePct     float64 `json:"usePct"`
}

type containerEntry struct {
	ContainerID string   `json:"containerId"`
	Name        string   `json:"name"`
	Image       string   `json:"image"`
	State       string   `json:"state"`
	Ports       []string `json:"ports"`
	Networks    []string `json:"networks"`
	Volumes     []string `json:"volumes"`
}

type unitEntry struct {
	Name        string `json:"name"`
	ActiveState string `json:"activeState"`
	SubState    string `json:"subState"`
	Enabled     bool   `json:"enabled"`
}

type cronJobEntry struct {
	User     string `json:"user"`
	Schedule string `json:"schedule"`
	Command  string `json:"command"`
	Source   string `json:"source"`
}

// certEntry omits daysLeft, which decrements daily and would produce a
// modified event on every scan.
type certEntry struct {
	Path       string   `json:"path"`
	Subject    string   `json:"subject"`
	Issuer     string   `json:"issuer"`
	ValidFrom  string   `json:"validFrom"`
	ValidTo    string   `json:"validTo"`
	IsExpired  bool     `json:"isExpired"`
	SANDomains []string `json:"sanDomains"`
}

type userEntry struct {
	Username string   `json:"username"`
	UID      int64    `json:"uid"`
	GID      int64    `json:"gid"`
	Shell    string   `json:"shell"`
	HomeDir  string   `json:"homeDir"`
	HasLogin bool     `json:"hasLogin"`
	Groups   []string `json:"groups"`
}

// ifaceEntry omits the rx/tx byte counters.
type ifaceEntry struct {
	Name  string `json:"name"`
	IP    string `json:"ip"`
	MAC   string `json:"mac"`
	State string `json:"state"`
	MTU   int    `json:"mtu"`
}

type processEntry struct {
	PID     int64   `json:"pid"`
	User    string  `json:"user"`
	CPUPct  float64 `json:"cpuPct"`
	MemMB   float64 `json:"memMb"`
	Command string  `json:"command"`
}

type serverMeta struct {
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Kernel   string `json:"kernel"`
	CPU      string `json:"cpu"`
	MemoryMB int64  `json:"memoryMb"`
}

// SnapshotAndDiff builds the stable document for a host, appends it as the
// next numbered snapshot and writes diff events against the prior one.
// First scans and checksum-identical scans produce no events.
func (e *Engine) SnapshotAndDiff(ctx context.Context, serverID int64) (*Result, error) {
	host, err := e.store.GetHost(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to load host %d: %w", serverID, err)
	}
	doc, err := e.buildDocument(ctx, host)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to serialise snapshot document: %w", err)
	}
	checksum, err := doc.Checksum()
	if err != nil {
		return nil, err
	}

	prior, err := e.store.LatestSnapshot(ctx, serverID)
	if err != nil {
		return nil, err
	}
	scanNumber := 1
	if prior != nil {
		scanNumber = prior.ScanNumber + 1
	}
	snap := &store.Snapshot{ServerID: serverID, ScanNumber: scanNumber, Document: raw, Checksum: checksum}
	if err := e.store.InsertSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	res := &Result{SnapshotID: snap.ID, ScanNumber: scanNumber, IsFirstScan: prior == nil}
	if prior == nil {
		e.log.Info().Int64("host", serverID).Msg("first snapshot recorded")
		return res, nil
	}
	if prior.Checksum == checksum {
		e.log.Debug().Int64("host", serverID).Int("scan", scanNumber).Msg("inventory unchanged")
		return res, nil
	}

	var before Document
	if err := json.Unmarshal(prior.Document, &before); err != nil {
		// A corrupt prior document breaks the chain once; the next scan
		// diffs against the snapshot written above.
		e.log.Warn().Err(err).Int64("host", serverID).Int("scan", prior.ScanNumber).
			Msg("prior snapshot unreadable, skipping diff")
		return res, nil
	}
	events := Diff(&before, doc)
	for i := range events {
		events[i].ServerID = serverID
		events[i].SnapshotID = snap.ID
	}
	if err := e.store.InsertDiffEvents(ctx, events); err != nil {
		return nil, err
	}
	res.DiffCount = len(events)
	e.log.Info().Int64("host", serverID).Int("scan", scanNumber).
		Int("diffs", len(events)).Msg("snapshot diffed")
	return res, nil
}

func (e *Engine) buildDocument(ctx context.Context, host *store.Host) (*Document, error) {
	services, err := e.store.ServicesForHost(ctx, host.ID)
	if err != nil {
		return nil, err
	}
	mounts, err := e.store.MountsForHost(ctx, host.ID)
	if err != nil {
		return nil, err
	}
	containers, err := e.store.ContainersForHost(ctx, host.ID)
	if err != nil {
		return nil, err
	}
	units, err := e.store.SystemdUnitsForHost(ctx, host.ID)
	if err != nil {
		return nil, err
	}
	crons, err := e.store.CronEntriesForHost(ctx, host.ID)
	if err != nil {
		return nil, err
	}
	certs, err := e.store.SslCertsForHost(ctx, host.ID)
	if err != nil {
		return nil, err
	}
	users, err := e.store.UserAccountsForHost(ctx, host.ID)
	if err != nil {
		return nil, err
	}
	ifaces, err := e.store.InterfacesForHost(ctx, host.ID)
	if err != nil {
		return nil, err
	}
	procs, err := e.store.ProcessesForHost(ctx, host.ID)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		Services:     make([]serviceEntry, 0, len(services)),
		Mounts:       make([]mountEntry, 0, len(mounts)),
		Containers:   make([]containerEntry, 0, len(containers)),
		SystemdUnits: make([]unitEntry, 0, len(units)),
		CronJobs:     make([]cronJobEntry, 0, len(crons)),
		Certificates: make([]certEntry, 0, len(certs)),
		UserAccounts: make([]userEntry, 0, len(users)),
		Interfaces:   make([]ifaceEntry, 0, len(ifaces)),
		Processes:    make([]processEntry, 0, maxSnapshotProcesses),
		ProcessCount: len(procs),
		ServerMeta: serverMeta{
			Hostname: host.Hostname,
			OS:       strings.TrimSpace(host.OSName + " " + host.OSVersion),
			Kernel:   host.Kernel,
			CPU:      host.CPUInfo,
			MemoryMB: host.MemoryMB,
		},
	}
	for _, s := range services {
		doc.Services = append(doc.Services, serviceEntry{
			Name: s.Name, Port: s.Port, Protocol: s.Protocol, BindAddress: s.BindAddress,
		})
	}
	for _, m := range mounts {
		doc.Mounts = append(doc.Mounts, mountEntry{
			Device: m.Device, Mountpoint: m.Mountpoint, FSType: m.FSType,
			SizeMB: m.SizeMB, UsePct: m.UsePct,
		})
	}
	for _, c := range containers {
		doc.Containers = append(doc.Containers, containerEntry{
			ContainerID: c.ContainerID, Name: c.Name, Image: c.Image, State: c.State,
			Ports:    append([]string{}, c.Ports...),
			Networks: append([]string{}, c.Networks...),
			Volumes:  append([]string{}, c.Volumes...),
		})
	}
	for _, u := range units {
		doc.SystemdUnits = append(doc.SystemdUnits, unitEntry{
			Name: u.Name, ActiveState: u.ActiveState, SubState: u.SubState, Enabled: u.Enabled,
		})
	}
	for _, c := range crons {
		doc.CronJobs = append(doc.CronJobs, cronJobEntry{
			User: c.CronUser, Schedule: c.Schedule, Command: c.Command, Source: c.Source,
		})
	}
	for _, c := range certs {
		doc.Certificates = append(doc.Certificates, certEntry{
			Path: c.Path, Subject: c.Subject, Issuer: c.Issuer,
			ValidFrom: isoTime(c.ValidFrom), ValidTo: isoTime(c.ValidTo),
			IsExpired: c.IsExpired, SANDomains: append([]string{}, c.SANDomains...),
		})
	}
	for _, u := range users {
		doc.UserAccounts = append(doc.UserAccounts, userEntry{
			Username: u.Username, UID: u.UID, GID: u.GID, Shell: u.Shell,
			HomeDir: u.HomeDir, HasLogin: u.HasLogin,
			Groups: append([]string{}, u.Groups...),
		})
	}
	for _, i := range ifaces {
		doc.Interfaces = append(doc.Interfaces, ifaceEntry{
			Name: i.Name, IP: i.IP, MAC: i.MAC, State: i.State, MTU: i.MTU,
		})
	}
	for i, p := range procs {
		if i == maxSnapshotProcesses {
			break
		}
		doc.Processes = append(doc.Processes, processEntry{
			PID: p.PID, User: p.ProcUser, CPUPct: p.CPUPct, MemMB: p.MemMB, Command: p.Command,
		})
	}
	return doc, nil
}

// Checksum hashes the canonical JSON form of the document with the volatile
// process fields removed. Round-tripping through a map sorts object keys,
// so equivalent documents always hash the same.
func (d *Document) Checksum() (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to serialise document for checksum: %w", err)
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("failed to canonicalise document: %w", err)
	}
	delete(generic, "processes")
	delete(generic, "processCount")
	canon, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalise document: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func isoTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
