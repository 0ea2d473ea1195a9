// Package inventory maps a gather document onto the relational inventory.
// The whole mapping runs in one transaction so a failed scan never leaves a
// host half-updated.
package inventory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/systemmap/backend/internal/logging"
	"github.com/systemmap/backend/internal/rawdoc"
	"github.com/systemmap/backend/internal/store"
)

// ErrMissingOS marks a document without the os section. The scan job treats
// it as permanent, like a parse failure.
var ErrMissingOS = errors.New("gather document missing os section")

// Field truncation limits applied before insert.
const (
	maxNameLen    = 255
	maxCommandLen = 500
	maxArgsLen    = 2000
	maxLogLineLen = 500
)

// Counts reports how many rows each child collection received.
type Counts struct {
	Services     int `json:"services"`
	Mounts       int `json:"mounts"`
	Interfaces   int `json:"interfaces"`
	Containers   int `json:"containers"`
	CronEntries  int `json:"cronEntries"`
	SystemdUnits int `json:"systemdUnits"`
	SslCerts     int `json:"sslCerts"`
	LvmVolumes   int `json:"lvmVolumes"`
	UserAccounts int `json:"userAccounts"`
	Processes    int `json:"processes"`
	LogEntries   int `json:"logEntries"`
}

// Total sums all child rows.
func (c Counts) Total() int {
	return c.Services + c.Mounts + c.Interfaces + c.Containers + c.CronEntries +
		c.SystemdUnits + c.SslCerts + c.LvmVolumes + c.UserAccounts + c.Processes + c.LogEntries
}

// Mapper persists gather documents.
type Mapper struct {
	store *store.Store
	log   zerolog.Logger
}

func NewMapper(st *store.Store) *Mapper {
	return &Mapper{store: st, log: logging.WithComponent("inventory")}
}

// MapDocument updates the host row and swaps every child collection inside
// one transaction. raw is the document as received; when nil it is
// re-serialised from doc.
func (m *Mapper) MapDocument(ctx context.Context, serverID int64, doc rawdoc.Doc, raw []byte) (Counts, error) {
	osSec := rawdoc.Object(doc, "os")
	if len(osSec) == 0 {
		return Counts{}, ErrMissingOS
	}
	if raw == nil {
		var err error
		raw, err = json.Marshal(doc)
		if err != nil {
			return Counts{}, fmt.Errorf("failed to serialise document: %w", err)
		}
	}

	update := hostUpdate(osSec, raw)
	mounts := parseMounts(doc)

	services := parseServices(doc)
	interfaces := parseInterfaces(doc)
	containers := parseContainers(doc)
	crons := parseCronEntries(doc)
	units := parseSystemdUnits(doc)
	certs := parseSslCerts(doc)
	lvm := parseLvmVolumes(doc, mounts)
	users := parseUserAccounts(doc)
	procs := parseProcesses(doc)
	logLines := parseLogEntries(doc)

	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.ApplyHostScanUpdate(ctx, tx, serverID, update); err != nil {
			return err
		}
		if err := store.ReplaceServices(ctx, tx, serverID, services); err != nil {
			return err
		}
		if err := store.ReplaceMounts(ctx, tx, serverID, mounts); err != nil {
			return err
		}
		if err := store.ReplaceInterfaces(ctx, tx, serverID, interfaces); err != nil {
			return err
		}
		if err := store.ReplaceContainers(ctx, tx, serverID, containers); err != nil {
			return err
		}
		if err := store.ReplaceCronEntries(ctx, tx, serverID, crons); err != nil {
			return err
		}
		if err := store.ReplaceSystemdUnits(ctx, tx, serverID, units); err != nil {
			return err
		}
		if err := store.ReplaceSslCerts(ctx, tx, serverID, certs); err != nil {
			return err
		}
		if err := store.ReplaceLvmVolumes(ctx, tx, serverID, lvm); err != nil {
			return err
		}
		if err := store.ReplaceUserAccounts(ctx, tx, serverID, users); err != nil {
			return err
		}
		if err := store.ReplaceProcesses(ctx, tx, serverID, procs); err != nil {
			return err
		}
		return store.ReplaceLogEntries(ctx, tx, serverID, logLines)
	})
	if err != nil {
		return Counts{}, err
	}

	counts := Counts{
		Services:     len(services),
		Mounts:       len(mounts),
		Interfaces:   len(interfaces),
		Containers:   len(containers),
		CronEntries:  len(crons),
		SystemdUnits: len(units),
		SslCerts:     len(certs),
		LvmVolumes:   len(lvm),
		UserAccounts: len(users),
		Processes:    len(procs),
		LogEntries:   len(logLines),
	}
	m.log.Info().Int64("host_id", serverID).Int("rows", counts.Total()).Msg("inventory mapped")
	return counts, nil
}

func hostUpdate(osSec rawdoc.Doc, raw []byte) store.HostScanUpdate {
	model := rawdoc.Str(osSec, "cpuModel")
	cores := rawdoc.SafeInt(osSec, "cpuCores")
	cpu := model
	switch {
	case model != "" && cores > 0:
		cpu = fmt.Sprintf("%s (%d cores)", model, cores)
	case model == "" && cores > 0:
		cpu = fmt.Sprintf("%d cores", cores)
	}
	return store.HostScanUpdate{
		Hostname:  rawdoc.Truncate(rawdoc.Str(osSec, "hostname"), maxNameLen),
		OSName:    rawdoc.Truncate(rawdoc.Str(osSec, "os"), maxNameLen),
		OSVersion: rawdoc.Truncate(rawdoc.Str(osSec, "osVersion"), maxNameLen),
		Kernel:    rawdoc.Truncate(rawdoc.Str(osSec, "kernel"), maxNameLen),
		CPUInfo:   rawdoc.Truncate(cpu, maxNameLen),
		MemoryMB:  int64(rawdoc.SafeInt(osSec, "memoryMb")),
		RawDoc:    raw,
	}
}

// parseServices derives service rows from the listeners section,
// de-duplicated by (process, port, protocol).
func parseServices(doc rawdoc.Doc) []store.Service {
	type key struct {
		name  string
		port  int
		proto string
	}
	seen := map[key]bool{}
	var out []store.Service
	for _, l := range rawdoc.Objects(doc, "listeners") {
		port := int(rawdoc.SafeInt(l, "port"))
		if port <= 0 || port > 65535 {
			continue
		}
		name := rawdoc.Truncate(rawdoc.Str(l, "process"), maxNameLen)
		proto := strings.ToLower(rawdoc.Str(l, "proto"))
		k := key{name, port, proto}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, store.Service{
			Name:        name,
			Port:        port,
			Protocol:    proto,
			BindAddress: rawdoc.Truncate(rawdoc.Str(l, "bindAddress"), maxNameLen),
			State:       rawdoc.Truncate(strings.ToLower(rawdoc.Str(l, "state")), 32),
			PID:         int64(rawdoc.SafeInt(l, "pid")),
		})
	}
	return out
}

func parseMounts(doc rawdoc.Doc) []store.Mount {
	var out []store.Mount
	for _, m := range rawdoc.Objects(doc, "mounts") {
		mp := rawdoc.Str(m, "mountpoint")
		if mp == "" {
			continue
		}
		out = append(out, store.Mount{
			Device:     rawdoc.Truncate(rawdoc.Str(m, "device"), maxNameLen),
			Mountpoint: rawdoc.Truncate(mp, maxNameLen),
			FSType:     rawdoc.Truncate(rawdoc.Str(m, "fstype"), 64),
			SizeMB:     int64(rawdoc.SafeInt(m, "sizeKb") / 1024),
			UsedMB:     int64(rawdoc.SafeInt(m, "usedKb") / 1024),
			UsePct:     rawdoc.SafeFloat(m, "usePct"),
		})
	}
	return out
}

func parseInterfaces(doc rawdoc.Doc) []store.Interface {
	var out []store.Interface
	for _, i := range rawdoc.Objects(doc, "interfaces") {
		name := rawdoc.Str(i, "name")
		if name == "" {
			continue
		}
		out = append(out, store.Interface{
			Name:    rawdoc.Truncate(name, 64),
			IP:      rawdoc.Truncate(rawdoc.Str(i, "ip"), 64),
			MAC:     rawdoc.Truncate(rawdoc.Str(i, "mac"), 32),
			State:   rawdoc.Truncate(rawdoc.Str(i, "state"), 32),
			MTU:     int(rawdoc.SafeInt(i, "mtu")),
			RxBytes: int64(rawdoc.SafeInt(i, "rxBytes")),
			TxBytes: int64(rawdoc.SafeInt(i, "txBytes")),
		})
	}
	return out
}

func parseContainers(doc rawdoc.Doc) []store.DockerContainer {
	var out []store.DockerContainer
	for _, c := range rawdoc.Objects(doc, "docker_containers") {
		id := rawdoc.Str(c, "id")
		if id == "" {
			continue
		}
		out = append(out, store.DockerContainer{
			ContainerID: rawdoc.Truncate(id, 128),
			Name:        rawdoc.Truncate(rawdoc.Str(c, "name"), maxNameLen),
			Image:       rawdoc.Truncate(rawdoc.Str(c, "image"), maxNameLen),
			State:       rawdoc.Truncate(rawdoc.Str(c, "state"), 32),
			Ports:       stringArray(c, "ports"),
			Networks:    stringArray(c, "networks"),
			Env:         stringArray(c, "env"),
			Volumes:     stringArray(c, "volumes"),
		})
	}
	return out
}

func parseCronEntries(doc rawdoc.Doc) []store.CronEntry {
	var out []store.CronEntry
	for _, c := range rawdoc.Objects(doc, "cron_jobs") {
		cmd := rawdoc.Str(c, "command")
		if cmd == "" {
			continue
		}
		out = append(out, store.CronEntry{
			CronUser: rawdoc.Truncate(rawdoc.Str(c, "user"), 64),
			Schedule: rawdoc.Truncate(rawdoc.Str(c, "schedule"), 64),
			Command:  rawdoc.Truncate(cmd, maxCommandLen),
			Source:   rawdoc.Truncate(rawdoc.Str(c, "source"), maxNameLen),
		})
	}
	return out
}

// parseSystemdUnits keeps only units in activeState active or failed.
func parseSystemdUnits(doc rawdoc.Doc) []store.SystemdUnit {
	var out []store.SystemdUnit
	for _, u := range rawdoc.Objects(doc, "systemd_units") {
		state := strings.ToLower(rawdoc.Str(u, "activeState"))
		if state != "active" && state != "failed" {
			continue
		}
		name := rawdoc.Str(u, "name")
		if name == "" {
			continue
		}
		unitType := "service"
		if i := strings.LastIndexByte(name, '.'); i >= 0 && i < len(name)-1 {
			unitType = name[i+1:]
		}
		out = append(out, store.SystemdUnit{
			Name:        rawdoc.Truncate(name, maxNameLen),
			UnitType:    unitType,
			ActiveState: state,
			SubState:    rawdoc.Truncate(strings.ToLower(rawdoc.Str(u, "subState")), 32),
			MainPID:     int64(rawdoc.SafeInt(u, "mainPid")),
			MemoryMB:    rawdoc.SafeFloat(u, "memoryMb"),
			CPUSec:      rawdoc.SafeFloat(u, "cpuSec"),
			Enabled:     rawdoc.Bool(u, "enabled"),
		})
	}
	return out
}

func parseSslCerts(doc rawdoc.Doc) []store.SslCert {
	var out []store.SslCert
	for _, c := range rawdoc.Objects(doc, "ssl_certificates") {
		path := rawdoc.Str(c, "path")
		if path == "" {
			continue
		}
		out = append(out, store.SslCert{
			Path:       rawdoc.Truncate(path, maxNameLen),
			Subject:    rawdoc.Truncate(rawdoc.Str(c, "subject"), maxNameLen),
			Issuer:     rawdoc.Truncate(rawdoc.Str(c, "issuer"), maxNameLen),
			ValidFrom:  parseTime(rawdoc.Str(c, "validFrom")),
			ValidTo:    parseTime(rawdoc.Str(c, "validTo")),
			IsExpired:  rawdoc.Bool(c, "expired"),
			DaysLeft:   int(rawdoc.SafeInt(c, "daysLeft")),
			SANDomains: stringArray(c, "sans"),
		})
	}
	return out
}

// parseLvmVolumes joins volumes to mountpoints via the device path. LVM
// device-mapper names double any dash inside vg or lv names.
func parseLvmVolumes(doc rawdoc.Doc, mounts []store.Mount) []store.LvmVolume {
	byDevice := make(map[string]string, len(mounts))
	for _, m := range mounts {
		byDevice[m.Device] = m.Mountpoint
	}
	var out []store.LvmVolume
	for _, v := range rawdoc.Objects(doc, "lvm") {
		vg := rawdoc.Str(v, "vg")
		lv := rawdoc.Str(v, "lv")
		if vg == "" || lv == "" {
			continue
		}
		path := rawdoc.Str(v, "path")
		mp := byDevice[path]
		if mp == "" {
			mapper := "/dev/mapper/" + strings.ReplaceAll(vg, "-", "--") + "-" + strings.ReplaceAll(lv, "-", "--")
			mp = byDevice[mapper]
		}
		out = append(out, store.LvmVolume{
			VGName:     rawdoc.Truncate(vg, maxNameLen),
			LVName:     rawdoc.Truncate(lv, maxNameLen),
			DevicePath: rawdoc.Truncate(path, maxNameLen),
			SizeMB:     int64(rawdoc.SafeInt(v, "sizeMb")),
			Mountpoint: rawdoc.Truncate(mp, maxNameLen),
		})
	}
	return out
}

func parseUserAccounts(doc rawdoc.Doc) []store.UserAccount {
	var out []store.UserAccount
	for _, u := range rawdoc.Objects(doc, "user_accounts") {
		name := rawdoc.Str(u, "username")
		if name == "" {
			continue
		}
		out = append(out, store.UserAccount{
			Username: rawdoc.Truncate(name, maxNameLen),
			UID:      int64(rawdoc.SafeInt(u, "uid")),
			GID:      int64(rawdoc.SafeInt(u, "gid")),
			Shell:    rawdoc.Truncate(rawdoc.Str(u, "shell"), maxNameLen),
			HomeDir:  rawdoc.Truncate(rawdoc.Str(u, "home"), maxNameLen),
			HasLogin: rawdoc.Bool(u, "hasLogin"),
			Groups:   stringArray(u, "groups"),
		})
	}
	return out
}

func parseProcesses(doc rawdoc.Doc) []store.Process {
	var out []store.Process
	for _, p := range rawdoc.Objects(doc, "processes") {
		pid := rawdoc.SafeInt(p, "pid")
		if pid <= 0 {
			continue
		}
		args := rawdoc.Truncate(rawdoc.Str(p, "args"), maxArgsLen)
		fullPath := ""
		if first := strings.Fields(args); len(first) > 0 && strings.HasPrefix(first[0], "/") {
			fullPath = first[0]
		}
		out = append(out, store.Process{
			PID:      int64(pid),
			PPID:     int64(rawdoc.SafeInt(p, "ppid")),
			ProcUser: rawdoc.Truncate(rawdoc.Str(p, "user"), 64),
			CPUPct:   rawdoc.SafeFloat(p, "cpuPct"),
			MemMB:    float64(rawdoc.SafeInt(p, "rssKb")) / 1024,
			Command:  rawdoc.Truncate(rawdoc.Str(p, "command"), maxCommandLen),
			FullPath: rawdoc.Truncate(fullPath, maxNameLen),
			Args:     args,
		})
	}
	return out
}

// parseLogEntries flattens the logs section; only this collection's lines
// are retained, replacing the previous scan's rows.
func parseLogEntries(doc rawdoc.Doc) []store.LogEntry {
	var out []store.LogEntry
	for _, src := range rawdoc.Objects(doc, "logs") {
		source := rawdoc.Truncate(rawdoc.Str(src, "source"), maxNameLen)
		lines, _ := src["lines"].([]interface{})
		for _, raw := range lines {
			line, ok := raw.(string)
			if !ok || line == "" {
				continue
			}
			out = append(out, store.LogEntry{
				Source:   source,
				Level:    inferLogLevel(line),
				Line:     rawdoc.Truncate(line, maxLogLineLen),
				LoggedAt: parseLogTimestamp(line),
			})
		}
	}
	return out
}

func inferLogLevel(line string) string {
	l := strings.ToLower(line)
	switch {
	case strings.Contains(l, "crit") || strings.Contains(l, "panic") || strings.Contains(l, "fatal"):
		return "critical"
	case strings.Contains(l, "error") || strings.Contains(l, "err:") || strings.Contains(l, " err "):
		return "error"
	case strings.Contains(l, "warn"):
		return "warning"
	default:
		return "info"
	}
}

var logTimeLayouts = []string{
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

// parseLogTimestamp tries the journal short-iso prefix and common file
// formats; nil when nothing matches.
func parseLogTimestamp(line string) *time.Time {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	for _, layout := range logTimeLayouts {
		if t, err := time.Parse(layout, fields[0]); err == nil {
			return &t
		}
		if len(fields) >= 2 {
			if t, err := time.Parse(layout, fields[0]+" "+fields[1]); err == nil {
				return &t
			}
		}
	}
	return nil
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t
	}
	return nil
}

func stringArray(d rawdoc.Doc, key string) []string {
	items, _ := d[key].([]interface{})
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
