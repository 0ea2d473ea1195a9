package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/systemmap/backend/internal/store"
)

// keyed gives every category entry a deterministic identity within its
// category. An entry whose key changes shows up as a remove plus an add.
type keyed interface {
	key() string
}

func (s serviceEntry) key() string { return fmt.Sprintf("%s:%d:%s", s.Name, s.Port, s.Protocol) }

func (m mountEntry) key() string { return m.Mountpoint }

func (c containerEntry) key() string { return c.Name }

func (u unitEntry) key() string { return u.Name }

func (c cronJobEntry) key() string { return c.User + ":" + c.Schedule + ":" + c.Command }

func (c certEntry) key() string { return c.Path }

func (u userEntry) key() string { return fmt.Sprintf("%s:%d", u.Username, u.UID) }

func (i ifaceEntry) key() string { return i.Name }

// Diff compares two stable documents category by category. Within a
// category, events come out as adds, then removes, then modifications,
// each sorted by item key; a changed serverMeta yields one synthetic
// event at the end.
func Diff(before, after *Document) []store.DiffEvent {
	var events []store.DiffEvent
	events = append(events, diffCategory("services", before.Services, after.Services, serviceSeverity)...)
	events = append(events, diffCategory("mounts", before.Mounts, after.Mounts, mountSeverity)...)
	events = append(events, diffCategory("containers", before.Containers, after.Containers, containerSeverity)...)
	events = append(events, diffCategory("systemdUnits", before.SystemdUnits, after.SystemdUnits, unitSeverity)...)
	events = append(events, diffCategory("cronJobs", before.CronJobs, after.CronJobs, infoSeverity[cronJobEntry])...)
	events = append(events, diffCategory("certificates", before.Certificates, after.Certificates, certSeverity)...)
	events = append(events, diffCategory("userAccounts", before.UserAccounts, after.UserAccounts, userSeverity)...)
	events = append(events, diffCategory("interfaces", before.Interfaces, after.Interfaces, infoSeverity[ifaceEntry])...)
	if ev := metaEvent(before.ServerMeta, after.ServerMeta); ev != nil {
		events = append(events, *ev)
	}
	return events
}

func diffCategory[T keyed](category string, before, after []T, severity func(change string, old, cur *T) string) []store.DiffEvent {
	oldByKey := entryMap(before)
	newByKey := entryMap(after)

	var events []store.DiffEvent
	for _, k := range sortedKeys(newByKey) {
		if _, ok := oldByKey[k]; ok {
			continue
		}
		cur := newByKey[k]
		events = append(events, store.DiffEvent{
			Category:   category,
			ChangeType: store.ChangeAdded,
			ItemKey:    k,
			NewValue:   entryJSON(cur),
			Severity:   severity(store.ChangeAdded, nil, cur),
		})
	}
	for _, k := range sortedKeys(oldByKey) {
		if _, ok := newByKey[k]; ok {
			continue
		}
		old := oldByKey[k]
		events = append(events, store.DiffEvent{
			Category:   category,
			ChangeType: store.ChangeRemoved,
			ItemKey:    k,
			OldValue:   entryJSON(old),
			Severity:   severity(store.ChangeRemoved, old, nil),
		})
	}
	for _, k := range sortedKeys(newByKey) {
		old, ok := oldByKey[k]
		if !ok {
			continue
		}
		cur := newByKey[k]
		oldRaw, curRaw := entryJSON(old), entryJSON(cur)
		if bytes.Equal(oldRaw, curRaw) {
			continue
		}
		events = append(events, store.DiffEvent{
			Category:   category,
			ChangeType: store.ChangeModified,
			ItemKey:    k,
			OldValue:   oldRaw,
			NewValue:   curRaw,
			Severity:   severity(store.ChangeModified, old, cur),
		})
	}
	return events
}

func entryMap[T keyed](items []T) map[string]*T {
	m := make(map[string]*T, len(items))
	for i := range items {
		m[items[i].key()] = &items[i]
	}
	return m
}

func sortedKeys[T any](m map[string]*T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// entryJSON is deterministic for the entry structs here since encoding/json
// emits struct fields in declaration order.
func entryJSON(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

func serviceSeverity(change string, _, _ *serviceEntry) string {
	if change == store.ChangeModified {
		return store.SeverityInfo
	}
	return store.SeverityWarning
}

// mountSeverity grades modifications on the new fill level; appearing or
// disappearing filesystems are always worth a look.
func mountSeverity(change string, _, cur *mountEntry) string {
	if change != store.ChangeModified {
		return store.SeverityWarning
	}
	switch {
	case cur.UsePct >= 95:
		return store.SeverityCritical
	case cur.UsePct >= 90:
		return store.SeverityWarning
	default:
		return store.SeverityInfo
	}
}

func containerSeverity(string, *containerEntry, *containerEntry) string {
	return store.SeverityWarning
}

func unitSeverity(change string, _, cur *unitEntry) string {
	if change == store.ChangeModified && cur.ActiveState == "failed" {
		return store.SeverityCritical
	}
	return store.SeverityWarning
}

func certSeverity(change string, _, cur *certEntry) string {
	switch change {
	case store.ChangeRemoved:
		return store.SeverityCritical
	case store.ChangeModified:
		if cur.IsExpired {
			return store.SeverityCritical
		}
		return store.SeverityWarning
	default:
		return store.SeverityInfo
	}
}

func userSeverity(change string, _, _ *userEntry) string {
	if change == store.ChangeModified {
		return store.SeverityInfo
	}
	return store.SeverityWarning
}

func infoSeverity[T keyed](string, *T, *T) string {
	return store.SeverityInfo
}

// metaEvent emits one synthetic modified event when the server identity
// fields change. OS and kernel moves are warnings, the rest informational.
func metaEvent(before, after serverMeta) *store.DiffEvent {
	changed := changedMetaFields(before, after)
	if len(changed) == 0 {
		return nil
	}
	severity := store.SeverityInfo
	for _, f := range changed {
		if f == "os" || f == "kernel" {
			severity = store.SeverityWarning
		}
	}
	return &store.DiffEvent{
		Category:   "serverMeta",
		ChangeType: store.ChangeModified,
		ItemKey:    "meta:" + strings.Join(changed, ","),
		OldValue:   entryJSON(before),
		NewValue:   entryJSON(after),
		Severity:   severity,
	}
}

func changedMetaFields(before, after serverMeta) []string {
	var changed []string
	if before.Hostname != after.Hostname {
		changed = append(changed, "hostname")
	}
	if before.OS != after.OS {
		changed = append(changed, "os")
	}
	if before.Kernel != after.Kernel {
		changed = append(changed, "kernel")
	}
	if before.CPU != after.CPU {
		changed = append(changed, "cpu")
	}
	if before.MemoryMB != after.MemoryMB {
		changed = append(changed, "memoryMb")
	}
	return changed
}
