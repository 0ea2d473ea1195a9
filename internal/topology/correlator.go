// Package topology derives directed connection edges for a host from its
// raw gather document. Six evidence sources contribute; duplicates collapse
// on (targetIp, targetPort, sourceProcess) with the earlier source winning.
package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/systemmap/backend/internal/logging"
	"github.com/systemmap/backend/internal/rawdoc"
	"github.com/systemmap/backend/internal/store"
)

// Scheme defaults applied when a connection URL omits the port.
var schemePorts = map[string]int{
	"postgres":   5432,
	"postgresql": 5432,
	"mysql":      3306,
	"redis":      6379,
	"rediss":     6379,
	"mongodb":    27017,
	"amqp":       5672,
	"amqps":      5671,
	"http":       80,
	"https":      443,
}

var (
	connURLRe       = regexp.MustCompile(`(?i)^(postgres|postgresql|mysql|redis|rediss|mongodb|amqps?|https?)://(?:[^@/\s]+@)?([^/:\s]+)(?::(\d+))?`)
	genericEnvRe    = regexp.MustCompile(`(?i)_(HOST|ADDR|SERVER)$`)
	proxyPassRe     = regexp.MustCompile(`(?i)proxy_pass\s+([^;\s]+)`)
	apacheProxyRe   = regexp.MustCompile(`(?i)ProxyPass(?:Reverse)?\s+\S+\s+(\S+)`)
	dockerMapRe     = regexp.MustCompile(`^(\d{1,3}(?:\.\d{1,3}){3}):(\d+)->`)
	nginxUpstreamRe = regexp.MustCompile(`(?i)^\s*upstream\s+\S+\s*\{`)
	nginxServerRe   = regexp.MustCompile(`(?i)^\s*server\s+([^;\s]+)`)
	haSectionRe     = regexp.MustCompile(`(?i)^\s*(backend|frontend|listen)\b`)
	haOtherRe       = regexp.MustCompile(`(?i)^\s*(global|defaults|resolvers|peers)\b`)
	haServerRe      = regexp.MustCompile(`(?i)^\s*server\s+\S+\s+(\S+)`)
)

// Correlator rebuilds a host's outgoing edges.
type Correlator struct {
	store *store.Store
	log   zerolog.Logger
}

func NewCorrelator(st *store.Store) *Correlator {
	return &Correlator{store: st, log: logging.WithComponent("topology")}
}

// Correlate loads the host's raw document and the fleet index, extracts
// edges and replaces the stored set. Returns the new edge count.
func (c *Correlator) Correlate(ctx context.Context, host *store.Host) (int, error) {
	raw, err := c.store.RawScanData(ctx, host.ID)
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		return 0, fmt.Errorf("host %d has no raw scan data", host.ID)
	}
	doc, err := rawdoc.Parse(raw)
	if err != nil {
		return 0, fmt.Errorf("failed to parse raw scan data for host %d: %w", host.ID, err)
	}
	idx, err := c.store.LoadHostIndex(ctx)
	if err != nil {
		return 0, err
	}

	edges := ExtractEdges(host, doc, idx)
	if err := c.store.ReplaceEdges(ctx, host.ID, edges); err != nil {
		return 0, err
	}
	c.log.Info().Int64("host_id", host.ID).Int("edges", len(edges)).Msg("topology correlated")
	return len(edges), nil
}

// ExtractEdges walks every evidence source in fixed order. Pure; no I/O.
func ExtractEdges(host *store.Host, doc rawdoc.Doc, idx *store.HostIndex) []store.ConnectionEdge {
	b := newBuilder(host, doc, idx)
	b.fromSockets(doc)
	b.fromWebserverConfigs(doc)
	b.fromContainerEnv(doc)
	b.fromDockerNetworks(doc)
	b.fromEtcHosts(doc)
	b.fromArpTable(doc)
	return b.edges
}

type edgeKey struct {
	ip      string
	port    int
	process string
}

type builder struct {
	host     *store.Host
	idx      *store.HostIndex
	etcHosts map[string]string // collected names, consulted before the index
	seen     map[edgeKey]bool
	edges    []store.ConnectionEdge
}

func newBuilder(host *store.Host, doc rawdoc.Doc, idx *store.HostIndex) *builder {
	etc := make(map[string]string)
	for _, e := range rawdoc.Objects(doc, "etc_hosts") {
		ip := rawdoc.Str(e, "ip")
		if ip == "" {
			continue
		}
		names, _ := e["names"].([]interface{})
		for _, n := range names {
			if name, ok := n.(string); ok && name != "" {
				if _, dup := etc[name]; !dup {
					etc[name] = ip
				}
			}
		}
	}
	return &builder{host: host, idx: idx, etcHosts: etc, seen: map[edgeKey]bool{}}
}

// resolveName turns a hostname into an IP, preferring the host's own
// etc_hosts over the fleet index.
func (b *builder) resolveName(name string) string {
	if ip, ok := b.etcHosts[name]; ok {
		return ip
	}
	if id, ok := b.idx.ByHostname[name]; ok {
		for ip, hid := range b.idx.ByIP {
			if hid == id {
				return ip
			}
		}
	}
	return ""
}

func isLoopback(ip string) bool {
	if ip == "localhost" {
		return true
	}
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}

func (b *builder) add(ip string, port int, process, method string, details map[string]string) {
	ip = strings.Trim(ip, "[]")
	if ip == "" || ip == "*" || ip == "0.0.0.0" || ip == "::" || isLoopback(ip) {
		return
	}
	key := edgeKey{ip, port, process}
	if b.seen[key] {
		return
	}
	b.seen[key] = true

	var target *int64
	if id, ok := b.idx.ByIP[ip]; ok {
		target = &id
	}
	var detailsJSON json.RawMessage
	if len(details) > 0 {
		detailsJSON, _ = json.Marshal(details)
	}
	b.edges = append(b.edges, store.ConnectionEdge{
		SourceServerID:  b.host.ID,
		TargetServerID:  target,
		TargetIP:        ip,
		TargetPort:      port,
		SourceProcess:   process,
		DetectionMethod: method,
		Details:         detailsJSON,
		IsExternal:      target == nil,
	})
}

// splitHostPort tolerates bracketed IPv6 and bare hosts without a port.
func splitHostPort(s string) (string, int) {
	if host, portStr, err := net.SplitHostPort(s); err == nil {
		port, _ := strconv.Atoi(portStr)
		return host, port
	}
	return strings.Trim(s, "[]"), 0
}

func (b *builder) fromSockets(doc rawdoc.Doc) {
	for _, s := range rawdoc.Objects(doc, "sockets") {
		peer := rawdoc.Str(s, "peerAddr")
		if peer == "" || strings.HasSuffix(peer, ":*") || peer == "*" {
			continue
		}
		ip, port := splitHostPort(peer)
		if port == 0 {
			continue
		}
		b.add(ip, port, rawdoc.Str(s, "process"), store.MethodSocket, map[string]string{
			"state":     rawdoc.Str(s, "state"),
			"localAddr": rawdoc.Str(s, "localAddr"),
		})
	}
}

func (b *builder) fromWebserverConfigs(doc rawdoc.Doc) {
	cfgs := rawdoc.Object(doc, "webserver_configs")
	if len(cfgs) == 0 {
		return
	}
	for _, entry := range rawdoc.Objects(cfgs, "nginx") {
		file := rawdoc.Str(entry, "file")
		content := rawdoc.Str(entry, "content")
		for _, m := range proxyPassRe.FindAllStringSubmatch(content, -1) {
			b.addConfigTarget(m[1], "nginx", map[string]string{"file": file, "directive": "proxy_pass"})
		}
		for _, target := range nginxUpstreamServers(content) {
			b.addConfigTarget(target, "nginx", map[string]string{"file": file, "directive": "upstream"})
		}
	}
	for _, entry := range rawdoc.Objects(cfgs, "apache") {
		file := rawdoc.Str(entry, "file")
		for _, m := range apacheProxyRe.FindAllStringSubmatch(rawdoc.Str(entry, "content"), -1) {
			b.addConfigTarget(m[1], "apache", map[string]string{"file": file, "directive": "ProxyPass"})
		}
	}
	for _, entry := range rawdoc.Objects(cfgs, "haproxy") {
		file := rawdoc.Str(entry, "file")
		for _, target := range haproxyServers(rawdoc.Str(entry, "content")) {
			b.addConfigTarget(target, "haproxy", map[string]string{"file": file, "directive": "server"})
		}
	}
}

// addConfigTarget handles URL or host:port targets from webserver configs
// and container environments. Bare single-label names that resolve nowhere
// are upstream symbols, not hosts, and are skipped.
func (b *builder) addConfigTarget(target, process string, details map[string]string) {
	target = strings.TrimSuffix(target, ";")
	port := 0
	hostPart := target

	if m := connURLRe.FindStringSubmatch(target); m != nil {
		scheme := strings.ToLower(m[1])
		hostPart = m[2]
		if m[3] != "" {
			port, _ = strconv.Atoi(m[3])
		} else {
			port = schemePorts[scheme]
		}
	} else if h, p := splitHostPort(target); p > 0 {
		hostPart, port = h, p
	}

	hostPart = strings.Trim(hostPart, "[]")
	if net.ParseIP(hostPart) == nil {
		resolved := b.resolveName(hostPart)
		if resolved == "" {
			if !strings.Contains(hostPart, ".") {
				return
			}
		} else {
			hostPart = resolved
		}
	}
	b.add(hostPart, port, process, store.MethodConfig, details)
}

// nginxUpstreamServers collects server targets inside upstream blocks.
func nginxUpstreamServers(content string) []string {
	var (
		out     []string
		inBlock bool
		depth   int
	)
	for _, line := range strings.Split(content, "\n") {
		if !inBlock && nginxUpstreamRe.MatchString(line) {
			inBlock = true
			depth = strings.Count(line, "{") - strings.Count(line, "}")
			continue
		}
		if !inBlock {
			continue
		}
		if m := nginxServerRe.FindStringSubmatch(line); m != nil {
			out = append(out, m[1])
		}
		depth += strings.Count(line, "{") - strings.Count(line, "}")
		if depth <= 0 {
			inBlock = false
		}
	}
	return out
}

// haproxyServers collects server addresses under backend, frontend and
// listen sections.
func haproxyServers(content string) []string {
	var (
		out       []string
		inSection bool
	)
	for _, line := range strings.Split(content, "\n") {
		switch {
		case haSectionRe.MatchString(line):
			inSection = true
		case haOtherRe.MatchString(line):
			inSection = false
		case inSection:
			if m := haServerRe.FindStringSubmatch(line); m != nil {
				out = append(out, m[1])
			}
		}
	}
	return out
}

func (b *builder) fromContainerEnv(doc rawdoc.Doc) {
	for _, c := range rawdoc.Objects(doc, "docker_containers") {
		cname := rawdoc.Str(c, "name")
		env, _ := c["env"].([]interface{})
		for _, raw := range env {
			pair, ok := raw.(string)
			if !ok {
				continue
			}
			eq := strings.IndexByte(pair, '=')
			if eq <= 0 {
				continue
			}
			key, value := pair[:eq], pair[eq+1:]
			if value == "" || strings.Contains(value, "***MASKED***") {
				continue
			}
			details := map[string]string{"container": cname, "envKey": key}
			if connURLRe.MatchString(value) {
				b.addConfigTarget(value, cname, details)
				continue
			}
			if genericEnvRe.MatchString(key) {
				b.addConfigTarget(value, cname, details)
			}
		}
	}
}

func (b *builder) fromDockerNetworks(doc rawdoc.Doc) {
	// Gateways and intra-network peer containers.
	for _, n := range rawdoc.Objects(doc, "docker_networks") {
		network := rawdoc.Str(n, "name")
		if gw := rawdoc.Str(n, "gateway"); gw != "" {
			b.add(gw, 0, "docker", store.MethodDocker, map[string]string{"network": network, "role": "gateway"})
		}
		members := rawdoc.Objects(n, "containers")
		for _, a := range members {
			aName := rawdoc.Str(a, "name")
			for _, peer := range members {
				pName := rawdoc.Str(peer, "name")
				pIP := rawdoc.Str(peer, "ip")
				if pName == aName || pIP == "" {
					continue
				}
				b.add(pIP, 0, aName, store.MethodDocker, map[string]string{"network": network, "peer": pName})
			}
		}
	}
	// Port mappings bound to an explicit host address.
	for _, c := range rawdoc.Objects(doc, "docker_containers") {
		cname := rawdoc.Str(c, "name")
		ports, _ := c["ports"].([]interface{})
		for _, raw := range ports {
			mapping, ok := raw.(string)
			if !ok {
				continue
			}
			m := dockerMapRe.FindStringSubmatch(mapping)
			if m == nil || m[1] == "0.0.0.0" {
				continue
			}
			port, _ := strconv.Atoi(m[2])
			b.add(m[1], port, cname, store.MethodDocker, map[string]string{"mapping": mapping})
		}
	}
}

func (b *builder) fromEtcHosts(doc rawdoc.Doc) {
	for _, e := range rawdoc.Objects(doc, "etc_hosts") {
		ip := rawdoc.Str(e, "ip")
		if _, known := b.idx.ByIP[ip]; !known {
			continue
		}
		names, _ := e["names"].([]interface{})
		first := ""
		if len(names) > 0 {
			first, _ = names[0].(string)
		}
		b.add(ip, 0, "", store.MethodARP, map[string]string{"source": "etc_hosts", "name": first})
	}
}

func (b *builder) fromArpTable(doc rawdoc.Doc) {
	for _, e := range rawdoc.Objects(doc, "arp_table") {
		ip := rawdoc.Str(e, "ip")
		if strings.EqualFold(rawdoc.Str(e, "state"), "failed") {
			continue
		}
		if _, known := b.idx.ByIP[ip]; !known {
			continue
		}
		b.add(ip, 0, "", store.MethodARP, map[string]string{
			"source": "arp",
			"device": rawdoc.Str(e, "device"),
			"mac":    rawdoc.Str(e, "mac"),
		})
	}
}
