// Package netscan shells out to nmap for subnet discovery. A scan runs in
// two phases: a fast host-and-top-ports sweep over the CIDR, then service
// version and OS detection restricted to the hosts the sweep found up, and
// only when they number at most fifty. The parser consumes nmap's XML
// report; hosthint blocks emitted by verbose runs never match the host
// shape and fall away on their own.
package netscan

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/systemmap/backend/internal/logging"
)

// maxVersionTargets bounds the phase-2 target list.
const maxVersionTargets = 50

// ErrUnavailable is returned when the nmap binary cannot be found.
var ErrUnavailable = errors.New("nmap binary not available")

// DiscoveredHost is one live machine found on the subnet.
type DiscoveredHost struct {
	IP       string     `json:"ip"`
	Hostname string     `json:"hostname,omitempty"`
	OS       string     `json:"os,omitempty"`
	Ports    []PortInfo `json:"ports,omitempty"`
}

// PortInfo is one open port on a discovered host.
type PortInfo struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Service  string `json:"service,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Scanner wraps the external nmap binary.
type Scanner struct {
	binPath   string
	available bool
	log       zerolog.Logger
}

// NewScanner locates the nmap binary. A missing binary is not fatal here;
// Scan reports ErrUnavailable so network scans fail cleanly while the rest
// of the pipeline keeps working.
func NewScanner(binPath string) *Scanner {
	if binPath == "" {
		binPath = "nmap"
	}
	log := logging.WithComponent("netscan")

	available := true
	if _, err := exec.LookPath(binPath); err != nil {
		available = false
		log.Warn().Str("path", binPath).Msg("nmap not found, network scans disabled")
	}
	return &Scanner{binPath: binPath, available: available, log: log}
}

// Available reports whether the binary was found.
func (s *Scanner) Available() bool { return s.available }

// Scan discovers live hosts on cidr. Phase-2 failures degrade to the
// phase-1 result instead of failing the scan.
func (s *Scanner) Scan(ctx context.Context, cidr string) ([]DiscoveredHost, error) {
	if !s.available {
		return nil, fmt.Errorf("%w (looked for %s)", ErrUnavailable, s.binPath)
	}

	out, err := s.run(ctx, phase1Args(cidr)...)
	if err != nil {
		return nil, err
	}
	hosts, err := parseRun(out)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return hosts, nil
	}

	if len(hosts) > maxVersionTargets {
		s.log.Info().Int("hosts", len(hosts)).Msg("too many hosts for service detection, skipping phase 2")
		return hosts, nil
	}

	ips := make([]string, 0, len(hosts))
	for _, h := range hosts {
		ips = append(ips, h.IP)
	}
	out, err = s.run(ctx, phase2Args(ips)...)
	if err != nil {
		s.log.Warn().Err(err).Msg("service detection failed, keeping discovery results")
		return hosts, nil
	}
	detailed, err := parseRun(out)
	if err != nil {
		s.log.Warn().Err(err).Msg("service detection output unreadable, keeping discovery results")
		return hosts, nil
	}
	return merge(hosts, detailed), nil
}

func phase1Args(cidr string) []string {
	return []string{"-T4", "-F", "--open", "-oX", "-", cidr}
}

func phase2Args(ips []string) []string {
	args := []string{"-T4", "-Pn", "-sV", "-O", "--osscan-limit", "-oX", "-"}
	return append(args, ips...)
}

func (s *Scanner) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.binPath, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("nmap failed: %w (stderr: %s)", err,
				strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("nmap failed: %w", err)
	}
	return out, nil
}

type (
	nmapRun struct {
		XMLName xml.Name   `xml:"nmaprun"`
		Hosts   []nmapHost `xml:"host"`
	}

	// nmapHost accepts both nmap's native nesting (status child, os>osmatch)
	// and the flattened shape (state attribute, direct osmatch children).
	nmapHost struct {
		State     string         `xml:"state,attr"`
		Status    nmapState      `xml:"status"`
		Addresses []nmapAddress  `xml:"address"`
		Hostnames []nmapHostname `xml:"hostnames>hostname"`
		Hostname  nmapHostname   `xml:"hostname"`
		Ports     []nmapPort     `xml:"ports>port"`
		FlatPorts []nmapPort     `xml:"port"`
		OSMatches []nmapOSMatch  `xml:"os>osmatch"`
		FlatOS    []nmapOSMatch  `xml:"osmatch"`
	}

	nmapState struct {
		State string `xml:"state,attr"`
	}

	nmapAddress struct {
		Addr     string `xml:"addr,attr"`
		AddrType string `xml:"addrtype,attr"`
	}

	nmapHostname struct {
		Name string `xml:"name,attr"`
	}

	nmapPort struct {
		Protocol string      `xml:"protocol,attr"`
		PortID   int         `xml:"portid,attr"`
		State    nmapState   `xml:"state"`
		Service  nmapService `xml:"service"`
	}

	nmapService struct {
		Name    string `xml:"name,attr"`
		Product string `xml:"product,attr"`
		Version string `xml:"version,attr"`
	}

	nmapOSMatch struct {
		Name     string `xml:"name,attr"`
		Accuracy int    `xml:"accuracy,attr"`
	}
)

func (h *nmapHost) up() bool {
	return h.State == "up" || h.Status.State == "up"
}

func (h *nmapHost) ipv4() string {
	for _, a := range h.Addresses {
		if a.AddrType == "ipv4" {
			return a.Addr
		}
	}
	for _, a := range h.Addresses {
		if a.AddrType == "" && strings.Count(a.Addr, ".") == 3 {
			return a.Addr
		}
	}
	return ""
}

func (h *nmapHost) hostname() string {
	for _, hn := range h.Hostnames {
		if hn.Name != "" {
			return hn.Name
		}
	}
	return h.Hostname.Name
}

func (h *nmapHost) bestOS() string {
	var (
		name string
		best = -1
	)
	for _, m := range append(append([]nmapOSMatch{}, h.OSMatches...), h.FlatOS...) {
		if m.Name != "" && m.Accuracy > best {
			name = m.Name
			best = m.Accuracy
		}
	}
	return name
}

func parseRun(raw []byte) ([]DiscoveredHost, error) {
	var doc nmapRun
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse nmap output: %w", err)
	}

	var hosts []DiscoveredHost
	for i := range doc.Hosts {
		h := &doc.Hosts[i]
		if !h.up() {
			continue
		}
		ip := h.ipv4()
		if ip == "" {
			continue
		}

		dh := DiscoveredHost{IP: ip, Hostname: h.hostname(), OS: h.bestOS()}
		for _, p := range append(append([]nmapPort{}, h.Ports...), h.FlatPorts...) {
			if p.State.State != "open" || p.PortID == 0 {
				continue
			}
			dh.Ports = append(dh.Ports, PortInfo{
				Port:     p.PortID,
				Protocol: p.Protocol,
				Service:  p.Service.Name,
				Version:  strings.TrimSpace(p.Service.Product + " " + p.Service.Version),
			})
		}
		hosts = append(hosts, dh)
	}
	return hosts, nil
}

// merge replaces phase-1 entries with their detailed phase-2 counterparts,
// preserving phase-1 order and keeping hosts phase 2 missed.
func merge(base, detailed []DiscoveredHost) []DiscoveredHost {
	byIP := make(map[string]DiscoveredHost, len(detailed))
	for _, h := range detailed {
		byIP[h.IP] = h
	}

	out := make([]DiscoveredHost, 0, len(base))
	for _, h := range base {
		if d, ok := byIP[h.IP]; ok {
			out = append(out, d)
			continue
		}
		out = append(out, h)
	}
	return out
}
