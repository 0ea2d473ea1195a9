package netscan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRun = `<?xml version="1.0" encoding="UTF-8"?>
<nmaprun scanner="nmap" args="nmap -T4 -F -oX - 10.0.0.0/24">
  <hosthint><status state="up"/><address addr="10.0.0.99" addrtype="ipv4"/></hosthint>
  <host>
    <status state="up" reason="arp-response"/>
    <address addr="10.0.0.5" addrtype="ipv4"/>
    <address addr="AA:BB:CC:DD:EE:FF" addrtype="mac"/>
    <hostnames><hostname name="web1.lan" type="PTR"/></hostnames>
    <ports>
      <port protocol="tcp" portid="22">
        <state state="open" reason="syn-ack"/>
        <service name="ssh" product="OpenSSH" version="8.9p1"/>
      </port>
      <port protocol="tcp" portid="80">
        <state state="open"/>
        <service name="http" product="nginx"/>
      </port>
      <port protocol="tcp" portid="443">
        <state state="closed"/>
      </port>
    </ports>
    <os>
      <osmatch name="Linux 4.15 - 5.8" accuracy="93"/>
      <osmatch name="Linux 5.0 - 5.15" accuracy="96"/>
    </os>
  </host>
  <host>
    <status state="down" reason="no-response"/>
    <address addr="10.0.0.6" addrtype="ipv4"/>
  </host>
</nmaprun>`

func TestParseRunKeepsOnlyUpHosts(t *testing.T) {
	hosts, err := parseRun([]byte(sampleRun))
	require.NoError(t, err)
	require.Len(t, hosts, 1)

	h := hosts[0]
	assert.Equal(t, "10.0.0.5", h.IP)
	assert.Equal(t, "web1.lan", h.Hostname)
	assert.Equal(t, "Linux 5.0 - 5.15", h.OS)

	require.Len(t, h.Ports, 2)
	assert.Equal(t, PortInfo{Port: 22, Protocol: "tcp", Service: "ssh", Version: "OpenSSH 8.9p1"}, h.Ports[0])
	assert.Equal(t, PortInfo{Port: 80, Protocol: "tcp", Service: "http", Version: "nginx"}, h.Ports[1])
}

func TestParseRunAcceptsFlattenedShape(t *testing.T) {
	raw := `<nmaprun>
  <host state="up">
    <address addr="10.0.0.7"/>
    <hostname name="db1"/>
    <port protocol="tcp" portid="5432"><state state="open"/><service name="postgresql"/></port>
    <osmatch name="Linux 5.X"/>
  </host>
</nmaprun>`

	hosts, err := parseRun([]byte(raw))
	require.NoError(t, err)
	require.Len(t, hosts, 1)

	h := hosts[0]
	assert.Equal(t, "10.0.0.7", h.IP)
	assert.Equal(t, "db1", h.Hostname)
	assert.Equal(t, "Linux 5.X", h.OS)
	require.Len(t, h.Ports, 1)
	assert.Equal(t, 5432, h.Ports[0].Port)
	assert.Equal(t, "postgresql", h.Ports[0].Service)
}

func TestParseRunSkipsHostsWithoutIPv4(t *testing.T) {
	raw := `<nmaprun>
  <host><status state="up"/><address addr="AA:BB:CC:DD:EE:FF" addrtype="mac"/></host>
</nmaprun>`

	hosts, err := parseRun([]byte(raw))
	require.NoError(t, err)
	assert.Empty(t, hosts)
}

func TestParseRunRejectsGarbage(t *testing.T) {
	_, err := parseRun([]byte("scan aborted: host seems down"))
	require.Error(t, err)
}

func TestMergePrefersDetailedResults(t *testing.T) {
	base := []DiscoveredHost{
		{IP: "10.0.0.5"},
		{IP: "10.0.0.6"},
		{IP: "10.0.0.7"},
	}
	detailed := []DiscoveredHost{
		{IP: "10.0.0.5", Hostname: "web1", OS: "Linux 5.15", Ports: []PortInfo{{Port: 22, Protocol: "tcp", Service: "ssh"}}},
		{IP: "10.0.0.7", OS: "Linux 4.19"},
	}

	out := merge(base, detailed)
	require.Len(t, out, 3)
	assert.Equal(t, "web1", out[0].Hostname)
	assert.Equal(t, "10.0.0.6", out[1].IP)
	assert.Empty(t, out[1].OS)
	assert.Equal(t, "Linux 4.19", out[2].OS)
}

func TestPhaseArguments(t *testing.T) {
	assert.Equal(t, []string{"-T4", "-F", "--open", "-oX", "-", "10.0.0.0/24"}, phase1Args("10.0.0.0/24"))

	args := phase2Args([]string{"10.0.0.5", "10.0.0.7"})
	assert.Contains(t, args, "-sV")
	assert.Contains(t, args, "-O")
	assert.Equal(t, "10.0.0.7", args[len(args)-1])
}

func TestScanUnavailableBinary(t *testing.T) {
	s := NewScanner("definitely-not-a-real-scanner-binary")
	require.False(t, s.Available())

	_, err := s.Scan(context.Background(), "10.0.0.0/24")
	require.ErrorIs(t, err, ErrUnavailable)
}
