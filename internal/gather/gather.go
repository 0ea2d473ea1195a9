// Package gather generates the shell programs that run on inventoried
// hosts. The main gather script emits one JSON document with a fixed
// section layout; a config-discovery variant collects candidate
// configuration files for the process-map pipeline. Generation is
// deterministic: the same parameters always produce byte-identical output.
package gather

import (
	"strconv"
	"strings"
)

// Version is stamped into the document _meta header.
const Version = "2.3.1"

// Params select what the generated script collects.
type Params struct {
	DeepDockerInspect bool
	ScanCertificates  bool
	ListPackages      bool
	CollectorTimeout  int // seconds per collector command
	MaxProcesses      int
}

func (p Params) normalized() Params {
	if p.CollectorTimeout <= 0 {
		p.CollectorTimeout = 20
	}
	if p.MaxProcesses <= 0 {
		p.MaxProcesses = 400
	}
	return p
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Script renders the gather program for the given parameters.
func Script(p Params) string {
	p = p.normalized()
	s := scriptTemplate
	s = strings.ReplaceAll(s, "@VERSION@", Version)
	s = strings.ReplaceAll(s, "@TIMEOUT@", strconv.Itoa(p.CollectorTimeout))
	s = strings.ReplaceAll(s, "@MAX_PROCS@", strconv.Itoa(p.MaxProcesses))
	s = strings.ReplaceAll(s, "@DEEP_DOCKER@", boolFlag(p.DeepDockerInspect))
	s = strings.ReplaceAll(s, "@SCAN_CERTS@", boolFlag(p.ScanCertificates))
	s = strings.ReplaceAll(s, "@LIST_PACKAGES@", boolFlag(p.ListPackages))
	return s
}

// SectionNames lists the document sections in emission order. Consumers
// must tolerate any of them being empty.
var SectionNames = []string{
	"os", "disks", "lvm", "raid", "mounts", "interfaces", "routing",
	"etc_hosts", "arp_table", "processes", "listeners", "sockets",
	"docker_containers", "docker_networks", "webserver_configs",
	"systemd_units", "cron_jobs", "ssl_certificates", "user_accounts",
	"firewall", "installed_packages", "kernel", "security", "logs",
}

// The template uses @TOKEN@ placeholders; % signs below belong to the
// shell, so no printf-style formatting is applied in Go.
const scriptTemplate = `#!/bin/bash
# systemmap gather @VERSION@
export LC_ALL=C
export PATH=/usr/sbin:/usr/bin:/sbin:/bin:$PATH

TMOUT_S=@TIMEOUT@
MAX_PROCS=@MAX_PROCS@
DEEP_DOCKER=@DEEP_DOCKER@
SCAN_CERTS=@SCAN_CERTS@
LIST_PACKAGES=@LIST_PACKAGES@

run() { timeout "${TMOUT_S}s" "$@" 2>/dev/null; }

# JSON-escape stdin; newlines collapse to \n.
je() { sed -e 's/\\/\\\\/g' -e 's/"/\\"/g' -e 's/\t/\\t/g' -e 's/\r//g' | sed ':a;N;$!ba;s/\n/\\n/g'; }

# JSON string from the first argument.
js() { printf '"%s"' "$(printf '%s' "$1" | je)"; }

# Numeric with fallback 0.
jn() {
  local v
  v=$(printf '%s' "$1" | tr -cd '0-9.-')
  case "$v" in ''|-|.|*.*.*) v=0 ;; esac
  printf '%s' "$v"
}

# JSON string array from stdin lines.
jarr() {
  local first=1 line out='['
  while IFS= read -r line; do
    [ -z "$line" ] && continue
    [ $first -eq 1 ] || out="$out, "
    first=0
    out="$out\"$(printf '%s' "$line" | je)\""
  done
  printf '%s]' "$out"
}

now_ms() {
  local t
  t=$(date +%s%3N 2>/dev/null)
  case "$t" in ''|*N*) t=$(( $(date +%s) * 1000 )) ;; esac
  printf '%s' "$t"
}

mask_env() { sed -E 's/^([^=]*(PASSWORD|SECRET|KEY|TOKEN|PASS|CREDENTIAL|AUTH)[^=]*)=.*/\1=***MASKED***/I'; }

s_os() {
  local host os ver kern arch cpu cores memkb mem up virt
  host=$(hostname 2>/dev/null)
  if [ -r /etc/os-release ]; then
    os=$(. /etc/os-release 2>/dev/null; printf '%s' "$NAME")
    ver=$(. /etc/os-release 2>/dev/null; printf '%s' "$VERSION_ID")
  fi
  kern=$(uname -r 2>/dev/null)
  arch=$(uname -m 2>/dev/null)
  cpu=$(grep -m1 '^model name' /proc/cpuinfo 2>/dev/null | cut -d: -f2- | sed 's/^ *//')
  cores=$(grep -c '^processor' /proc/cpuinfo 2>/dev/null)
  memkb=$(grep -m1 MemTotal /proc/meminfo 2>/dev/null | tr -cd '0-9')
  [ -z "$memkb" ] && memkb=0
  mem=$(( memkb / 1024 ))
  up=$(cut -d. -f1 /proc/uptime 2>/dev/null)
  virt=$(run systemd-detect-virt)
  printf '{"hostname": %s, "os": %s, "osVersion": %s, "kernel": %s, "arch": %s, "cpuModel": %s, "cpuCores": %s, "memoryMb": %s, "uptimeSeconds": %s, "virtualization": %s}' \
    "$(js "$host")" "$(js "$os")" "$(js "$ver")" "$(js "$kern")" "$(js "$arch")" \
    "$(js "$cpu")" "$(jn "$cores")" "$(jn "$mem")" "$(jn "$up")" "$(js "$virt")"
}

s_disks() {
  printf '['
  run lsblk -dbno NAME,SIZE,TYPE,MODEL | {
    first=1
    while read -r name size type model; do
      [ "$type" = "disk" ] || continue
      [ $first -eq 1 ] || printf ', '
      first=0
      printf '{"device": %s, "sizeBytes": %s, "type": %s, "model": %s}' \
        "$(js "/dev/$name")" "$(jn "$size")" "$(js "$type")" "$(js "$model")"
    done
  }
  printf ']'
}

s_lvm() {
  printf '['
  run lvs --noheadings --separator '|' --units m --nosuffix -o vg_name,lv_name,lv_path,lv_size | {
    first=1
    while IFS='|' read -r vg lv path size; do
      vg=$(printf '%s' "$vg" | sed 's/^ *//')
      [ -z "$vg" ] && continue
      [ $first -eq 1 ] || printf ', '
      first=0
      printf '{"vg": %s, "lv": %s, "path": %s, "sizeMb": %s}' \
        "$(js "$vg")" "$(js "$lv")" "$(js "$path")" "$(jn "${size%%.*}")"
    done
  }
  printf ']'
}

s_raid() {
  local raw
  raw=$(head -c 4000 /proc/mdstat 2>/dev/null)
  printf '{"raw": %s}' "$(js "$raw")"
}

s_mounts() {
  printf '['
  run df -PTk -x tmpfs -x devtmpfs -x squashfs -x overlay | tail -n +2 | {
    first=1
    while read -r dev fstype size used avail pct mp; do
      [ -z "$mp" ] && continue
      [ $first -eq 1 ] || printf ', '
      first=0
      printf '{"device": %s, "mountpoint": %s, "fstype": %s, "sizeKb": %s, "usedKb": %s, "availKb": %s, "usePct": %s}' \
        "$(js "$dev")" "$(js "$mp")" "$(js "$fstype")" "$(jn "$size")" "$(jn "$used")" "$(jn "$avail")" "$(jn "${pct%%%}")"
    done
  }
  printf ']'
}

s_interfaces() {
  local first=1 dir n mac state mtu rx tx addr
  printf '['
  for dir in /sys/class/net/*; do
    [ -e "$dir" ] || continue
    n=${dir##*/}
    [ "$n" = "lo" ] && continue
    mac=$(head -c 64 "$dir/address" 2>/dev/null | tr -d '\n')
    state=$(head -c 32 "$dir/operstate" 2>/dev/null | tr -d '\n')
    mtu=$(head -c 16 "$dir/mtu" 2>/dev/null | tr -d '\n')
    rx=$(head -c 24 "$dir/statistics/rx_bytes" 2>/dev/null | tr -d '\n')
    tx=$(head -c 24 "$dir/statistics/tx_bytes" 2>/dev/null | tr -d '\n')
    addr=$(ip -o -4 addr show dev "$n" 2>/dev/null | awk '{print $4}' | cut -d/ -f1 | head -1)
    [ $first -eq 1 ] || printf ', '
    first=0
    printf '{"name": %s, "ip": %s, "mac": %s, "state": %s, "mtu": %s, "rxBytes": %s, "txBytes": %s}' \
      "$(js "$n")" "$(js "$addr")" "$(js "$mac")" "$(js "$state")" "$(jn "$mtu")" "$(jn "$rx")" "$(jn "$tx")"
  done
  printf ']'
}

s_routing() {
  printf '['
  run ip route | {
    first=1
    while IFS= read -r line; do
      dest=$(printf '%s' "$line" | awk '{print $1}')
      gw=$(printf '%s' "$line" | awk '{for(i=1;i<NF;i++) if($i=="via") print $(i+1)}')
      dev=$(printf '%s' "$line" | awk '{for(i=1;i<NF;i++) if($i=="dev") print $(i+1)}')
      [ -z "$dest" ] && continue
      [ $first -eq 1 ] || printf ', '
      first=0
      printf '{"destination": %s, "gateway": %s, "device": %s}' \
        "$(js "$dest")" "$(js "$gw")" "$(js "$dev")"
    done
  }
  printf ']'
}

s_etc_hosts() {
  printf '['
  grep -v '^[[:space:]]*#' /etc/hosts 2>/dev/null | grep -v '^[[:space:]]*$' | {
    first=1
    while read -r hip names; do
      [ -z "$hip" ] && continue
      [ $first -eq 1 ] || printf ', '
      first=0
      printf '{"ip": %s, "names": %s}' \
        "$(js "$hip")" "$(printf '%s\n' $names | jarr)"
    done
  }
  printf ']'
}

s_arp_table() {
  printf '['
  run ip neigh | {
    first=1
    while IFS= read -r line; do
      aip=$(printf '%s' "$line" | awk '{print $1}')
      dev=$(printf '%s' "$line" | awk '{for(i=1;i<NF;i++) if($i=="dev") print $(i+1)}')
      mac=$(printf '%s' "$line" | awk '{for(i=1;i<NF;i++) if($i=="lladdr") print $(i+1)}')
      st=$(printf '%s' "$line" | awk '{print tolower($NF)}')
      [ -z "$aip" ] && continue
      [ $first -eq 1 ] || printf ', '
      first=0
      printf '{"ip": %s, "mac": %s, "device": %s, "state": %s}' \
        "$(js "$aip")" "$(js "$mac")" "$(js "$dev")" "$(js "$st")"
    done
  }
  printf ']'
}

s_processes() {
  printf '['
  run ps axo pid,ppid,user:32,%cpu,%mem,rss,comm,args --sort=-%cpu | tail -n +2 | head -n "$MAX_PROCS" | {
    first=1
    while read -r pid ppid user cpu mem rss comm args; do
      [ -z "$pid" ] && continue
      [ $first -eq 1 ] || printf ', '
      first=0
      printf '{"pid": %s, "ppid": %s, "user": %s, "cpuPct": %s, "memPct": %s, "rssKb": %s, "command": %s, "args": %s}' \
        "$(jn "$pid")" "$(jn "$ppid")" "$(js "$user")" "$(jn "$cpu")" "$(jn "$mem")" "$(jn "$rss")" \
        "$(js "$comm")" "$(js "$(printf '%s' "$args" | head -c 500)")"
    done
  }
  printf ']'
}

ss_proc_name() { printf '%s' "$1" | sed -n 's/.*users:(("\([^"]*\)".*/\1/p'; }
ss_proc_pid() { printf '%s' "$1" | sed -n 's/.*pid=\([0-9]*\).*/\1/p'; }

s_listeners() {
  printf '['
  run ss -tulpnH | {
    first=1
    while IFS= read -r line; do
      proto=$(printf '%s' "$line" | awk '{print $1}')
      state=$(printf '%s' "$line" | awk '{print $2}')
      local_addr=$(printf '%s' "$line" | awk '{print $5}')
      port=${local_addr##*:}
      bind=${local_addr%:*}
      pname=$(ss_proc_name "$line")
      ppid=$(ss_proc_pid "$line")
      case "$port" in ''|*[!0-9]*) continue ;; esac
      [ $first -eq 1 ] || printf ', '
      first=0
      printf '{"proto": %s, "bindAddress": %s, "port": %s, "state": %s, "process": %s, "pid": %s}' \
        "$(js "$proto")" "$(js "$bind")" "$(jn "$port")" "$(js "$state")" "$(js "$pname")" "$(jn "$ppid")"
    done
  }
  printf ']'
}

s_sockets() {
  printf '['
  run ss -tunpH | {
    first=1
    while IFS= read -r line; do
      state=$(printf '%s' "$line" | awk '{print $2}')
      [ "$state" = "ESTAB" ] || continue
      proto=$(printf '%s' "$line" | awk '{print $1}')
      local_addr=$(printf '%s' "$line" | awk '{print $5}')
      peer_addr=$(printf '%s' "$line" | awk '{print $6}')
      pname=$(ss_proc_name "$line")
      ppid=$(ss_proc_pid "$line")
      [ $first -eq 1 ] || printf ', '
      first=0
      printf '{"proto": %s, "localAddr": %s, "peerAddr": %s, "state": %s, "process": %s, "pid": %s}' \
        "$(js "$proto")" "$(js "$local_addr")" "$(js "$peer_addr")" "$(js "$state")" "$(js "$pname")" "$(jn "$ppid")"
    done
  }
  printf ']'
}

s_docker_containers() {
  command -v docker >/dev/null 2>&1 || { printf '[]'; return; }
  printf '['
  run docker ps -a --no-trunc --format '{{.ID}}|{{.Names}}|{{.Image}}|{{.State}}|{{.Status}}|{{.Ports}}' | {
    first=1
    while IFS='|' read -r cid cname cimage cstate cstatus cports; do
      [ -z "$cid" ] && continue
      [ $first -eq 1 ] || printf ', '
      first=0
      env_json='[]'; vol_json='[]'; net_json='[]'; cip=''; restarts=0; started=''
      if [ "$DEEP_DOCKER" = "1" ]; then
        env_json=$(run docker inspect --format '{{range .Config.Env}}{{println .}}{{end}}' "$cid" | mask_env | jarr)
        vol_json=$(run docker inspect --format '{{range .Mounts}}{{.Source}}:{{.Destination}}{{println ""}}{{end}}' "$cid" | jarr)
        net_json=$(run docker inspect --format '{{range $k, $v := .NetworkSettings.Networks}}{{$k}}{{println ""}}{{end}}' "$cid" | jarr)
        cip=$(run docker inspect --format '{{range .NetworkSettings.Networks}}{{.IPAddress}}{{println ""}}{{end}}' "$cid" | head -1)
        restarts=$(run docker inspect --format '{{.RestartCount}}' "$cid")
        started=$(run docker inspect --format '{{.State.StartedAt}}' "$cid")
      fi
      ports_json=$(printf '%s' "$cports" | tr ',' '\n' | sed 's/^ *//' | jarr)
      printf '{"id": %s, "name": %s, "image": %s, "state": %s, "status": %s, "ip": %s, "restartCount": %s, "startedAt": %s, "ports": %s, "networks": %s, "env": %s, "volumes": %s}' \
        "$(js "$cid")" "$(js "$cname")" "$(js "$cimage")" "$(js "$cstate")" "$(js "$cstatus")" \
        "$(js "$cip")" "$(jn "$restarts")" "$(js "$started")" "$ports_json" "$net_json" "$env_json" "$vol_json"
    done
  }
  printf ']'
}

s_docker_networks() {
  command -v docker >/dev/null 2>&1 || { printf '[]'; return; }
  printf '['
  run docker network ls --format '{{.Name}}|{{.Driver}}' | {
    first=1
    while IFS='|' read -r nname ndriver; do
      case "$nname" in ''|none|host) continue ;; esac
      gw=$(run docker network inspect --format '{{range .IPAM.Config}}{{.Gateway}}{{end}}' "$nname")
      members=$(run docker network inspect --format '{{range $k, $v := .Containers}}{{$v.Name}}={{$v.IPv4Address}}{{println ""}}{{end}}' "$nname")
      [ $first -eq 1 ] || printf ', '
      first=0
      printf '{"name": %s, "driver": %s, "gateway": %s, "containers": [' \
        "$(js "$nname")" "$(js "$ndriver")" "$(js "$gw")"
      printf '%s\n' "$members" | {
        mfirst=1
        while IFS='=' read -r mname mip; do
          [ -z "$mname" ] && continue
          [ $mfirst -eq 1 ] || printf ', '
          mfirst=0
          printf '{"name": %s, "ip": %s}' "$(js "$mname")" "$(js "${mip%%/*}")"
        done
      }
      printf ']}'
    done
  }
  printf ']'
}

ws_files() {
  ls /etc/nginx/nginx.conf /etc/nginx/conf.d/*.conf /etc/nginx/sites-enabled/* \
     /etc/apache2/sites-enabled/* /etc/httpd/conf.d/*.conf \
     /etc/haproxy/haproxy.cfg 2>/dev/null
}

ws_kind() {
  case "$1" in
    /etc/nginx/*) printf 'nginx' ;;
    /etc/apache2/*|/etc/httpd/*) printf 'apache' ;;
    /etc/haproxy/*) printf 'haproxy' ;;
    *) printf 'other' ;;
  esac
}

s_webserver_configs() {
  local kind first f
  printf '{'
  for kind in nginx apache haproxy; do
    [ "$kind" = "nginx" ] || printf ', '
    printf '"%s": [' "$kind"
    first=1
    for f in $(ws_files); do
      [ -f "$f" ] || continue
      [ "$(ws_kind "$f")" = "$kind" ] || continue
      [ $first -eq 1 ] || printf ', '
      first=0
      printf '{"file": %s, "content": %s}' \
        "$(js "$f")" "$(js "$(head -c 64000 "$f" 2>/dev/null)")"
    done
    printf ']'
  done
  printf '}'
}

s_systemd_units() {
  command -v systemctl >/dev/null 2>&1 || { printf '[]'; return; }
  local enabled_list
  enabled_list=" $(run systemctl list-unit-files --type=service --no-legend --no-pager --plain | awk '$2=="enabled"{print $1}' | tr '\n' ' ') "
  printf '['
  run systemctl list-units --type=service --all --no-legend --no-pager --plain | {
    first=1
    while read -r uname uload uactive usub udesc; do
      [ -z "$uname" ] && continue
      en=false
      case "$enabled_list" in *" $uname "*) en=true ;; esac
      [ $first -eq 1 ] || printf ', '
      first=0
      printf '{"name": %s, "loadState": %s, "activeState": %s, "subState": %s, "description": %s, "enabled": %s}' \
        "$(js "$uname")" "$(js "$uload")" "$(js "$uactive")" "$(js "$usub")" "$(js "$udesc")" "$en"
    done
  }
  printf ']'
}

# Normalise all cron sources into source<TAB>user<TAB>schedule<TAB>command.
cron_lines() {
  local f u
  for f in /etc/crontab /etc/cron.d/*; do
    [ -f "$f" ] || continue
    grep -v '^[[:space:]]*#' "$f" 2>/dev/null | grep -v '^[[:space:]]*$' | grep -v '^[A-Za-z_]*=' | head -50 | \
      awk -v src="$f" '{sched=$1" "$2" "$3" "$4" "$5; user=$6; cmd=""; for(i=7;i<=NF;i++) cmd=cmd $i " "; sub(/ $/, "", cmd); if (cmd != "") printf "%s\t%s\t%s\t%s\n", src, user, sched, cmd}'
  done
  for u in $(cut -d: -f1 /etc/passwd 2>/dev/null | head -100); do
    crontab -l -u "$u" 2>/dev/null | grep -v '^[[:space:]]*#' | grep -v '^[[:space:]]*$' | grep -v '^[A-Za-z_]*=' | head -20 | \
      awk -v src="crontab:$u" -v user="$u" '{sched=$1" "$2" "$3" "$4" "$5; cmd=""; for(i=6;i<=NF;i++) cmd=cmd $i " "; sub(/ $/, "", cmd); if (cmd != "") printf "%s\t%s\t%s\t%s\n", src, user, sched, cmd}'
  done
}

s_cron_jobs() {
  printf '['
  cron_lines | {
    first=1
    while IFS=$'\t' read -r src cuser sched cmd; do
      [ -z "$cmd" ] && continue
      [ $first -eq 1 ] || printf ', '
      first=0
      printf '{"user": %s, "schedule": %s, "command": %s, "source": %s}' \
        "$(js "$cuser")" "$(js "$sched")" "$(js "$cmd")" "$(js "$src")"
    done
  }
  printf ']'
}

cert_days_left() { # not-after date string
  local end now
  end=$(date -d "$1" +%s 2>/dev/null)
  [ -z "$end" ] && { printf '0'; return; }
  now=$(date +%s)
  printf '%s' $(( (end - now) / 86400 ))
}

s_ssl_certificates() {
  [ "$SCAN_CERTS" = "1" ] || { printf '[]'; return; }
  command -v openssl >/dev/null 2>&1 || { printf '[]'; return; }
  printf '['
  { ls /etc/nginx/ssl/*.pem /etc/nginx/ssl/*.crt /etc/ssl/private/*.pem \
       /etc/letsencrypt/live/*/fullchain.pem /etc/pki/tls/certs/*.crt 2>/dev/null; } | head -40 | {
    first=1
    while IFS= read -r cert; do
      [ -f "$cert" ] || continue
      subj=$(run openssl x509 -noout -subject -in "$cert" | sed 's/^subject= *//')
      [ -z "$subj" ] && continue
      issuer=$(run openssl x509 -noout -issuer -in "$cert" | sed 's/^issuer= *//')
      notbefore=$(run openssl x509 -noout -startdate -in "$cert" | cut -d= -f2)
      notafter=$(run openssl x509 -noout -enddate -in "$cert" | cut -d= -f2)
      vfrom=$(date -u -d "$notbefore" +%Y-%m-%dT%H:%M:%SZ 2>/dev/null)
      vto=$(date -u -d "$notafter" +%Y-%m-%dT%H:%M:%SZ 2>/dev/null)
      days=$(cert_days_left "$notafter")
      expired=false
      [ "$days" -le 0 ] 2>/dev/null && expired=true
      sans=$(run openssl x509 -noout -ext subjectAltName -in "$cert" | tr ',' '\n' | sed -n 's/.*DNS:\([^ ]*\).*/\1/p' | jarr)
      [ $first -eq 1 ] || printf ', '
      first=0
      printf '{"path": %s, "subject": %s, "issuer": %s, "validFrom": %s, "validTo": %s, "daysLeft": %s, "expired": %s, "sans": %s}' \
        "$(js "$cert")" "$(js "$subj")" "$(js "$issuer")" "$(js "$vfrom")" "$(js "$vto")" "$(jn "$days")" "$expired" "$sans"
    done
  }
  printf ']'
}

s_user_accounts() {
  printf '['
  head -200 /etc/passwd 2>/dev/null | {
    first=1
    while IFS=: read -r uname _ uid gid _ home shell; do
      [ -z "$uname" ] && continue
      haslogin=true
      case "$shell" in */nologin|*/false|'') haslogin=false ;; esac
      groups=$(id -Gn "$uname" 2>/dev/null | tr ' ' '\n' | jarr)
      [ $first -eq 1 ] || printf ', '
      first=0
      printf '{"username": %s, "uid": %s, "gid": %s, "home": %s, "shell": %s, "hasLogin": %s, "groups": %s}' \
        "$(js "$uname")" "$(jn "$uid")" "$(jn "$gid")" "$(js "$home")" "$(js "$shell")" "$haslogin" "$groups"
    done
  }
  printf ']'
}

s_firewall() {
  local tool raw count
  tool="none"; raw=""; count=0
  if command -v ufw >/dev/null 2>&1 && run ufw status | grep -q 'Status: active'; then
    tool="ufw"
    raw=$(run ufw status | head -c 4000)
  elif command -v nft >/dev/null 2>&1 && [ -n "$(run nft list ruleset | head -1)" ]; then
    tool="nftables"
    raw=$(run nft list ruleset | head -c 4000)
  elif command -v iptables >/dev/null 2>&1; then
    tool="iptables"
    raw=$(run iptables -S | head -c 4000)
  fi
  count=$(printf '%s\n' "$raw" | grep -c . 2>/dev/null)
  printf '{"tool": %s, "rulesCount": %s, "raw": %s}' "$(js "$tool")" "$(jn "$count")" "$(js "$raw")"
}

s_installed_packages() {
  [ "$LIST_PACKAGES" = "1" ] || { printf '[]'; return; }
  printf '['
  {
    if command -v dpkg-query >/dev/null 2>&1; then
      run dpkg-query -W -f '${Package} ${Version}\n'
    elif command -v rpm >/dev/null 2>&1; then
      run rpm -qa --qf '%{NAME} %{VERSION}-%{RELEASE}\n'
    fi
  } | head -2000 | {
    first=1
    while read -r pname pver; do
      [ -z "$pname" ] && continue
      [ $first -eq 1 ] || printf ', '
      first=0
      printf '{"name": %s, "version": %s}' "$(js "$pname")" "$(js "$pver")"
    done
  }
  printf ']'
}

s_kernel() {
  local ver cmdline mods fwd syn rp
  ver=$(uname -v 2>/dev/null)
  cmdline=$(head -c 2000 /proc/cmdline 2>/dev/null)
  mods=$(run lsmod | tail -n +2 | awk '{print $1}' | head -100 | jarr)
  fwd=$(sysctl -n net.ipv4.ip_forward 2>/dev/null)
  syn=$(sysctl -n net.ipv4.tcp_syncookies 2>/dev/null)
  rp=$(sysctl -n net.ipv4.conf.all.rp_filter 2>/dev/null)
  printf '{"version": %s, "cmdline": %s, "modules": %s, "sysctl": {"ipForward": %s, "tcpSyncookies": %s, "rpFilter": %s}}' \
    "$(js "$ver")" "$(js "$cmdline")" "$mods" "$(jn "$fwd")" "$(jn "$syn")" "$(jn "$rp")"
}

s_security() {
  local selinux apparmor sshroot sshpass nopasswd
  selinux=$(run getenforce)
  [ -z "$selinux" ] && selinux="absent"
  apparmor="absent"
  if command -v aa-status >/dev/null 2>&1; then
    run aa-status --enabled && apparmor="enabled" || apparmor="disabled"
  fi
  sshroot=$(grep -i '^PermitRootLogin' /etc/ssh/sshd_config 2>/dev/null | awk '{print $2}' | head -1)
  sshpass=$(grep -i '^PasswordAuthentication' /etc/ssh/sshd_config 2>/dev/null | awk '{print $2}' | head -1)
  nopasswd=$(grep -rh NOPASSWD /etc/sudoers /etc/sudoers.d 2>/dev/null | grep -cv '^#')
  printf '{"selinux": %s, "apparmor": %s, "sshRootLogin": %s, "sshPasswordAuth": %s, "sudoNopasswdCount": %s}' \
    "$(js "$selinux")" "$(js "$apparmor")" "$(js "$sshroot")" "$(js "$sshpass")" "$(jn "$nopasswd")"
}

log_source() { # name, command producing lines
  printf '{"source": %s, "lines": ' "$(js "$1")"
  shift
  "$@" 2>/dev/null | head -50 | cut -c1-500 | jarr
  printf '}'
}

s_logs() {
  local first=1 f
  printf '['
  if command -v journalctl >/dev/null 2>&1; then
    log_source "journal:err" run journalctl -p err --since -24h --no-pager -n 200 -o short-iso
    first=0
  fi
  for f in /var/log/syslog /var/log/messages /var/log/nginx/error.log /var/log/mysql/error.log /var/log/postgresql/postgresql.log $(find /var/log -maxdepth 2 -name 'error*.log' 2>/dev/null | head -5); do
    [ -f "$f" ] || continue
    [ $first -eq 1 ] || printf ', '
    first=0
    log_source "file:$f" sh -c "tail -n 400 '$f' | grep -iE 'error|fail|crit' | tail -n 50"
  done
  printf ']'
}

emit() { # label fallback fn
  local body
  body=$($3 2>/dev/null)
  [ -z "$body" ] && body=$2
  printf '"%s": %s' "$1" "$body"
}

printf '{'
printf '"_meta": {"version": "@VERSION@", "collector": %s, "startedAt": %s}' "$(js "$(hostname 2>/dev/null)")" "$(now_ms)"
printf ', '; emit os '{}' s_os
printf ', '; emit disks '[]' s_disks
printf ', '; emit lvm '[]' s_lvm
printf ', '; emit raid 'null' s_raid
printf ', '; emit mounts '[]' s_mounts
printf ', '; emit interfaces '[]' s_interfaces
printf ', '; emit routing '[]' s_routing
printf ', '; emit etc_hosts '[]' s_etc_hosts
printf ', '; emit arp_table '[]' s_arp_table
printf ', '; emit processes '[]' s_processes
printf ', '; emit listeners '[]' s_listeners
printf ', '; emit sockets '[]' s_sockets
printf ', '; emit docker_containers '[]' s_docker_containers
printf ', '; emit docker_networks '[]' s_docker_networks
printf ', '; emit webserver_configs '{}' s_webserver_configs
printf ', '; emit systemd_units '[]' s_systemd_units
printf ', '; emit cron_jobs '[]' s_cron_jobs
printf ', '; emit ssl_certificates '[]' s_ssl_certificates
printf ', '; emit user_accounts '[]' s_user_accounts
printf ', '; emit firewall '{}' s_firewall
printf ', '; emit installed_packages '[]' s_installed_packages
printf ', '; emit kernel '{}' s_kernel
printf ', '; emit security '{}' s_security
printf ', '; emit logs '[]' s_logs
printf ', "_meta_end": {"finishedAt": %s}' "$(now_ms)"
printf '}\n'
`
