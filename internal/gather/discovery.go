package gather

import (
	"path"
	"strings"
)

// Config-discovery caps. Files beyond these limits are dropped, never
// truncated mid-entry.
const (
	MaxConfigFileBytes   = 262144
	MaxConfigsPerProcess = 30
	MaxConfigsTotal      = 200
)

// ConfigDiscoveryScript renders the program that locates and base64-encodes
// candidate configuration files per running process. Output is one JSON
// document: {"processes": [{name, pid, exe, configs: [{path, size, contentB64}]}]}.
func ConfigDiscoveryScript() string {
	return discoveryTemplate
}

// DiscoveryCommand returns the fixed runtime-facts command for a process
// name, if the catalog knows it. Names are normalised first, so php-fpm8.2
// resolves the php-fpm entry.
func DiscoveryCommand(process string) (string, bool) {
	cmd, ok := discoveryCommands[normalizeProcessName(process)]
	return cmd, ok
}

// IsKernelProcess reports whether a process row describes a kernel thread.
func IsKernelProcess(args string) bool {
	return strings.HasPrefix(strings.TrimSpace(args), "[")
}

func normalizeProcessName(p string) string {
	p = path.Base(strings.TrimSpace(p))
	p = strings.TrimRight(p, "0123456789.")
	return p
}

var discoveryCommands = map[string]string{
	"nginx":        "nginx -v 2>&1; nginx -T 2>/dev/null | head -c 10000",
	"apache2":      "apachectl -S 2>&1 | head -c 5000",
	"httpd":        "httpd -S 2>&1 | head -c 5000",
	"mysqld":       "mysqld --version 2>&1 | head -c 500",
	"mariadbd":     "mariadbd --version 2>&1 | head -c 500",
	"postgres":     "postgres --version 2>&1; ls /etc/postgresql 2>/dev/null",
	"redis-server": "redis-cli --version 2>&1; redis-cli info server 2>/dev/null | head -c 3000",
	"mongod":       "mongod --version 2>&1 | head -c 1000",
	"haproxy":      "haproxy -vv 2>&1 | head -c 2000",
	"php-fpm":      "php-fpm -v 2>&1 | head -c 1000",
	"sshd":         "sshd -T 2>/dev/null | head -c 5000",
	"dockerd":      "docker info --format '{{json .}}' 2>/dev/null | head -c 5000",
	"containerd":   "containerd --version 2>&1 | head -c 500",
	"node":         "node --version 2>&1 | head -c 200",
	"java":         "java -version 2>&1 | head -c 1000",
	"rabbitmq":     "rabbitmqctl status 2>/dev/null | head -c 5000",
	"memcached":    "memcached --version 2>&1 | head -c 200",
}

const discoveryTemplate = `#!/bin/bash
# systemmap config discovery
export LC_ALL=C
export PATH=/usr/sbin:/usr/bin:/sbin:/bin:$PATH

MAX_FILE=262144
MAX_PER_PROC=30
MAX_TOTAL=200

je() { sed -e 's/\\/\\\\/g' -e 's/"/\\"/g' -e 's/\t/\\t/g' -e 's/\r//g' | sed ':a;N;$!ba;s/\n/\\n/g'; }
js() { printf '"%s"' "$(printf '%s' "$1" | je)"; }
jn() {
  local v
  v=$(printf '%s' "$1" | tr -cd '0-9')
  [ -z "$v" ] && v=0
  printf '%s' "$v"
}

is_configlike() {
  case "$1" in
    *.conf|*.cfg|*.ini|*.yaml|*.yml|*.toml|*.json|*.properties|*.cnf|*.config) return 0 ;;
    *) return 1 ;;
  esac
}

alias_for() {
  case "$1" in
    postgres) printf 'postgresql' ;;
    mysqld|mariadbd) printf 'mysql' ;;
    httpd) printf 'apache2' ;;
    php-fpm*) printf 'php' ;;
    redis-server) printf 'redis' ;;
    *) printf '' ;;
  esac
}

std_locations() {
  case "$1" in
    nginx) printf '/etc/nginx/nginx.conf\n' ;;
    haproxy) printf '/etc/haproxy/haproxy.cfg\n' ;;
    redis-server) printf '/etc/redis/redis.conf\n/etc/redis.conf\n' ;;
    sshd) printf '/etc/ssh/sshd_config\n' ;;
    mysqld|mariadbd) printf '/etc/mysql/my.cnf\n/etc/my.cnf\n' ;;
    mongod) printf '/etc/mongod.conf\n' ;;
    memcached) printf '/etc/memcached.conf\n' ;;
    *) : ;;
  esac
}

candidates_for() { # pid name exe
  local pid=$1 name=$2 exe=$3 a fd tgt pkg arg
  tr '\0' '\n' < "/proc/$pid/cmdline" 2>/dev/null | while IFS= read -r arg; do
    arg=${arg#*=}
    is_configlike "$arg" && [ -f "$arg" ] && printf '%s\n' "$arg"
  done
  for fd in "/proc/$pid/fd"/*; do
    tgt=$(readlink "$fd" 2>/dev/null)
    [ -n "$tgt" ] || continue
    is_configlike "$tgt" && [ -f "$tgt" ] && printf '%s\n' "$tgt"
  done
  if [ -n "$exe" ] && command -v dpkg >/dev/null 2>&1; then
    pkg=$(dpkg -S "$exe" 2>/dev/null | head -1 | cut -d: -f1)
    [ -n "$pkg" ] && dpkg -L "$pkg" 2>/dev/null | grep '^/etc/' | while IFS= read -r tgt; do
      is_configlike "$tgt" && [ -f "$tgt" ] && printf '%s\n' "$tgt"
    done
  elif [ -n "$exe" ] && command -v rpm >/dev/null 2>&1; then
    pkg=$(rpm -qf "$exe" 2>/dev/null | head -1)
    case "$pkg" in *"not owned"*|'') ;; *)
      rpm -ql "$pkg" 2>/dev/null | grep '^/etc/' | while IFS= read -r tgt; do
        is_configlike "$tgt" && [ -f "$tgt" ] && printf '%s\n' "$tgt"
      done ;;
    esac
  fi
  for a in "$name" "$(alias_for "$name")"; do
    [ -z "$a" ] && continue
    [ -d "/etc/$a" ] && find "/etc/$a" -maxdepth 2 -type f 2>/dev/null | head -20
    [ -f "/etc/$a.conf" ] && printf '%s\n' "/etc/$a.conf"
  done
  std_locations "$name"
  if command -v systemctl >/dev/null 2>&1; then
    systemctl show "$name.service" -p FragmentPath -p EnvironmentFiles 2>/dev/null | cut -d= -f2 | awk '{print $1}' | while IFS= read -r tgt; do
      [ -f "$tgt" ] && printf '%s\n' "$tgt"
    done
  fi
}

total=0
first=1
printf '{"collector": %s, "processes": [' "$(js "$(hostname 2>/dev/null)")"
while read -r pid comm args; do
  [ -z "$pid" ] && continue
  case "$args" in \[*\]) continue ;; esac
  exe=$(readlink "/proc/$pid/exe" 2>/dev/null)
  [ $first -eq 1 ] || printf ', '
  first=0
  printf '{"name": %s, "pid": %s, "exe": %s, "configs": [' "$(js "$comm")" "$(jn "$pid")" "$(js "$exe")"
  cfirst=1
  while IFS= read -r f; do
    [ -z "$f" ] && continue
    [ "$total" -ge "$MAX_TOTAL" ] && break
    [ -r "$f" ] || continue
    size=$(stat -c %s "$f" 2>/dev/null)
    b64=$(head -c "$MAX_FILE" "$f" 2>/dev/null | base64 -w0 2>/dev/null)
    [ $cfirst -eq 1 ] || printf ', '
    cfirst=0
    printf '{"path": %s, "size": %s, "contentB64": "%s"}' "$(js "$f")" "$(jn "$size")" "$b64"
    total=$((total + 1))
  done < <(candidates_for "$pid" "$comm" "$exe" | sort -u | head -n "$MAX_PER_PROC")
  printf ']}'
done < <(ps axo pid,comm,args --sort=-%cpu 2>/dev/null | tail -n +2 | awk '!seen[$2]++' | head -60)
printf ']}\n'
`
