package store

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// Host lifecycle statuses. The job runtime and mapper own transitions.
const (
	StatusDiscovered = "discovered"
	StatusConfigured = "configured"
	StatusScanning   = "scanning"
	StatusOnline     = "online"
	StatusOffline    = "offline"
	StatusError      = "error"
)

// Host is an inventoried machine, unique by IP.
type Host struct {
	ID       int64  `json:"id"`
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`

	OSName    string `json:"osName"`
	OSVersion string `json:"osVersion"`
	Kernel    string `json:"kernel"`
	CPUInfo   string `json:"cpuInfo"`
	MemoryMB  int64  `json:"memoryMb"`

	SSHPort             int     `json:"sshPort"`
	SSHUser             string  `json:"sshUser"`
	AuthMethod          string  `json:"authMethod"` // password or key
	EncryptedPassword   *string `json:"-"`
	EncryptedPrivateKey *string `json:"-"`

	ScheduleExpr *string         `json:"scheduleExpr,omitempty"`
	ScanOptions  json.RawMessage `json:"scanOptions,omitempty"`

	Status        string     `json:"status"`
	LastScanAt    *time.Time `json:"lastScanAt,omitempty"`
	LastScanError *string    `json:"lastScanError,omitempty"`

	RawScanData json.RawMessage `json:"-"`

	AIPurpose string         `json:"aiPurpose,omitempty"`
	AITags    pq.StringArray `json:"aiTags,omitempty"`
	AISummary string         `json:"aiSummary,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasCredentials reports whether the host can be scanned at all.
func (h *Host) HasCredentials() bool {
	if h.SSHUser == "" {
		return false
	}
	return (h.EncryptedPassword != nil && *h.EncryptedPassword != "") ||
		(h.EncryptedPrivateKey != nil && *h.EncryptedPrivateKey != "")
}

// Service is a listening service derived from the listeners section.
type Service struct {
	ID          int64  `json:"id"`
	ServerID    int64  `json:"serverId"`
	Name        string `json:"name"`
	Port        int    `json:"port"`
	Protocol    string `json:"protocol"`
	BindAddress string `json:"bindAddress"`
	State       string `json:"state"`
	PID         int64  `json:"pid"`
}

// Mount is one mounted filesystem.
type Mount struct {
	ID         int64   `json:"id"`
	ServerID   int64   `json:"serverId"`
	Device     string  `json:"device"`
	Mountpoint string  `json:"mountpoint"`
	FSType     string  `json:"fsType"`
	SizeMB     int64   `json:"sizeMb"`
	UsedMB     int64   `json:"usedMb"`
	UsePct     float64 `json:"usePct"`
}

// Interface is one network interface.
type Interface struct {
	ID       int64  `json:"id"`
	ServerID int64  `json:"serverId"`
	Name     string `json:"name"`
	IP       string `json:"ip"`
	MAC      string `json:"mac"`
	State    string `json:"state"`
	MTU      int    `json:"mtu"`
	RxBytes  int64  `json:"rxBytes"`
	TxBytes  int64  `json:"txBytes"`
}

// DockerContainer mirrors one container from the docker sections. Env values
// arrive already masked by the gather script.
type DockerContainer struct {
	ID          int64          `json:"id"`
	ServerID    int64          `json:"serverId"`
	ContainerID string         `json:"containerId"`
	Name        string         `json:"name"`
	Image       string         `json:"image"`
	State       string         `json:"state"`
	Ports       pq.StringArray `json:"ports"`
	Networks    pq.StringArray `json:"networks"`
	Env         pq.StringArray `json:"env"`
	Volumes     pq.StringArray `json:"volumes"`
}

// CronEntry is one crontab line with its source file.
type CronEntry struct {
	ID       int64  `json:"id"`
	ServerID int64  `json:"serverId"`
	CronUser string `json:"user"`
	Schedule string `json:"schedule"`
	Command  string `json:"command"`
	Source   string `json:"source"`
}

// SystemdUnit is one unit in activeState active or failed.
type SystemdUnit struct {
	ID          int64   `json:"id"`
	ServerID    int64   `json:"serverId"`
	Name        string  `json:"name"`
	UnitType    string  `json:"type"`
	ActiveState string  `json:"activeState"`
	SubState    string  `json:"subState"`
	MainPID     int64   `json:"mainPid"`
	MemoryMB    float64 `json:"memoryMb"`
	CPUSec      float64 `json:"cpuSec"`
	Enabled     bool    `json:"enabled"`
}

// SslCert is one discovered certificate.
type SslCert struct {
	ID         int64          `json:"id"`
	ServerID   int64          `json:"serverId"`
	Path       string         `json:"path"`
	Subject    string         `json:"subject"`
	Issuer     string         `json:"issuer"`
	ValidFrom  *time.Time     `json:"validFrom,omitempty"`
	ValidTo    *time.Time     `json:"validTo,omitempty"`
	IsExpired  bool           `json:"isExpired"`
	DaysLeft   int            `json:"daysLeft"`
	SANDomains pq.StringArray `json:"sanDomains"`
}

// LvmVolume is one logical volume, enriched with its mountpoint when a
// mount references the device path.
type LvmVolume struct {
	ID         int64  `json:"id"`
	ServerID   int64  `json:"serverId"`
	VGName     string `json:"vg"`
	LVName     string `json:"lv"`
	DevicePath string `json:"path"`
	SizeMB     int64  `json:"sizeMb"`
	Mountpoint string `json:"mountpoint"`
}

// UserAccount is one login-capable or system account.
type UserAccount struct {
	ID       int64          `json:"id"`
	ServerID int64          `json:"serverId"`
	Username string         `json:"username"`
	UID      int64          `json:"uid"`
	GID      int64          `json:"gid"`
	Shell    string         `json:"shell"`
	HomeDir  string         `json:"homeDir"`
	HasLogin bool           `json:"hasLogin"`
	Groups   pq.StringArray `json:"groups"`
}

// Process is one running process at collection time.
type Process struct {
	ID       int64   `json:"id"`
	ServerID int64   `json:"serverId"`
	PID      int64   `json:"pid"`
	PPID     int64   `json:"ppid"`
	ProcUser string  `json:"user"`
	CPUPct   float64 `json:"cpuPct"`
	MemMB    float64 `json:"memMb"`
	Command  string  `json:"command"`
	FullPath string  `json:"fullPath"`
	Args     string  `json:"args"`
	Cgroup   string  `json:"cgroup"`
	FDCount  int     `json:"fdCount"`
}

// LogEntry is one collected log line; only the latest collection is kept.
type LogEntry struct {
	ID          int64      `json:"id"`
	ServerID    int64      `json:"serverId"`
	Source      string     `json:"source"`
	Level       string     `json:"level"`
	Line        string     `json:"line"`
	LoggedAt    *time.Time `json:"loggedAt,omitempty"`
	CollectedAt time.Time  `json:"collectedAt"`
}

// Snapshot is the append-only stable-inventory record for one scan.
type Snapshot struct {
	ID         int64           `json:"id"`
	ServerID   int64           `json:"serverId"`
	ScanNumber int             `json:"scanNumber"`
	Document   json.RawMessage `json:"document"`
	Checksum   string          `json:"checksum"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Diff change types and severities.
const (
	ChangeAdded    = "added"
	ChangeRemoved  = "removed"
	ChangeModified = "modified"

	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// DiffEvent is one change between two consecutive snapshots of a host.
type DiffEvent struct {
	ID           int64           `json:"id"`
	ServerID     int64           `json:"serverId"`
	SnapshotID   int64           `json:"snapshotId"`
	Category     string          `json:"category"`
	ChangeType   string          `json:"changeType"`
	ItemKey      string          `json:"itemKey"`
	OldValue     json.RawMessage `json:"oldValue,omitempty"`
	NewValue     json.RawMessage `json:"newValue,omitempty"`
	Severity     string          `json:"severity"`
	Acknowledged bool            `json:"acknowledged"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Edge detection methods.
const (
	MethodSocket = "socket"
	MethodConfig = "config"
	MethodDocker = "docker"
	MethodARP    = "arp"
)

// ConnectionEdge is directed evidence of a network relationship.
type ConnectionEdge struct {
	ID              int64           `json:"id"`
	SourceServerID  int64           `json:"sourceServerId"`
	TargetServerID  *int64          `json:"targetServerId,omitempty"`
	TargetIP        string          `json:"targetIp"`
	TargetPort      int             `json:"targetPort"`
	SourceProcess   string          `json:"sourceProcess"`
	DetectionMethod string          `json:"detectionMethod"`
	Details         json.RawMessage `json:"details,omitempty"`
	IsExternal      bool            `json:"isExternal"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Rule condition types.
const (
	CondSSLExpiry      = "ssl_expiry"
	CondDiskUsage      = "disk_usage"
	CondSystemdFailed  = "systemd_failed"
	CondDiffCount      = "diff_count"
	CondServiceMissing = "service_missing"
)

// RuleCondition is the tagged variant selecting one evaluator.
type RuleCondition struct {
	Type        string `json:"type"`
	DaysLeft    int    `json:"daysLeft,omitempty"`
	Threshold   int    `json:"threshold,omitempty"`
	Category    string `json:"category,omitempty"`
	ChangeType  string `json:"changeType,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
}

// AlertRule is an administrator-managed evaluation rule. A nil ServerID
// scopes the rule globally.
type AlertRule struct {
	ID              int64         `json:"id"`
	Name            string        `json:"name"`
	Description     string        `json:"description"`
	Category        string        `json:"category"`
	Condition       RuleCondition `json:"condition"`
	Severity        string        `json:"severity"`
	Enabled         bool          `json:"enabled"`
	ServerID        *int64        `json:"serverId,omitempty"`
	CooldownMinutes int           `json:"cooldownMinutes"`
	LastTriggeredAt *time.Time    `json:"lastTriggeredAt,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// Alert is one fired notification.
type Alert struct {
	ID         int64           `json:"id"`
	RuleID     *int64          `json:"ruleId,omitempty"`
	ServerID   *int64          `json:"serverId,omitempty"`
	Title      string          `json:"title"`
	Message    string          `json:"message"`
	Severity   string          `json:"severity"`
	Category   string          `json:"category"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Resolved   bool            `json:"resolved"`
	ResolvedAt *time.Time      `json:"resolvedAt,omitempty"`
	ResolvedBy string          `json:"resolvedBy,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Analysis purposes.
const (
	PurposeServerSummary = "server_summary"
	PurposeAnomalyCheck  = "anomaly_check"
	PurposeProcessMap    = "process_map"
	PurposeRunbook       = "runbook"
	PurposeLogAnalysis   = "log_analysis"
)

// AiAnalysis is the stored result of one LLM pipeline run. At most one row
// exists per (server, purpose).
type AiAnalysis struct {
	ID          int64           `json:"id"`
	ServerID    int64           `json:"serverId"`
	Purpose     string          `json:"purpose"`
	Document    json.RawMessage `json:"document"`
	RawPrompt   string          `json:"-"`
	RawResponse string          `json:"-"`
	ModelUsed   string          `json:"modelUsed"`
	DurationMS  int64           `json:"durationMs"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// LlmFeatures toggles the post-scan pipelines individually.
type LlmFeatures struct {
	Summary     bool `json:"summary"`
	Anomaly     bool `json:"anomaly"`
	LogAnalysis bool `json:"logAnalysis"`
	Runbook     bool `json:"runbook"`
	ProcessMap  bool `json:"processMap"`
}

// LlmSettings is the singleton provider configuration. The analysis_* fields
// implement the single-writer lock for local providers.
type LlmSettings struct {
	Provider        string      `json:"provider"`
	Endpoint        string      `json:"endpoint"`
	APIKeyEncrypted string      `json:"-"`
	Model           string      `json:"model"`
	Enabled         bool        `json:"enabled"`
	Features        LlmFeatures `json:"features"`
	Temperature     float64     `json:"temperature"`
	MaxTokens       int         `json:"maxTokens"`
	NumCtx          int         `json:"numCtx"`
	TimeoutSec      int         `json:"timeoutSec"`

	AnalysisRunning   bool       `json:"analysisRunning"`
	AnalysisServerID  *int64     `json:"analysisServerId,omitempty"`
	AnalysisUpdatedAt *time.Time `json:"analysisUpdatedAt,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Network scan statuses.
const (
	NetScanPending   = "pending"
	NetScanRunning   = "running"
	NetScanCompleted = "completed"
	NetScanFailed    = "failed"
)

// NetworkScan is one subnet discovery run, optionally on a schedule.
type NetworkScan struct {
	ID           int64           `json:"id"`
	Subnet       string          `json:"subnet"`
	ScheduleExpr *string         `json:"scheduleExpr,omitempty"`
	Status       string          `json:"status"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
	HostsFound   int             `json:"hostsFound"`
	Results      json.RawMessage `json:"results,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// User is an operator account.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // admin or viewer
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// AuditEntry records one mutation with its principal and outcome.
type AuditEntry struct {
	ID         int64     `json:"id"`
	Principal  string    `json:"principal"`
	Action     string    `json:"action"`
	TargetType string    `json:"targetType"`
	TargetID   string    `json:"targetId"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}
