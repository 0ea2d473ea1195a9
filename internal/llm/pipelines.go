package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/systemmap/backend/internal/logging"
	"github.com/systemmap/backend/internal/metrics"
	"github.com/systemmap/backend/internal/rawdoc"
	"github.com/systemmap/backend/internal/remote"
	"github.com/systemmap/backend/internal/store"
	"github.com/systemmap/backend/internal/vault"
)

const (
	// maxAnomalyDiffs caps how many change events one anomaly review sees.
	maxAnomalyDiffs = 30
	maxSummaryTags  = 5
	maxLogFindings  = 8

	// logBudgetBytes is the compressed-log size handed to the model.
	logBudgetBytes = 2048

	// logAnalysisInterval spaces out log reviews per host.
	logAnalysisInterval = 24 * time.Hour

	// maxValueChars bounds old/new diff values inside prompts.
	maxValueChars = 200
)

// interestingLine selects the log lines worth keeping when compressing.
var interestingLine = regexp.MustCompile(`(?i)error|fail|warn|crit|oom|panic|kill|denied|segfault`)

// ProgressFunc receives stage updates from long pipelines. The worker
// forwards them into the job record.
type ProgressFunc func(step string, percent int, message string)

// Runner executes remote work for the process-map phases.
type Runner interface {
	RunScript(ctx context.Context, creds remote.Credentials, script string, opts remote.Options) (rawdoc.Doc, []byte, error)
	RunCommand(ctx context.Context, creds remote.Credentials, command string, opts remote.Options) (string, error)
}

// Pipelines runs the post-scan analysis tasks against the configured
// provider and persists their results.
type Pipelines struct {
	store   *store.Store
	vault   *vault.Vault
	exec    Runner
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

// NewPipelines wires the pipelines. exec is only needed for the process
// map; the other pipelines never touch the host.
func NewPipelines(st *store.Store, v *vault.Vault, exec Runner, m *metrics.Metrics) *Pipelines {
	return &Pipelines{
		store:   st,
		vault:   v,
		exec:    exec,
		metrics: m,
		log:     logging.WithComponent("llm"),
		now:     time.Now,
	}
}

// Run executes the pipeline named by purpose. The analysis queue hands
// requests here.
func (p *Pipelines) Run(ctx context.Context, host *store.Host, purpose string, report ProgressFunc) (*store.AiAnalysis, error) {
	switch purpose {
	case store.PurposeServerSummary:
		return p.ServerSummary(ctx, host)
	case store.PurposeAnomalyCheck:
		diffs, err := p.store.RecentDiffs(ctx, host.ID, maxAnomalyDiffs*2)
		if err != nil {
			return nil, err
		}
		return p.AnomalyCheck(ctx, host, diffs)
	case store.PurposeLogAnalysis:
		return p.LogAnalysis(ctx, host)
	case store.PurposeRunbook:
		return p.Runbook(ctx, host)
	case store.PurposeProcessMap:
		return p.ProcessMap(ctx, host, report)
	default:
		return nil, fmt.Errorf("unknown analysis purpose %q", purpose)
	}
}

// prepare loads the settings singleton and applies the enabled and
// per-feature gates.
func (p *Pipelines) prepare(ctx context.Context, enabled func(store.LlmFeatures) bool) (*Client, *store.LlmSettings, error) {
	cfg, err := p.store.GetLLMSettings(ctx)
	if err != nil {
		return nil, nil, err
	}
	if cfg == nil || !cfg.Enabled {
		return nil, nil, ErrDisabled
	}
	if enabled != nil && !enabled(cfg.Features) {
		return nil, nil, ErrFeatureDisabled
	}
	client, err := NewClient(cfg, p.vault, p.metrics)
	if err != nil {
		return nil, nil, err
	}
	return client, cfg, nil
}

// withLock takes the single-writer lock around fn for local providers.
// Hosted APIs run fn directly. Release survives context cancellation so a
// shutdown mid-analysis never strands the lock.
func (p *Pipelines) withLock(ctx context.Context, cfg *store.LlmSettings, serverID int64, fn func() error) error {
	if !IsLocalProvider(cfg.Provider) {
		return fn()
	}
	ok, err := p.store.AcquireAnalysisLock(ctx, serverID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLocked
	}
	defer func() {
		if err := p.store.ReleaseAnalysisLock(context.WithoutCancel(ctx)); err != nil {
			p.log.Error().Int64("host", serverID).Err(err).Msg("failed to release analysis lock")
		}
	}()
	return fn()
}

const summarySystemPrompt = `You are an infrastructure analyst. Given the facts about a Linux server, identify what the machine is for. Respond with JSON: {"purpose": "<short role, e.g. database server>", "tags": ["<up to 5 short labels>"], "summary": "<2-3 sentence description>"}.`

type summaryReply struct {
	Purpose string   `json:"purpose"`
	Tags    []string `json:"tags"`
	Summary string   `json:"summary"`
}

// ServerSummary asks for a one-paragraph description of what the host is
// for and caches it onto the host row.
func (p *Pipelines) ServerSummary(ctx context.Context, host *store.Host) (*store.AiAnalysis, error) {
	client, cfg, err := p.prepare(ctx, func(f store.LlmFeatures) bool { return f.Summary })
	if err != nil {
		return nil, err
	}

	facts, err := p.summaryFacts(ctx, host)
	if err != nil {
		return nil, err
	}
	msgs := []Message{
		{Role: RoleSystem, Content: summarySystemPrompt},
		{Role: RoleUser, Content: facts},
	}

	var (
		parsed summaryReply
		doc    json.RawMessage
		res    *Result
	)
	err = p.withLock(ctx, cfg, host.ID, func() error {
		var chatErr error
		doc, res, chatErr = client.ChatJSON(ctx, store.PurposeServerSummary, msgs, &parsed)
		return chatErr
	})
	if err != nil {
		return nil, err
	}

	tags := parsed.Tags
	if len(tags) > maxSummaryTags {
		tags = tags[:maxSummaryTags]
	}
	if err := p.store.UpdateHostAI(ctx, host.ID, parsed.Purpose, tags, parsed.Summary); err != nil {
		return nil, err
	}

	analysis := &store.AiAnalysis{
		ServerID:    host.ID,
		Purpose:     store.PurposeServerSummary,
		Document:    doc,
		RawPrompt:   RenderPrompt(msgs),
		RawResponse: res.Content,
		ModelUsed:   res.Model,
		DurationMS:  res.DurationMS,
	}
	if err := p.store.SaveAnalysis(ctx, analysis); err != nil {
		return nil, err
	}
	p.log.Info().Int64("host", host.ID).Str("purpose", parsed.Purpose).Msg("server summary updated")
	return analysis, nil
}

func (p *Pipelines) summaryFacts(ctx context.Context, host *store.Host) (string, error) {
	services, err := p.store.ServicesForHost(ctx, host.ID)
	if err != nil {
		return "", err
	}
	containers, err := p.store.ContainersForHost(ctx, host.ID)
	if err != nil {
		return "", err
	}
	processes, err := p.store.ProcessesForHost(ctx, host.ID)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Host %s (%s)\n", hostLabel(host), host.IP)
	fmt.Fprintf(&sb, "OS: %s %s, kernel %s\n", host.OSName, host.OSVersion, host.Kernel)
	fmt.Fprintf(&sb, "Hardware: %s, %d MB memory\n", host.CPUInfo, host.MemoryMB)

	if len(services) > 0 {
		sb.WriteString("\nListening services:\n")
		for i, svc := range services {
			if i == 20 {
				fmt.Fprintf(&sb, "  ... and %d more\n", len(services)-i)
				break
			}
			fmt.Fprintf(&sb, "  %s %d/%s on %s\n", svc.Name, svc.Port, svc.Protocol, svc.BindAddress)
		}
	}
	if len(containers) > 0 {
		sb.WriteString("\nContainers:\n")
		for i, c := range containers {
			if i == 15 {
				fmt.Fprintf(&sb, "  ... and %d more\n", len(containers)-i)
				break
			}
			fmt.Fprintf(&sb, "  %s (%s, %s)\n", c.Name, c.Image, c.State)
		}
	}
	if len(processes) > 0 {
		sb.WriteString("\nTop processes by CPU:\n")
		for i, pr := range processes {
			if i == 10 {
				break
			}
			fmt.Fprintf(&sb, "  %s (%.1f%% cpu, %.0f MB, user %s)\n", pr.Command, pr.CPUPct, pr.MemMB, pr.ProcUser)
		}
	}
	return sb.String(), nil
}

const anomalySystemPrompt = `You are a security and reliability reviewer. You receive changes detected between two scans of a Linux server. Judge whether they look routine or hostile. Respond with JSON: {"overall": "low|medium|high|critical", "summary": "<short assessment>", "findings": [{"itemKey": "<key>", "assessment": "normal|suspicious|critical", "reason": "<why>"}]}. Only include findings for changes worth a second look.`

type anomalyReply struct {
	Overall  string           `json:"overall"`
	Summary  string           `json:"summary"`
	Findings []anomalyFinding `json:"findings"`
}

type anomalyFinding struct {
	ItemKey    string `json:"itemKey"`
	Assessment string `json:"assessment"`
	Reason     string `json:"reason"`
}

// AnomalyCheck reviews the change events of the latest scan and files an
// alert when the model judges them hostile or destabilising.
func (p *Pipelines) AnomalyCheck(ctx context.Context, host *store.Host, diffs []store.DiffEvent) (*store.AiAnalysis, error) {
	if len(diffs) == 0 {
		return nil, nil
	}
	client, cfg, err := p.prepare(ctx, func(f store.LlmFeatures) bool { return f.Anomaly })
	if err != nil {
		return nil, err
	}

	picked := prioritiseDiffs(diffs, maxAnomalyDiffs)
	var lines []string
	for _, d := range picked {
		lines = append(lines, diffLine(d))
	}
	msgs := []Message{
		{Role: RoleSystem, Content: anomalySystemPrompt},
		{Role: RoleUser, Content: fmt.Sprintf("Host %s changed since the previous scan:\n%s",
			hostLabel(host), strings.Join(lines, "\n"))},
	}

	var (
		parsed anomalyReply
		res    *Result
	)
	err = p.withLock(ctx, cfg, host.ID, func() error {
		var chatErr error
		_, res, chatErr = client.ChatJSON(ctx, store.PurposeAnomalyCheck, msgs, &parsed)
		return chatErr
	})
	if err != nil {
		return nil, err
	}

	parsed.Overall = normaliseOverall(parsed.Overall)
	critical := parsed.Overall == "critical"
	for i := range parsed.Findings {
		parsed.Findings[i].Assessment = normaliseAssessment(parsed.Findings[i].Assessment)
		if parsed.Findings[i].Assessment == "critical" {
			critical = true
		}
	}
	doc, err := json.Marshal(parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to encode anomaly result: %w", err)
	}

	severity := ""
	switch {
	case critical:
		severity = store.SeverityCritical
	case parsed.Overall == "high":
		severity = store.SeverityWarning
	}
	if severity != "" {
		alert := &store.Alert{
			ServerID: &host.ID,
			Title:    fmt.Sprintf("[%s] AI anomaly review", hostLabel(host)),
			Message:  parsed.Summary,
			Severity: severity,
			Category: "ai_anomaly",
			Metadata: doc,
		}
		if err := p.store.InsertAlert(ctx, alert); err != nil {
			return nil, err
		}
		if p.metrics != nil {
			p.metrics.RecordAlert("ai_anomaly", severity)
		}
		p.log.Warn().Int64("host", host.ID).Str("overall", parsed.Overall).Msg("anomaly review raised an alert")
	}

	analysis := &store.AiAnalysis{
		ServerID:    host.ID,
		Purpose:     store.PurposeAnomalyCheck,
		Document:    doc,
		RawPrompt:   RenderPrompt(msgs),
		RawResponse: res.Content,
		ModelUsed:   res.Model,
		DurationMS:  res.DurationMS,
	}
	if err := p.store.SaveAnalysis(ctx, analysis); err != nil {
		return nil, err
	}
	return analysis, nil
}

// prioritiseDiffs orders change events by severity, then by how disruptive
// the change type tends to be, and keeps the first max.
func prioritiseDiffs(diffs []store.DiffEvent, max int) []store.DiffEvent {
	severityRank := map[string]int{store.SeverityCritical: 0, store.SeverityWarning: 1, store.SeverityInfo: 2}
	changeRank := map[string]int{store.ChangeRemoved: 0, store.ChangeAdded: 1, store.ChangeModified: 2}
	rank := func(table map[string]int, key string) int {
		if r, ok := table[key]; ok {
			return r
		}
		return len(table)
	}

	out := make([]store.DiffEvent, len(diffs))
	copy(out, diffs)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := rank(severityRank, out[i].Severity), rank(severityRank, out[j].Severity)
		if si != sj {
			return si < sj
		}
		return rank(changeRank, out[i].ChangeType) < rank(changeRank, out[j].ChangeType)
	})
	if len(out) > max {
		out = out[:max]
	}
	return out
}

func diffLine(d store.DiffEvent) string {
	line := fmt.Sprintf("- [%s] %s %s %s", d.Severity, d.Category, d.ChangeType, d.ItemKey)
	if len(d.OldValue) > 0 {
		line += " old=" + rawdoc.Truncate(string(d.OldValue), maxValueChars)
	}
	if len(d.NewValue) > 0 {
		line += " new=" + rawdoc.Truncate(string(d.NewValue), maxValueChars)
	}
	return line
}

func normaliseOverall(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	switch v {
	case "low", "medium", "high", "critical":
		return v
	}
	return "low"
}

func normaliseAssessment(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	switch v {
	case "normal", "suspicious", "critical":
		return v
	}
	return "normal"
}

const logSystemPrompt = `You are a Linux operations engineer reviewing log excerpts from one server. Respond with JSON: {"status_score": <0-100, 100 is perfectly healthy>, "status": "healthy|degraded|critical", "summary": ["<bullet>"], "findings": [{"source": "<log source>", "severity": "info|warning|critical", "message": "<what and why>"}]}. At most 8 findings.`

type logReply struct {
	StatusScore int          `json:"status_score"`
	Status      string       `json:"status"`
	Summary     []string     `json:"summary"`
	Findings    []logFinding `json:"findings"`
}

type logFinding struct {
	Source   string `json:"source"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// LogAnalysis grades the collected log lines, at most once per host per
// rolling 24 hours. A critical grade files an alert.
func (p *Pipelines) LogAnalysis(ctx context.Context, host *store.Host) (*store.AiAnalysis, error) {
	client, cfg, err := p.prepare(ctx, func(f store.LlmFeatures) bool { return f.LogAnalysis })
	if err != nil {
		return nil, err
	}

	last, err := p.store.LastAnalysisAt(ctx, host.ID, store.PurposeLogAnalysis)
	if err != nil {
		return nil, err
	}
	if last != nil && p.now().Sub(*last) < logAnalysisInterval {
		p.log.Debug().Int64("host", host.ID).Time("last", *last).Msg("log analysis ran recently, skipping")
		return nil, nil
	}

	entries, err := p.store.LogEntriesForHost(ctx, host.ID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	compressed := compressLogs(entries, logBudgetBytes)

	msgs := []Message{
		{Role: RoleSystem, Content: logSystemPrompt},
		{Role: RoleUser, Content: fmt.Sprintf("Log excerpts from host %s:\n%s", hostLabel(host), compressed)},
	}

	var (
		parsed logReply
		res    *Result
	)
	err = p.withLock(ctx, cfg, host.ID, func() error {
		var chatErr error
		_, res, chatErr = client.ChatJSON(ctx, store.PurposeLogAnalysis, msgs, &parsed)
		return chatErr
	})
	if err != nil {
		return nil, err
	}

	parsed.StatusScore = clampScore(parsed.StatusScore)
	parsed.Status = normaliseLogStatus(parsed.Status, parsed.StatusScore)
	if len(parsed.Findings) > maxLogFindings {
		parsed.Findings = parsed.Findings[:maxLogFindings]
	}
	doc, err := json.Marshal(parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to encode log analysis: %w", err)
	}

	if parsed.Status == "critical" {
		alert := &store.Alert{
			ServerID: &host.ID,
			Title:    fmt.Sprintf("[%s] Critical log findings", hostLabel(host)),
			Message:  strings.Join(parsed.Summary, " "),
			Severity: store.SeverityCritical,
			Category: "ai_logs",
			Metadata: doc,
		}
		if err := p.store.InsertAlert(ctx, alert); err != nil {
			return nil, err
		}
		if p.metrics != nil {
			p.metrics.RecordAlert("ai_logs", store.SeverityCritical)
		}
	}

	analysis := &store.AiAnalysis{
		ServerID:    host.ID,
		Purpose:     store.PurposeLogAnalysis,
		Document:    doc,
		RawPrompt:   RenderPrompt(msgs),
		RawResponse: res.Content,
		ModelUsed:   res.Model,
		DurationMS:  res.DurationMS,
	}
	if err := p.store.SaveAnalysis(ctx, analysis); err != nil {
		return nil, err
	}
	p.log.Info().Int64("host", host.ID).Int("score", parsed.StatusScore).
		Str("status", parsed.Status).Msg("log analysis saved")
	return analysis, nil
}

// compressLogs keeps the interesting lines, newest first, until the budget
// is spent. When nothing matches it falls back to the newest lines so the
// review still has material. Output stays in chronological order.
func compressLogs(entries []store.LogEntry, budget int) string {
	format := func(e store.LogEntry) string {
		if e.Level != "" {
			return fmt.Sprintf("%s [%s] %s", e.Source, e.Level, e.Line)
		}
		return fmt.Sprintf("%s %s", e.Source, e.Line)
	}

	var kept []string
	total := 0
	for i := len(entries) - 1; i >= 0 && total < budget; i-- {
		if !interestingLine.MatchString(entries[i].Line) {
			continue
		}
		line := format(entries[i])
		kept = append(kept, line)
		total += len(line) + 1
	}
	if len(kept) == 0 {
		for i := len(entries) - 1; i >= 0 && total < budget; i-- {
			line := format(entries[i])
			kept = append(kept, line)
			total += len(line) + 1
		}
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return strings.Join(kept, "\n")
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// normaliseLogStatus falls back to deriving the grade from the score when
// the model invents a label.
func normaliseLogStatus(status string, score int) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "healthy":
		return "healthy"
	case "degraded":
		return "degraded"
	case "critical":
		return "critical"
	}
	switch {
	case score >= 80:
		return "healthy"
	case score >= 40:
		return "degraded"
	}
	return "critical"
}

const runbookSystemPrompt = `You write concise operations runbooks for Linux servers. Given the inventory facts, produce JSON: {"title": "<runbook title>", "sections": [{"title": "<section>", "priority": "routine|important|critical", "steps": ["<step>"]}]}. Cover health checks, service recovery, storage, and anything the inventory shows is worth an operator's attention.`

// RunbookSection is one block of the generated handbook.
type RunbookSection struct {
	Title    string   `json:"title"`
	Priority string   `json:"priority"`
	Steps    []string `json:"steps"`
}

type runbookReply struct {
	Title    string           `json:"title"`
	Sections []RunbookSection `json:"sections"`
}

// Runbook produces an operations handbook for the host. It only runs on
// demand, never as part of a scan.
func (p *Pipelines) Runbook(ctx context.Context, host *store.Host) (*store.AiAnalysis, error) {
	client, cfg, err := p.prepare(ctx, func(f store.LlmFeatures) bool { return f.Runbook })
	if err != nil {
		return nil, err
	}

	facts, err := p.runbookFacts(ctx, host)
	if err != nil {
		return nil, err
	}
	msgs := []Message{
		{Role: RoleSystem, Content: runbookSystemPrompt},
		{Role: RoleUser, Content: facts},
	}

	var (
		parsed runbookReply
		res    *Result
	)
	err = p.withLock(ctx, cfg, host.ID, func() error {
		var chatErr error
		_, res, chatErr = client.ChatJSON(ctx, store.PurposeRunbook, msgs, &parsed)
		return chatErr
	})
	if err != nil {
		return nil, err
	}

	for i := range parsed.Sections {
		parsed.Sections[i].Priority = normalisePriority(parsed.Sections[i].Priority)
	}
	sortRunbookSections(parsed.Sections)
	doc, err := json.Marshal(parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to encode runbook: %w", err)
	}

	analysis := &store.AiAnalysis{
		ServerID:    host.ID,
		Purpose:     store.PurposeRunbook,
		Document:    doc,
		RawPrompt:   RenderPrompt(msgs),
		RawResponse: res.Content,
		ModelUsed:   res.Model,
		DurationMS:  res.DurationMS,
	}
	if err := p.store.SaveAnalysis(ctx, analysis); err != nil {
		return nil, err
	}
	p.log.Info().Int64("host", host.ID).Int("sections", len(parsed.Sections)).Msg("runbook saved")
	return analysis, nil
}

func (p *Pipelines) runbookFacts(ctx context.Context, host *store.Host) (string, error) {
	services, err := p.store.ServicesForHost(ctx, host.ID)
	if err != nil {
		return "", err
	}
	mounts, err := p.store.MountsForHost(ctx, host.ID)
	if err != nil {
		return "", err
	}
	units, err := p.store.SystemdUnitsForHost(ctx, host.ID)
	if err != nil {
		return "", err
	}
	containers, err := p.store.ContainersForHost(ctx, host.ID)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Host %s (%s), %s %s\n", hostLabel(host), host.IP, host.OSName, host.OSVersion)
	if len(services) > 0 {
		sb.WriteString("\nServices:\n")
		for _, svc := range services {
			fmt.Fprintf(&sb, "  %s on %d/%s\n", svc.Name, svc.Port, svc.Protocol)
		}
	}
	if len(mounts) > 0 {
		sb.WriteString("\nMounts:\n")
		for _, m := range mounts {
			fmt.Fprintf(&sb, "  %s at %s (%s, %.0f%% used)\n", m.Device, m.Mountpoint, m.FSType, m.UsePct)
		}
	}
	if len(units) > 0 {
		sb.WriteString("\nSystemd units:\n")
		for i, u := range units {
			if i == 30 {
				fmt.Fprintf(&sb, "  ... and %d more\n", len(units)-i)
				break
			}
			fmt.Fprintf(&sb, "  %s (%s/%s)\n", u.Name, u.ActiveState, u.SubState)
		}
	}
	if len(containers) > 0 {
		sb.WriteString("\nContainers:\n")
		for _, c := range containers {
			fmt.Fprintf(&sb, "  %s (%s, %s)\n", c.Name, c.Image, c.State)
		}
	}
	return sb.String(), nil
}

func normalisePriority(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "critical":
		return "critical"
	case "important":
		return "important"
	}
	return "routine"
}

// sortRunbookSections orders critical sections first, routine last.
func sortRunbookSections(sections []RunbookSection) {
	rank := map[string]int{"critical": 0, "important": 1, "routine": 2}
	sort.SliceStable(sections, func(i, j int) bool {
		return rank[sections[i].Priority] < rank[sections[j].Priority]
	})
}

func hostLabel(h *store.Host) string {
	if h.Hostname != "" {
		return h.Hostname
	}
	return h.IP
}

func (p *Pipelines) credentials(h *store.Host) (remote.Credentials, error) {
	creds := remote.Credentials{IP: h.IP, Port: h.SSHPort, User: h.SSHUser}
	if h.EncryptedPassword != nil && *h.EncryptedPassword != "" {
		pw, err := p.vault.Decrypt(*h.EncryptedPassword)
		if err != nil {
			return remote.Credentials{}, fmt.Errorf("failed to decrypt password for host %d: %w", h.ID, err)
		}
		creds.Password = pw
	}
	if h.EncryptedPrivateKey != nil && *h.EncryptedPrivateKey != "" {
		key, err := p.vault.Decrypt(*h.EncryptedPrivateKey)
		if err != nil {
			return remote.Credentials{}, fmt.Errorf("failed to decrypt private key for host %d: %w", h.ID, err)
		}
		creds.PrivateKey = key
	}
	return creds, nil
}
