package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/systemmap/backend/internal/gather"
	"github.com/systemmap/backend/internal/rawdoc"
	"github.com/systemmap/backend/internal/remote"
	"github.com/systemmap/backend/internal/store"
)

const (
	// maxTreeInputChars caps the config text handed to one tree build.
	maxTreeInputChars = 60000

	// pathSelectionGate is how many config files a process may carry
	// before the model is asked to pick the relevant ones.
	pathSelectionGate = 3

	discoveryCmdTimeout = 15 * time.Second
	maxFactsBytes       = 8192
	maxTreeDepth        = 6
)

// nodeTypes is the accepted vocabulary for tree nodes. Anything else the
// model invents collapses to parameter.
var nodeTypes = map[string]bool{
	"config_file": true, "port": true, "path": true, "directory": true,
	"vhost": true, "upstream": true, "connection": true, "volume": true,
	"parameter": true, "user": true, "module": true, "database": true, "log": true,
}

// ProcessNode is one typed node of a per-process configuration tree.
type ProcessNode struct {
	Type     string        `json:"type"`
	Name     string        `json:"name"`
	Value    string        `json:"value,omitempty"`
	Children []ProcessNode `json:"children,omitempty"`
}

// ProcessEntry is one process in the finished map.
type ProcessEntry struct {
	Name        string        `json:"name"`
	PID         int64         `json:"pid,omitempty"`
	Exe         string        `json:"exe,omitempty"`
	User        string        `json:"user,omitempty"`
	CPUPct      float64       `json:"cpuPct,omitempty"`
	MemMB       float64       `json:"memMb,omitempty"`
	Ports       []int         `json:"ports,omitempty"`
	ConfigPaths []string      `json:"configPaths,omitempty"`
	Facts       string        `json:"facts,omitempty"`
	Tree        []ProcessNode `json:"tree,omitempty"`
}

type processMapDoc struct {
	GeneratedAt time.Time      `json:"generatedAt"`
	Processes   []ProcessEntry `json:"processes"`
}

type configFile struct {
	Path    string
	Size    int64
	Content string
}

type discoveredProcess struct {
	Name    string
	PID     int64
	Exe     string
	Configs []configFile
	Facts   string
	Tree    []ProcessNode
}

const pathSelectionPrompt = `You decide which candidate files are the real configuration entry points for a process. Respond with JSON: {"paths": ["<the most relevant paths, best first, at most 5>"]}. Choose only from the provided list.`

const treeSystemPrompt = `You turn raw configuration files into a structured tree. Node types: config_file, port, path, directory, vhost, upstream, connection, volume, parameter, user, module, database, log. Respond with JSON: {"nodes": [{"type": "<node type>", "name": "<name>", "value": "<value>", "children": [...]}]}. One top-level config_file node per file; children capture the directives that matter operationally.`

// ProcessMap builds the per-process configuration map for a host. All five
// phases run under the single-writer lock; report lands stage updates in
// the job record.
func (p *Pipelines) ProcessMap(ctx context.Context, host *store.Host, report ProgressFunc) (*store.AiAnalysis, error) {
	client, cfg, err := p.prepare(ctx, func(f store.LlmFeatures) bool { return f.ProcessMap })
	if err != nil {
		return nil, err
	}
	if report == nil {
		report = func(string, int, string) {}
	}

	var analysis *store.AiAnalysis
	err = p.withLock(ctx, cfg, host.ID, func() error {
		var runErr error
		analysis, runErr = p.buildProcessMap(ctx, client, host, report)
		return runErr
	})
	if err != nil {
		return nil, err
	}
	return analysis, nil
}

func (p *Pipelines) buildProcessMap(ctx context.Context, client *Client, host *store.Host, report ProgressFunc) (*store.AiAnalysis, error) {
	started := p.now()

	creds, err := p.credentials(host)
	if err != nil {
		return nil, err
	}

	report("config_discovery", 10, "locating configuration files")
	doc, _, err := p.exec.RunScript(ctx, creds, gather.ConfigDiscoveryScript(), remote.ScriptOptions())
	if err != nil {
		return nil, fmt.Errorf("config discovery failed: %w", err)
	}

	report("decode", 25, "decoding configuration payloads")
	procs := decodeDiscovery(doc)

	report("runtime_facts", 40, "collecting runtime facts")
	for i := range procs {
		cmd, ok := gather.DiscoveryCommand(procs[i].Name)
		if !ok {
			continue
		}
		out, err := p.exec.RunCommand(ctx, creds, cmd, remote.CommandOptions(discoveryCmdTimeout))
		if err != nil {
			p.log.Warn().Str("process", procs[i].Name).Err(err).Msg("discovery command failed")
			continue
		}
		procs[i].Facts = rawdoc.Truncate(strings.TrimSpace(out), maxFactsBytes)
	}

	report("path_selection", 55, "selecting relevant configuration files")
	for i := range procs {
		if len(procs[i].Configs) <= pathSelectionGate {
			continue
		}
		selected, err := p.selectConfigPaths(ctx, client, &procs[i])
		if err != nil {
			p.log.Warn().Str("process", procs[i].Name).Err(err).Msg("path selection failed, keeping first files")
			procs[i].Configs = procs[i].Configs[:pathSelectionGate]
			continue
		}
		procs[i].Configs = selected
	}

	report("tree_build", 70, "building configuration trees")
	for i := range procs {
		if len(procs[i].Configs) == 0 {
			continue
		}
		tree, err := p.buildTree(ctx, client, &procs[i])
		if err != nil {
			p.log.Warn().Str("process", procs[i].Name).Err(err).Msg("tree build failed")
			continue
		}
		procs[i].Tree = tree
	}

	report("enrich", 90, "enriching with inventory")
	entries, err := p.enrich(ctx, host, procs)
	if err != nil {
		return nil, err
	}

	document, err := json.Marshal(processMapDoc{GeneratedAt: p.now().UTC(), Processes: entries})
	if err != nil {
		return nil, fmt.Errorf("failed to encode process map: %w", err)
	}
	analysis := &store.AiAnalysis{
		ServerID:   host.ID,
		Purpose:    store.PurposeProcessMap,
		Document:   document,
		ModelUsed:  client.Model(),
		DurationMS: p.now().Sub(started).Milliseconds(),
	}
	if err := p.store.SaveAnalysis(ctx, analysis); err != nil {
		return nil, err
	}

	report("done", 100, "process map saved")
	p.log.Info().Int64("host", host.ID).Int("processes", len(entries)).Msg("process map rebuilt")
	return analysis, nil
}

// decodeDiscovery turns the discovery document into processes with decoded
// config texts. Undecodable or non-UTF-8 payloads are dropped.
func decodeDiscovery(doc rawdoc.Doc) []discoveredProcess {
	var out []discoveredProcess
	for _, proc := range rawdoc.Objects(doc, "processes") {
		name := rawdoc.Str(proc, "name")
		if name == "" {
			continue
		}
		d := discoveredProcess{
			Name: name,
			PID:  rawdoc.SafeInt(proc, "pid"),
			Exe:  rawdoc.Str(proc, "exe"),
		}
		for _, cf := range rawdoc.Objects(proc, "configs") {
			raw, err := base64.StdEncoding.DecodeString(rawdoc.Str(cf, "contentB64"))
			if err != nil || !utf8.Valid(raw) {
				continue
			}
			d.Configs = append(d.Configs, configFile{
				Path:    rawdoc.Str(cf, "path"),
				Size:    rawdoc.SafeInt(cf, "size"),
				Content: string(raw),
			})
		}
		out = append(out, d)
	}
	return out
}

func (p *Pipelines) selectConfigPaths(ctx context.Context, client *Client, proc *discoveredProcess) ([]configFile, error) {
	paths := make([]string, len(proc.Configs))
	byPath := make(map[string]configFile, len(proc.Configs))
	for i, cf := range proc.Configs {
		paths[i] = cf.Path
		byPath[cf.Path] = cf
	}

	msgs := []Message{
		{Role: RoleSystem, Content: pathSelectionPrompt},
		{Role: RoleUser, Content: fmt.Sprintf("Process: %s\nCandidate files:\n%s", proc.Name, strings.Join(paths, "\n"))},
	}
	var parsed struct {
		Paths []string `json:"paths"`
	}
	if _, _, err := client.ChatJSON(ctx, store.PurposeProcessMap, msgs, &parsed); err != nil {
		return nil, err
	}

	var out []configFile
	for _, sel := range parsed.Paths {
		if cf, ok := byPath[strings.TrimSpace(sel)]; ok {
			out = append(out, cf)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("selection matched none of the candidates")
	}
	return out, nil
}

func (p *Pipelines) buildTree(ctx context.Context, client *Client, proc *discoveredProcess) ([]ProcessNode, error) {
	msgs := []Message{
		{Role: RoleSystem, Content: treeSystemPrompt},
		{Role: RoleUser, Content: compressConfigs(proc, maxTreeInputChars)},
	}
	var parsed struct {
		Nodes []ProcessNode `json:"nodes"`
	}
	if _, _, err := client.ChatJSON(ctx, store.PurposeProcessMap, msgs, &parsed); err != nil {
		return nil, err
	}
	return sanitizeNodes(parsed.Nodes, 0), nil
}

// compressConfigs renders a process and its config files as prompt input,
// dropping comments and blank lines, capped at budget characters.
func compressConfigs(proc *discoveredProcess, budget int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Process: %s (pid %d)\n", proc.Name, proc.PID)
	if proc.Facts != "" {
		fmt.Fprintf(&sb, "Runtime facts:\n%s\n", proc.Facts)
	}
	for _, cf := range proc.Configs {
		if sb.Len() >= budget {
			break
		}
		fmt.Fprintf(&sb, "\n=== %s ===\n", cf.Path)
		sb.WriteString(stripConfigNoise(cf.Content))
		sb.WriteByte('\n')
	}
	out := sb.String()
	if len(out) > budget {
		out = out[:budget]
	}
	return out
}

// stripConfigNoise drops comment and blank lines so more real directives
// fit the prompt budget.
func stripConfigNoise(content string) string {
	var kept []string
	for _, line := range strings.Split(content, "\n") {
		t := strings.TrimSpace(line)
		if t == "" || strings.HasPrefix(t, "#") || strings.HasPrefix(t, ";") || strings.HasPrefix(t, "//") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// sanitizeNodes enforces the node-type vocabulary and bounds tree depth.
func sanitizeNodes(nodes []ProcessNode, depth int) []ProcessNode {
	if depth >= maxTreeDepth {
		return nil
	}
	out := nodes[:0]
	for _, n := range nodes {
		if n.Name == "" && n.Value == "" {
			continue
		}
		if !nodeTypes[n.Type] {
			n.Type = "parameter"
		}
		n.Children = sanitizeNodes(n.Children, depth+1)
		out = append(out, n)
	}
	return out
}

// enrich joins the discovered processes with the services and process
// inventory, and appends inventory processes that carried no configs.
func (p *Pipelines) enrich(ctx context.Context, host *store.Host, procs []discoveredProcess) ([]ProcessEntry, error) {
	services, err := p.store.ServicesForHost(ctx, host.ID)
	if err != nil {
		return nil, err
	}
	processes, err := p.store.ProcessesForHost(ctx, host.ID)
	if err != nil {
		return nil, err
	}

	portsByName := map[string][]int{}
	for _, svc := range services {
		portsByName[svc.Name] = append(portsByName[svc.Name], svc.Port)
	}
	rowByName := map[string]store.Process{}
	for _, pr := range processes {
		if _, seen := rowByName[pr.Command]; !seen {
			rowByName[pr.Command] = pr
		}
	}

	seen := map[string]bool{}
	var out []ProcessEntry
	for _, d := range procs {
		e := ProcessEntry{Name: d.Name, PID: d.PID, Exe: d.Exe, Facts: d.Facts, Tree: d.Tree}
		for _, cf := range d.Configs {
			e.ConfigPaths = append(e.ConfigPaths, cf.Path)
		}
		e.Ports = portsByName[d.Name]
		if row, ok := rowByName[d.Name]; ok {
			e.User, e.CPUPct, e.MemMB = row.ProcUser, row.CPUPct, row.MemMB
			if e.PID == 0 {
				e.PID = row.PID
			}
		}
		seen[d.Name] = true
		out = append(out, e)
	}

	// Inventory processes without configs still appear in the map.
	for _, pr := range processes {
		if seen[pr.Command] || gather.IsKernelProcess(pr.Args) {
			continue
		}
		seen[pr.Command] = true
		out = append(out, ProcessEntry{
			Name:   pr.Command,
			PID:    pr.PID,
			Exe:    pr.FullPath,
			User:   pr.ProcUser,
			CPUPct: pr.CPUPct,
			MemMB:  pr.MemMB,
			Ports:  portsByName[pr.Command],
		})
	}
	return out, nil
}
