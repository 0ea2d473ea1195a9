package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicVersion = "2023-06-01"

	// ollamaKeepAlive keeps the model loaded between the calls of one
	// pipeline run.
	ollamaKeepAlive = "10m"

	// ollamaWallSlack extends the wall-clock guard past the request
	// deadline. Cancelling a running generation is unreliable; the guard
	// abandons the wait when the transport fails to notice the cancel.
	ollamaWallSlack = 30 * time.Second

	maxResponseBytes = 8 << 20
)

// openAIProvider speaks the /chat/completions wire shape. The hosted API
// and llama.cpp-style local servers both expose it, so one realisation
// serves several endpoints.
type openAIProvider struct {
	label  string
	client *http.Client
}

func (p *openAIProvider) name() string { return p.label }

type openAIRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *openAIProvider) chat(ctx context.Context, endpoint, apiKey, model string, msgs []Message, opts Options) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	payload := openAIRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if opts.JSONMode {
		payload.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	headers := map[string]string{}
	if apiKey != "" {
		headers["Authorization"] = "Bearer " + apiKey
	}

	data, status, err := postJSON(callCtx, p.client, completionsURL(endpoint), headers, payload)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", p.label, err)
	}
	if status >= 300 {
		return nil, fmt.Errorf("%s returned HTTP %d: %s", p.label, status, bodySnippet(data))
	}

	var reply openAIResponse
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("%s sent a malformed reply: %w", p.label, err)
	}
	if reply.Error != nil && reply.Error.Message != "" {
		return nil, fmt.Errorf("%s error: %s", p.label, reply.Error.Message)
	}
	if len(reply.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", p.label)
	}

	res := &Result{Content: reply.Choices[0].Message.Content, Model: reply.Model, Raw: data}
	if reply.Usage != nil {
		res.Usage = &Usage{
			PromptTokens:     reply.Usage.PromptTokens,
			CompletionTokens: reply.Usage.CompletionTokens,
		}
	}
	return res, nil
}

func completionsURL(endpoint string) string {
	if strings.HasSuffix(endpoint, "/chat/completions") {
		return endpoint
	}
	return endpoint + "/chat/completions"
}

// ollamaProvider drives a local Ollama daemon.
type ollamaProvider struct {
	client    *http.Client
	wallSlack time.Duration
}

func (p *ollamaProvider) name() string { return ProviderOllama }

func (p *ollamaProvider) slack() time.Duration {
	if p.wallSlack > 0 {
		return p.wallSlack
	}
	return ollamaWallSlack
}

type ollamaRequest struct {
	Model     string        `json:"model"`
	Messages  []Message     `json:"messages"`
	Stream    bool          `json:"stream"`
	Options   ollamaOptions `json:"options"`
	Format    string        `json:"format,omitempty"`
	KeepAlive string        `json:"keep_alive,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

type ollamaResponse struct {
	Model           string  `json:"model"`
	Message         Message `json:"message"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
	Error           string  `json:"error"`
}

// chat races the request against a wall clock. The inner context aborts at
// the configured timeout; when the daemon keeps generating through the
// abort, the guard gives up waiting a little later.
func (p *ollamaProvider) chat(ctx context.Context, endpoint, apiKey, model string, msgs []Message, opts Options) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := p.send(callCtx, endpoint, model, msgs, opts)
		done <- outcome{res, err}
	}()

	guard := time.NewTimer(opts.Timeout + p.slack())
	defer guard.Stop()
	select {
	case o := <-done:
		return o.res, o.err
	case <-guard.C:
		return nil, fmt.Errorf("ollama generation still running after %s, abandoned", opts.Timeout+p.slack())
	}
}

func (p *ollamaProvider) send(ctx context.Context, endpoint, model string, msgs []Message, opts Options) (*Result, error) {
	payload := ollamaRequest{
		Model:    model,
		Messages: msgs,
		Stream:   false,
		Options: ollamaOptions{
			Temperature: opts.Temperature,
			NumPredict:  opts.MaxTokens,
			NumCtx:      opts.NumCtx,
		},
		KeepAlive: ollamaKeepAlive,
	}
	if opts.JSONMode {
		payload.Format = "json"
	}

	data, status, err := postJSON(ctx, p.client, endpoint+"/api/chat", nil, payload)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	if status >= 300 {
		return nil, fmt.Errorf("ollama returned HTTP %d: %s", status, bodySnippet(data))
	}

	var reply ollamaResponse
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("ollama sent a malformed reply: %w", err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", reply.Error)
	}

	res := &Result{Content: reply.Message.Content, Model: reply.Model, Raw: data}
	if reply.PromptEvalCount > 0 || reply.EvalCount > 0 {
		res.Usage = &Usage{
			PromptTokens:     reply.PromptEvalCount,
			CompletionTokens: reply.EvalCount,
		}
	}
	return res, nil
}

// anthropicProvider speaks the messages API. There is no JSON-mode flag,
// so prompts must ask for JSON themselves.
type anthropicProvider struct {
	client *http.Client
}

func (p *anthropicProvider) name() string { return ProviderAnthropic }

type anthropicRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *anthropicProvider) chat(ctx context.Context, endpoint, apiKey, model string, msgs []Message, opts Options) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	system, rest := splitSystem(msgs)
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096 // the messages API rejects requests without a cap
	}
	payload := anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    rest,
		Temperature: opts.Temperature,
	}
	headers := map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": anthropicVersion,
	}

	data, status, err := postJSON(callCtx, p.client, endpoint+"/v1/messages", headers, payload)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	if status >= 300 {
		return nil, fmt.Errorf("anthropic returned HTTP %d: %s", status, bodySnippet(data))
	}

	var reply anthropicResponse
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("anthropic sent a malformed reply: %w", err)
	}
	if reply.Error != nil && reply.Error.Message != "" {
		return nil, fmt.Errorf("anthropic error: %s", reply.Error.Message)
	}

	var sb strings.Builder
	for _, block := range reply.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, fmt.Errorf("anthropic returned no text content")
	}

	return &Result{
		Content: sb.String(),
		Model:   reply.Model,
		Raw:     data,
		Usage: &Usage{
			PromptTokens:     reply.Usage.InputTokens,
			CompletionTokens: reply.Usage.OutputTokens,
		},
	}, nil
}

// splitSystem lifts system messages into the dedicated request field.
func splitSystem(msgs []Message) (string, []Message) {
	var sys []string
	rest := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleSystem {
			sys = append(sys, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(sys, "\n\n"), rest
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload interface{}) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func bodySnippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 300 {
		s = s[:300] + "..."
	}
	return s
}
