// Package llm talks to chat-completion providers and runs the analysis
// pipelines that enrich scanned hosts. Local providers serve one request
// at a time, so their use is guarded by a database-backed single-writer
// lock; hosted APIs skip the lock entirely.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/systemmap/backend/internal/logging"
	"github.com/systemmap/backend/internal/metrics"
	"github.com/systemmap/backend/internal/store"
	"github.com/systemmap/backend/internal/vault"
)

// Provider identifiers as stored in the settings row. "local" is any
// llama.cpp-style server exposing the OpenAI wire shape.
const (
	ProviderOpenAI    = "openai"
	ProviderLocal     = "local"
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
)

// DefaultTimeout bounds one chat completion when the settings row does not
// configure its own.
const DefaultTimeout = 300 * time.Second

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Policy-gate errors. Callers surface these without retrying.
var (
	ErrDisabled        = errors.New("llm is disabled")
	ErrFeatureDisabled = errors.New("llm feature is disabled")
	ErrLocked          = errors.New("llm busy with another analysis")
)

// IsLocalProvider reports whether the provider shares one local model and
// therefore needs the single-writer lock.
func IsLocalProvider(provider string) bool {
	return provider == ProviderOllama || provider == ProviderLocal
}

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tune one completion.
type Options struct {
	Temperature float64
	MaxTokens   int
	NumCtx      int
	JSONMode    bool
	Timeout     time.Duration
}

// Usage is the token accounting a provider reported, when it did.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// Result is one completed chat call.
type Result struct {
	Content    string
	Model      string
	Provider   string
	Usage      *Usage
	DurationMS int64
	Raw        json.RawMessage
}

// provider is one wire-shape realisation.
type provider interface {
	name() string
	chat(ctx context.Context, endpoint, apiKey, model string, msgs []Message, opts Options) (*Result, error)
}

// Client sends completions to the configured provider.
type Client struct {
	provider provider
	endpoint string
	apiKey   string
	model    string
	opts     Options
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// NewClient builds a client from the settings singleton, decrypting the
// stored API key. metrics may be nil in tests.
func NewClient(cfg *store.LlmSettings, v *vault.Vault, m *metrics.Metrics) (*Client, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, ErrDisabled
	}

	var apiKey string
	if cfg.APIKeyEncrypted != "" {
		if v == nil {
			return nil, fmt.Errorf("llm api key is set but no vault is available to decrypt it")
		}
		key, err := v.Decrypt(cfg.APIKeyEncrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt llm api key: %w", err)
		}
		apiKey = key
	}

	// Generation time is configurable per deployment, so the transports
	// carry no fixed timeout; deadlines ride on the request context.
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	var prov provider
	switch cfg.Provider {
	case ProviderOpenAI:
		if endpoint == "" {
			endpoint = "https://api.openai.com/v1"
		}
		prov = &openAIProvider{label: ProviderOpenAI, client: &http.Client{}}
	case ProviderLocal:
		if endpoint == "" {
			endpoint = "http://localhost:8080/v1"
		}
		prov = &openAIProvider{label: ProviderLocal, client: &http.Client{}}
	case ProviderOllama:
		if endpoint == "" {
			endpoint = "http://localhost:11434"
		}
		prov = &ollamaProvider{client: &http.Client{}}
	case ProviderAnthropic:
		if endpoint == "" {
			endpoint = "https://api.anthropic.com"
		}
		prov = &anthropicProvider{client: &http.Client{}}
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}

	timeout := DefaultTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}

	return &Client{
		provider: prov,
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    cfg.Model,
		opts: Options{
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			NumCtx:      cfg.NumCtx,
			Timeout:     timeout,
		},
		metrics: m,
		log:     logging.WithComponent("llm"),
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// ProviderName returns which realisation the client talks to.
func (c *Client) ProviderName() string { return c.provider.name() }

// Chat runs one completion. task labels the metrics series.
func (c *Client) Chat(ctx context.Context, task string, msgs []Message, jsonMode bool) (*Result, error) {
	opts := c.opts
	opts.JSONMode = jsonMode

	start := time.Now()
	res, err := c.provider.chat(ctx, c.endpoint, c.apiKey, c.model, msgs, opts)
	elapsed := time.Since(start)
	if c.metrics != nil {
		c.metrics.RecordLLMCall(c.provider.name(), task, err == nil, elapsed.Seconds())
	}
	if err != nil {
		c.log.Warn().
			Str("provider", c.provider.name()).
			Str("task", task).
			Dur("elapsed", elapsed).
			Err(err).
			Msg("chat completion failed")
		return nil, err
	}

	res.Provider = c.provider.name()
	res.DurationMS = elapsed.Milliseconds()
	if res.Model == "" {
		res.Model = c.model
	}
	c.log.Debug().
		Str("provider", res.Provider).
		Str("task", task).
		Dur("elapsed", elapsed).
		Int("reply_bytes", len(res.Content)).
		Msg("chat completion done")
	return res, nil
}

const jsonReprompt = "Your previous reply was not valid JSON. Return only the JSON document, " +
	"with no prose, no markdown fences and no commentary."

// ChatJSON runs Chat and decodes a JSON document from the reply, optionally
// into out. A reply that does not parse earns exactly one reprompt; the
// second failure surfaces the parse error.
func (c *Client) ChatJSON(ctx context.Context, task string, msgs []Message, out interface{}) (json.RawMessage, *Result, error) {
	res, err := c.Chat(ctx, task, msgs, true)
	if err != nil {
		return nil, nil, err
	}
	doc, perr := decodeReply(res.Content, out)
	if perr == nil {
		return doc, res, nil
	}

	c.log.Warn().Str("task", task).Err(perr).Msg("reply was not valid json, reprompting")
	retry := make([]Message, 0, len(msgs)+2)
	retry = append(retry, msgs...)
	retry = append(retry,
		Message{Role: RoleAssistant, Content: res.Content},
		Message{Role: RoleUser, Content: jsonReprompt},
	)
	res, err = c.Chat(ctx, task, retry, true)
	if err != nil {
		return nil, nil, err
	}
	doc, perr = decodeReply(res.Content, out)
	if perr != nil {
		return nil, nil, fmt.Errorf("llm reply unparseable after reprompt: %w", perr)
	}
	return doc, res, nil
}

func decodeReply(content string, out interface{}) (json.RawMessage, error) {
	doc, err := ExtractJSON(content)
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.Unmarshal(doc, out); err != nil {
			return nil, fmt.Errorf("reply shape mismatch: %w", err)
		}
	}
	return doc, nil
}

// RenderPrompt flattens a message list for audit storage.
func RenderPrompt(msgs []Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
