// Package anthropic provides the Anthropic messages API adapter.
package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"nelie/internal/core"
	"nelie/internal/pkg/llmclient"
	"nelie/internal/providers"
)

const (
	// DefaultBaseURL is the public Anthropic API.
	DefaultBaseURL = "https://api.anthropic.com/v1"

	providerName        = "anthropic"
	anthropicAPIVersion = "2023-06-01"

	// jsonInstruction is appended to the system prompt when a JSON answer is
	// requested; the messages API has no response_format switch.
	jsonInstruction = "Respond with a single JSON object and nothing else."
)

// Registration provides factory registration for the Anthropic provider.
var Registration = providers.Registration{
	Type: providerName,
	New: func(cfg providers.ProviderConfig) (core.Generator, error) {
		c := llmclient.DefaultConfig(providerName, cfg.BaseURL)
		c.RequestsPerMinute = cfg.RequestsPerMinute
		return NewWithHTTPClient(cfg.APIKey, cfg.HTTPClient, c), nil
	},
}

// Provider implements core.Generator for Anthropic.
type Provider struct {
	client *llmclient.Client
	apiKey string
}

// New creates an Anthropic provider on top of cfg.
func New(apiKey string, cfg llmclient.Config) *Provider {
	return NewWithHTTPClient(apiKey, nil, cfg)
}

// NewWithHTTPClient creates a provider with a custom HTTP client. A nil
// client uses the shared default.
func NewWithHTTPClient(apiKey string, httpClient *http.Client, cfg llmclient.Config) *Provider {
	cfg.ProviderName = providerName
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	p := &Provider{apiKey: apiKey}
	if httpClient == nil {
		p.client = llmclient.New(cfg, p.setHeaders)
	} else {
		p.client = llmclient.NewWithHTTPClient(httpClient, cfg, p.setHeaders)
	}
	return p
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string    `json:"model"`
	Messages  []message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
}

func newMessagesRequest(req *core.GenerateRequest) *messagesRequest {
	system := req.System
	if req.JSON {
		system = strings.TrimSpace(system + "\n\n" + jsonInstruction)
	}
	return &messagesRequest{
		Model:     req.Model,
		Messages:  []message{{Role: "user", Content: req.User}},
		MaxTokens: req.MaxTokens,
		System:    system,
	}
}

// Generate sends a messages request.
func (p *Provider) Generate(ctx context.Context, req *core.GenerateRequest) (*core.GenerateResponse, error) {
	resp, err := p.client.DoRaw(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/messages",
		Body:     newMessagesRequest(req),
	})
	if err != nil {
		return nil, err
	}
	return parseMessagesResponse(resp.Body, req.Model)
}

func parseMessagesResponse(body []byte, requested string) (*core.GenerateResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, core.NewParseError("anthropic returned a non-JSON body", nil)
	}
	parsed := gjson.ParseBytes(body)

	var sb strings.Builder
	for _, block := range parsed.Get(`content.#(type=="text")#.text`).Array() {
		sb.WriteString(block.String())
	}
	out := &core.GenerateResponse{
		Text:       sb.String(),
		Model:      parsed.Get("model").String(),
		Provider:   providerName,
		StopReason: parsed.Get("stop_reason").String(),
	}
	if out.Model == "" {
		out.Model = requested
	}
	if usage := parsed.Get("usage"); usage.IsObject() {
		out.RawUsage = json.RawMessage(usage.Raw)
	}
	return out, nil
}
