// Package openai provides the OpenAI chat completions and images adapters.
package openai

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
	// DefaultBaseURL is the public OpenAI API.
	DefaultBaseURL = "https://api.openai.com/v1"

	providerName = "openai"
	imageSize    = "1024x1024"
)

// Registration provides factory registration for the OpenAI provider.
var Registration = providers.Registration{
	Type: providerName,
	New: func(cfg providers.ProviderConfig) (core.Generator, error) {
		c := llmclient.DefaultConfig(providerName, cfg.BaseURL)
		c.RequestsPerMinute = cfg.RequestsPerMinute
		return NewWithHTTPClient(cfg.APIKey, cfg.HTTPClient, c), nil
	},
}

// Provider implements core.Generator and core.ImageGenerator for OpenAI.
type Provider struct {
	client *llmclient.Client
	apiKey string
}

// New creates an OpenAI provider on top of cfg. An empty cfg.BaseURL means
// the public API.
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

// setHeaders sets the required headers for OpenAI API requests
func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	// OpenAI rejects non-ASCII or overlong client request IDs with a 400.
	if requestID := core.GetRequestID(req.Context()); requestID != "" && isValidClientRequestID(requestID) {
		req.Header.Set("X-Client-Request-Id", requestID)
	}
}

func isValidClientRequestID(id string) bool {
	if len(id) > 512 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] > 127 {
			return false
		}
	}
	return true
}

// isOSeriesModel reports whether the model is an o-series reasoning model,
// which takes max_completion_tokens instead of max_tokens.
func isOSeriesModel(model string) bool {
	m := strings.ToLower(model)
	return len(m) >= 2 && m[0] == 'o' && m[1] >= '0' && m[1] <= '9'
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model               string          `json:"model"`
	Messages            []message       `json:"messages"`
	MaxTokens           int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	ResponseFormat      *responseFormat `json:"response_format,omitempty"`
}

func newChatRequest(req *core.GenerateRequest) *chatRequest {
	body := &chatRequest{Model: req.Model}
	if req.System != "" {
		body.Messages = append(body.Messages, message{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, message{Role: "user", Content: req.User})

	if isOSeriesModel(req.Model) {
		body.MaxCompletionTokens = req.MaxTokens
	} else {
		body.MaxTokens = req.MaxTokens
	}
	if req.JSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return body
}

// Generate sends a chat completion request.
func (p *Provider) Generate(ctx context.Context, req *core.GenerateRequest) (*core.GenerateResponse, error) {
	resp, err := p.client.DoRaw(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/chat/completions",
		Body:     newChatRequest(req),
	})
	if err != nil {
		return nil, err
	}
	return parseChatResponse(resp.Body, req.Model)
}

func parseChatResponse(body []byte, requested string) (*core.GenerateResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, core.NewParseError("openai returned a non-JSON body", nil)
	}
	parsed := gjson.ParseBytes(body)

	// An empty answer is still billed, so it is returned with its usage.
	out := &core.GenerateResponse{
		Text:       parsed.Get("choices.0.message.content").String(),
		Model:      parsed.Get("model").String(),
		Provider:   providerName,
		StopReason: parsed.Get("choices.0.finish_reason").String(),
	}
	if out.Model == "" {
		out.Model = requested
	}
	if usage := parsed.Get("usage"); usage.IsObject() {
		out.RawUsage = json.RawMessage(usage.Raw)
	}
	return out, nil
}

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// newImageRequest asks for base64 content: hosted image URLs expire within
// hours. gpt-image models always answer in base64 and reject the field.
func newImageRequest(model, prompt string) imageRequest {
	req := imageRequest{Model: model, Prompt: prompt, N: 1, Size: imageSize}
	if !strings.HasPrefix(strings.ToLower(model), "gpt-image") {
		req.ResponseFormat = "b64_json"
	}
	return req
}

// GenerateImage renders prompt and returns a data URL, or a hosted URL when
// the API ignores the requested format.
func (p *Provider) GenerateImage(ctx context.Context, model, prompt string) (string, error) {
	resp, err := p.client.DoRaw(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/images/generations",
		Body:     newImageRequest(model, prompt),
	})
	if err != nil {
		return "", err
	}

	first := gjson.GetBytes(resp.Body, "data.0")
	if b64 := first.Get("b64_json").String(); b64 != "" {
		return "data:image/png;base64," + b64, nil
	}
	if url := first.Get("url").String(); url != "" {
		return url, nil
	}
	return "", core.NewParseError("openai image response has neither url nor b64_json", nil)
}
