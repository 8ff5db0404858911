package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"nelie/internal/core"
	"nelie/internal/pkg/llmclient"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := llmclient.DefaultConfig("", server.URL+"/")
	cfg.MaxRetries = 0
	return NewWithHTTPClient("ak-test", server.Client(), cfg)
}

func TestGenerate(t *testing.T) {
	var received messagesRequest
	var headers http.Header

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		headers = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)

		_, _ = w.Write([]byte(`{
			"model": "claude-3-5-haiku-20241022",
			"content": [
				{"type": "text", "text": "{\"quiz\":"},
				{"type": "tool_use", "id": "x"},
				{"type": "text", "text": "[]}"}
			],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 120, "output_tokens": 30}
		}`))
	})

	resp, err := p.Generate(context.Background(), &core.GenerateRequest{
		Model: "claude-3-5-haiku-latest", System: "You write quizzes.", User: "Quiz me.", MaxTokens: 900, JSON: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Text != `{"quiz":[]}` {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.Provider != "anthropic" {
		t.Errorf("Provider = %q", resp.Provider)
	}
	if !strings.Contains(string(resp.RawUsage), `"input_tokens": 120`) {
		t.Errorf("RawUsage = %s", resp.RawUsage)
	}

	if headers.Get("x-api-key") != "ak-test" || headers.Get("anthropic-version") != anthropicAPIVersion {
		t.Errorf("headers = %v", headers)
	}
	if received.MaxTokens != 900 || received.Model != "claude-3-5-haiku-latest" {
		t.Errorf("request = %+v", received)
	}
	if !strings.HasPrefix(received.System, "You write quizzes.") || !strings.HasSuffix(received.System, jsonInstruction) {
		t.Errorf("System = %q", received.System)
	}
	if len(received.Messages) != 1 || received.Messages[0].Role != "user" {
		t.Errorf("Messages = %+v", received.Messages)
	}
}

func TestNewMessagesRequest_PlainText(t *testing.T) {
	req := newMessagesRequest(&core.GenerateRequest{Model: "claude-x", System: "sys", User: "u", MaxTokens: 5})
	if req.System != "sys" {
		t.Errorf("System = %q, want unchanged", req.System)
	}
}

func TestGenerate_NoTextKeepsUsage(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model":"claude-x","content":[],"stop_reason":"max_tokens","usage":{"input_tokens":25,"output_tokens":10}}`))
	})

	resp, err := p.Generate(context.Background(), &core.GenerateRequest{Model: "claude-x", User: "x", MaxTokens: 10})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "" {
		t.Errorf("Text = %q, want empty", resp.Text)
	}
	if resp.StopReason != "max_tokens" {
		t.Errorf("StopReason = %q, want max_tokens", resp.StopReason)
	}
	if !strings.Contains(string(resp.RawUsage), `"output_tokens":10`) {
		t.Errorf("RawUsage = %s, want the billed usage", resp.RawUsage)
	}
}

func TestGenerate_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantType core.ErrorType
	}{
		{"not json", http.StatusOK, `<html>`, core.ErrorTypeParse},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, core.ErrorTypeRateLimit},
		{"overloaded", 529, `{"error":{"message":"overloaded"}}`, core.ErrorTypeProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := p.Generate(context.Background(), &core.GenerateRequest{Model: "claude-x", User: "x", MaxTokens: 10})
			var coreErr *core.Error
			if !errors.As(err, &coreErr) {
				t.Fatalf("expected *core.Error, got %v", err)
			}
			if coreErr.Type != tt.wantType {
				t.Errorf("Type = %s, want %s", coreErr.Type, tt.wantType)
			}
		})
	}
}
