package core

import (
	"context"
	"encoding/json"
)

// GenerateRequest is one text generation call.
type GenerateRequest struct {
	Model     string
	System    string
	User      string
	MaxTokens int
	// JSON asks the provider for a JSON object answer when it supports it.
	JSON bool
}

// GenerateResponse carries the generated text and whatever usage block the
// provider returned, untouched.
type GenerateResponse struct {
	Text     string
	Model    string
	Provider string
	RawUsage json.RawMessage
	// StopReason is the provider's finish/stop reason, when reported.
	StopReason string
}

// Generator is a remote text model.
type Generator interface {
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
}

// ImageGenerator renders a prompt into an image and returns its URL (or data URL).
type ImageGenerator interface {
	GenerateImage(ctx context.Context, model, prompt string) (string, error)
}
