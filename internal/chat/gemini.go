package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"google.golang.org/genai"
)

// ErrMissingCredential indicates model construction without an API key.
var ErrMissingCredential = errors.New("missing generation credential")

// GeminiConfig configures the production generation model.
type GeminiConfig struct {
	// APIKey is the resolved credential for this request: the caller's
	// preview token or the server default (config.ResolveCredential).
	APIKey string

	// Model is the Gemini model identifier, e.g. "gemini-2.5-flash".
	Model string

	// Temperature for sampling. Kept low so answers stay grounded in the
	// retrieved passages.
	Temperature float32
}

// Gemini streams completions from the Gemini API. The client is built per
// run because the credential varies per request.
type Gemini struct {
	cfg GeminiConfig
}

// NewGemini validates the configuration and returns a model.
func NewGemini(cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingCredential
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("gemini model name is required")
	}
	return &Gemini{cfg: cfg}, nil
}

// Stream implements Model over Models.GenerateContentStream.
func (g *Gemini) Stream(ctx context.Context, prompt *Prompt) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  g.cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			yield("", fmt.Errorf("creating generation client: %w", err))
			return
		}

		contents := []*genai.Content{
			genai.NewContentFromText(prompt.Text, genai.RoleUser),
		}
		temp := g.cfg.Temperature
		genCfg := &genai.GenerateContentConfig{
			Temperature: &temp,
		}

		for resp, err := range client.Models.GenerateContentStream(ctx, g.cfg.Model, contents, genCfg) {
			if err != nil {
				yield("", fmt.Errorf("streaming from generation service: %w", err))
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}
