package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/xleven/ask-sspai/internal/log"
)

// Upstream limiter shared by all runs: the generation API tolerates bursts
// but sustained hammering trips server-side quotas long before ours.
const (
	upstreamRate  = 10 // requests per second
	upstreamBurst = 30
)

// Retriever supplies the top-k context fragments for a question, ranked by
// relevance. An empty index yields an empty slice, not an error.
type Retriever interface {
	Fetch(ctx context.Context, query string) ([]string, error)
}

// Request is one generation run.
type Request struct {
	// Question is the content of the latest user message.
	Question string

	// Credential is the resolved API key for this run.
	Credential string

	// OnCompletion fires exactly once with the full concatenated answer
	// when the run completes. It does not fire on failure.
	OnCompletion func(completion string)
}

// Config assembles a Service.
type Config struct {
	Retriever   Retriever
	Composer    *Composer
	ModelName   string
	Temperature float32

	// Timeout bounds each generation run. Zero uses the streamer default.
	Timeout time.Duration

	Logger log.Logger
}

func (c *Config) validate() error {
	if c.Retriever == nil {
		return errors.New("chat service requires a retriever")
	}
	if c.Composer == nil {
		return errors.New("chat service requires a composer")
	}
	if c.ModelName == "" {
		return errors.New("chat service requires a model name")
	}
	return nil
}

// Service runs the full pipeline for one request: retrieve, compose,
// stream. Each run gets a fresh single-use Streamer; the upstream limiter
// is shared across runs.
type Service struct {
	cfg      Config
	upstream *rate.Limiter

	// newModel builds the per-request model; swapped in tests.
	newModel func(credential string) (Model, error)
}

// NewService validates the configuration and returns a Service.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid chat service config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	s := &Service{
		cfg:      cfg,
		upstream: rate.NewLimiter(rate.Limit(upstreamRate), upstreamBurst),
	}
	s.newModel = func(credential string) (Model, error) {
		return NewGemini(GeminiConfig{
			APIKey:      credential,
			Model:       cfg.ModelName,
			Temperature: cfg.Temperature,
		})
	}
	return s, nil
}

// Respond drives one run end to end, relaying tokens as they arrive.
// It returns nil only when the run completed; the completion callback has
// already fired by then.
func (s *Service) Respond(ctx context.Context, req Request, relay TokenRelay) error {
	fragments, err := s.cfg.Retriever.Fetch(ctx, req.Question)
	if err != nil {
		return fmt.Errorf("retrieving context: %w", err)
	}
	s.cfg.Logger.Debug("retrieved context", "fragments", len(fragments))

	prompt, err := s.cfg.Composer.Compose(fragments, req.Question)
	if err != nil {
		return fmt.Errorf("composing prompt: %w", err)
	}

	model, err := s.newModel(req.Credential)
	if err != nil {
		return fmt.Errorf("building generation model: %w", err)
	}

	streamer, err := NewStreamer(StreamerConfig{
		Model:    model,
		Timeout:  s.cfg.Timeout,
		Upstream: s.upstream,
	})
	if err != nil {
		return fmt.Errorf("building streamer: %w", err)
	}
	if req.OnCompletion != nil {
		streamer.OnCompletion(req.OnCompletion)
	}

	return streamer.Start(ctx, prompt, relay)
}
