package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// defaultGenerationTimeout bounds a run when no timeout is configured.
// The upstream generation service is untrusted for liveness.
const defaultGenerationTimeout = 2 * time.Minute

var (
	// ErrGeneration marks any upstream failure during a streaming run.
	ErrGeneration = errors.New("generation failure")

	// ErrAlreadyStarted is returned by Start on a non-idle streamer.
	// A Streamer is single-use; build a new one per request.
	ErrAlreadyStarted = errors.New("completion streamer already started")

	// ErrNoModel indicates streamer construction without a model.
	ErrNoModel = errors.New("streamer requires a model")
)

// State is the streamer lifecycle: Idle until Start, Generating while
// tokens flow, then exactly one of Completed or Failed.
type State int

const (
	StateIdle State = iota
	StateGenerating
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGenerating:
		return "generating"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TokenRelay receives each token as it is produced, in production order.
// A non-nil error stops generation and fails the run.
type TokenRelay func(token string) error

// Model produces the token stream for a composed prompt. The production
// implementation calls the Gemini API (see Gemini); tests script sequences.
type Model interface {
	Stream(ctx context.Context, prompt *Prompt) iter.Seq2[string, error]
}

// StreamerConfig configures a single-use Streamer.
type StreamerConfig struct {
	Model Model

	// Timeout bounds the whole run. Zero means defaultGenerationTimeout.
	Timeout time.Duration

	// Upstream, when set, gates the call to the generation service.
	// Shared across requests to avoid hammering the API.
	Upstream *rate.Limiter
}

// Streamer drives one generation run. Tokens are delivered to the relay in
// order and accumulated; on natural end the run transitions to
// StateCompleted and the completion callback fires exactly once with the
// full concatenated text. Any upstream error, relay error, cancellation, or
// timeout transitions to StateFailed and the callback never fires.
type Streamer struct {
	model    Model
	timeout  time.Duration
	upstream *rate.Limiter

	mu           sync.Mutex
	state        State
	onCompletion func(completion string)
	fired        bool
}

// NewStreamer creates an idle streamer.
func NewStreamer(cfg StreamerConfig) (*Streamer, error) {
	if cfg.Model == nil {
		return nil, ErrNoModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultGenerationTimeout
	}
	return &Streamer{
		model:    cfg.Model,
		timeout:  timeout,
		upstream: cfg.Upstream,
		state:    StateIdle,
	}, nil
}

// OnCompletion registers the single completion observer. Must be called
// before Start.
func (s *Streamer) OnCompletion(fn func(completion string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCompletion = fn
}

// State returns the current lifecycle state.
func (s *Streamer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start runs the generation to completion, relaying each token as it
// arrives. It blocks until the run ends and returns nil only from a
// Completed run.
func (s *Streamer) Start(ctx context.Context, prompt *Prompt, relay TokenRelay) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateGenerating
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.upstream != nil {
		if err := s.upstream.Wait(ctx); err != nil {
			return s.fail(fmt.Errorf("waiting for upstream slot: %w", err))
		}
	}

	var full strings.Builder
	for token, err := range s.model.Stream(ctx, prompt) {
		if err != nil {
			return s.fail(err)
		}
		if ctx.Err() != nil {
			return s.fail(ctx.Err())
		}

		full.WriteString(token)
		if relay != nil {
			if err := relay(token); err != nil {
				return s.fail(fmt.Errorf("relaying token: %w", err))
			}
		}
	}
	if ctx.Err() != nil {
		return s.fail(ctx.Err())
	}

	s.complete(full.String())
	return nil
}

// complete transitions to Completed and fires the callback exactly once,
// outside the lock since the observer may do real work.
func (s *Streamer) complete(completion string) {
	s.mu.Lock()
	s.state = StateCompleted
	fn := s.onCompletion
	alreadyFired := s.fired
	s.fired = true
	s.mu.Unlock()

	if fn != nil && !alreadyFired {
		fn(completion)
	}
}

// fail transitions to Failed. The completion callback does not fire.
func (s *Streamer) fail(err error) error {
	s.mu.Lock()
	s.state = StateFailed
	s.mu.Unlock()
	return fmt.Errorf("%w: %w", ErrGeneration, err)
}
