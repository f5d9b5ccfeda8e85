// Package synthesis runs the first pipeline stage: text in, validated
// audio segment with viseme timing out.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/avatarlabs/avatar-broadcast/internal/engine"
	"github.com/avatarlabs/avatar-broadcast/internal/media"
	"github.com/avatarlabs/avatar-broadcast/internal/observability"
	"github.com/avatarlabs/avatar-broadcast/internal/resilience"
)

// Options configures stage policy.
type Options struct {
	Timeout       time.Duration // Per-call bound for one engine attempt
	Retry         *resilience.RetryConfig
	RetryTimeouts bool // Whether ErrEngineTimeout is retried (off by default)
	VoiceID       string
	Language      string
	Rate          float64
	Pitch         float64
}

// Stage converts utterances to audio segments using an ordered engine
// chain: the primary first, then lower-fidelity fallbacks. Each engine
// is protected by its own circuit breaker.
type Stage struct {
	chain    []engine.SynthesisEngine
	breakers map[string]*resilience.CircuitBreaker
	opts     Options
	logger   zerolog.Logger
}

// NewStage creates a synthesis stage over the given engine chain.
func NewStage(chain []engine.SynthesisEngine, breakers map[string]*resilience.CircuitBreaker, opts Options, logger zerolog.Logger) *Stage {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Retry == nil {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if breakers == nil {
		breakers = map[string]*resilience.CircuitBreaker{}
	}
	return &Stage{chain: chain, breakers: breakers, opts: opts, logger: logger}
}

// Synthesize produces the audio segment for one utterance. Pre-rendered
// audio skips the engines entirely but is still validated. Engine
// output that violates segment invariants is treated as a bad payload,
// not propagated as valid data.
func (s *Stage) Synthesize(ctx context.Context, utt *media.Utterance) (*media.AudioSegment, error) {
	if utt.Audio != nil {
		if err := utt.Audio.Validate(); err != nil {
			return nil, engine.NewEngineError("prerendered", false, fmt.Errorf("invalid pre-rendered audio: %w", err))
		}
		return utt.Audio, nil
	}

	req := &engine.SynthesizeRequest{
		Text:     utt.Text,
		VoiceID:  s.opts.VoiceID,
		Language: s.opts.Language,
		Rate:     s.opts.Rate,
		Pitch:    s.opts.Pitch,
	}

	var lastErr error
	for i, e := range s.chain {
		seg, err := s.synthesizeWith(ctx, e, utt, req)
		if err == nil {
			return seg, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if i < len(s.chain)-1 {
			s.logger.Warn().
				Str("utterance_id", utt.ID).
				Str("engine", e.Name()).
				Str("next", s.chain[i+1].Name()).
				Err(err).
				Msg("Synthesis engine failed, trying fallback")
		}
	}
	return nil, lastErr
}

// synthesizeWith runs one engine with retry and breaker protection.
func (s *Stage) synthesizeWith(ctx context.Context, e engine.SynthesisEngine, utt *media.Utterance, req *engine.SynthesizeRequest) (*media.AudioSegment, error) {
	breaker := s.breakers[e.Name()]

	var seg *media.AudioSegment
	err := resilience.Retry(ctx, func(ctx context.Context) error {
		call := func() error {
			start := time.Now()
			out, err := engine.Synthesize(ctx, e, req, s.opts.Timeout)
			observability.RecordEngineCall(e.Name(), "synthesis", time.Since(start), err)
			if err != nil {
				return err
			}
			if verr := out.Validate(); verr != nil {
				// A malformed segment is an engine fault, never retried
				return engine.NewEngineError(e.Name(), false, fmt.Errorf("bad payload: %w", verr))
			}
			seg = out
			return nil
		}
		if breaker != nil {
			return breaker.Call(call)
		}
		return call()
	}, s.opts.Retry, s.isRetryable)

	if err != nil {
		return nil, err
	}
	return seg, nil
}

func (s *Stage) isRetryable(err error) bool {
	if errors.Is(err, engine.ErrEngineTimeout) {
		// Repeated timeouts usually mean systemic overload
		return s.opts.RetryTimeouts
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	return engine.IsRetryable(err)
}
