package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/avatarlabs/avatar-broadcast/internal/animation"
	"github.com/avatarlabs/avatar-broadcast/internal/config"
	"github.com/avatarlabs/avatar-broadcast/internal/engine"
	"github.com/avatarlabs/avatar-broadcast/internal/observability"
	"github.com/avatarlabs/avatar-broadcast/internal/resilience"
	"github.com/avatarlabs/avatar-broadcast/internal/sink"
	"github.com/avatarlabs/avatar-broadcast/internal/synthesis"
	"github.com/avatarlabs/avatar-broadcast/internal/timeline"
)

// Session owns one broadcast: the queue, the timeline assembler, and
// the sink writer. Constructed at session start, torn down at end.
type Session struct {
	ID         string
	Controller *Controller

	assembler *timeline.Assembler
	writer    *sink.Writer
	logger    zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu  sync.Mutex
	err error
}

// NewSession wires a session from configuration: engine chains with
// per-engine circuit breakers, the two pipeline stages plus the
// fallback tier, the assembler, and the writer over out.
func NewSession(cfg *config.Config, reg *engine.Registry, out sink.Sink) (*Session, error) {
	id := observability.NewID()
	logger := observability.SessionLogger(id)

	retry := &resilience.RetryConfig{
		MaxAttempts:       cfg.RetryMaxAttempts,
		InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}

	synthChain, err := reg.SynthesisChain(chainNames(cfg.SynthesisEngine, cfg.SynthesisFallbackEngine)...)
	if err != nil {
		return nil, fmt.Errorf("synthesis chain: %w", err)
	}
	animChain, err := reg.AnimationChain(chainNames(cfg.AnimationEngine, cfg.AnimationFallbackEngine)...)
	if err != nil {
		return nil, fmt.Errorf("animation chain: %w", err)
	}

	breakers := make(map[string]*resilience.CircuitBreaker)
	for _, e := range synthChain {
		breakers[e.Name()] = newBreaker(e.Name(), cfg)
	}

	synthOpts := synthesis.Options{
		Timeout:       cfg.SynthesisTimeout(),
		Retry:         retry,
		RetryTimeouts: cfg.RetryEngineTimeouts,
		VoiceID:       cfg.VoiceID,
		Language:      cfg.Language,
		Rate:          cfg.SpeechRate,
		Pitch:         cfg.SpeechPitch,
	}
	synthStage := synthesis.NewStage(synthChain, breakers, synthOpts, logger)

	animOpts := animation.Options{
		FrameInterval:   cfg.FrameInterval(),
		LookAheadFrames: cfg.LookAheadFrames(),
		SetupTimeout:    cfg.AnimationTimeout(),
		Render: engine.AnimationConfig{
			Preset: cfg.RenderPreset,
			Width:  cfg.VideoWidth,
			Height: cfg.VideoHeight,
		},
	}
	animStage := animation.NewStage(animChain, animOpts, logger)

	fbSynth, fbAnim := fallbackStages(cfg, reg, breakers, synthOpts, animOpts, logger)

	writer := sink.NewWriter(out, cfg.SinkBufferSlots(), logger)
	asm := timeline.NewAssembler(timeline.Config{
		FrameInterval:           cfg.FrameInterval(),
		FrameRate:               cfg.FrameRate,
		SampleRate:              cfg.SampleRate,
		MaxConsecutiveUnderruns: cfg.MaxConsecutiveUnderruns,
		CrossfadeWindow:         cfg.CrossfadeWindow(),
	}, writer, logger)

	ctrl := NewController(Options{
		QueueCapacity:   cfg.QueueCapacity,
		MaxPrepare:      2,
		FallbackEnabled: cfg.FallbackEnabled,
		FillerText:      cfg.FillerText,
	}, synthStage, animStage, fbSynth, fbAnim, asm, logger)

	return &Session{
		ID:         id,
		Controller: ctrl,
		assembler:  asm,
		writer:     writer,
		logger:     logger,
	}, nil
}

// Start launches the writer, assembler, and controller goroutines.
// A fatal sink error shuts the whole session down.
func (s *Session) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.writer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.setErr(err)
			s.cancel()
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.assembler.Run(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Controller.Run(ctx)
	}()

	s.logger.Info().Msg("Session started")
}

// Stop tears the session down in order: producers first, then the
// timeline, then the sink, and waits for all goroutines to exit.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info().Msg("Session stopped")
}

// Err reports the fatal session error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return s.writer.Err()
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func newBreaker(name string, cfg *config.Config) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(
		name,
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		func(n string, state resilience.CircuitState) {
			observability.SetCircuitBreakerState(n, int(state))
		},
	)
}

// chainNames builds an engine chain, dropping a fallback that repeats
// the primary.
func chainNames(primary, fallback string) []string {
	if fallback == "" || fallback == primary {
		return []string{primary}
	}
	return []string{primary, fallback}
}

// fallbackStages builds the low-fidelity tier used for filler content.
// Missing fallback engines disable the tier rather than failing the
// session.
func fallbackStages(cfg *config.Config, reg *engine.Registry, breakers map[string]*resilience.CircuitBreaker, synthOpts synthesis.Options, animOpts animation.Options, logger zerolog.Logger) (*synthesis.Stage, *animation.Stage) {
	var fbSynth *synthesis.Stage
	if chain, err := reg.SynthesisChain(cfg.SynthesisFallbackEngine); err == nil {
		fbSynth = synthesis.NewStage(chain, breakers, synthOpts, logger)
	} else {
		logger.Warn().Err(err).Msg("Fallback synthesis engine unavailable")
	}

	var fbAnim *animation.Stage
	if chain, err := reg.AnimationChain(cfg.AnimationFallbackEngine); err == nil {
		fbAnim = animation.NewStage(chain, animOpts, logger)
	} else {
		logger.Warn().Err(err).Msg("Fallback animation engine unavailable")
	}
	return fbSynth, fbAnim
}
