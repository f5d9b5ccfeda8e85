package synthesis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/avatarlabs/avatar-broadcast/internal/engine"
	"github.com/avatarlabs/avatar-broadcast/internal/media"
	"github.com/avatarlabs/avatar-broadcast/internal/resilience"
)

func goodSegment() *media.AudioSegment {
	return &media.AudioSegment{
		PCM:        make([]int16, 1600),
		SampleRate: 16000,
	}
}

// scriptedSynth returns canned results in sequence.
type scriptedSynth struct {
	name    string
	results []error // nil means success
	calls   int
	out     *media.AudioSegment
}

func (s *scriptedSynth) Name() string { return s.name }

func (s *scriptedSynth) Synthesize(context.Context, *engine.SynthesizeRequest) (*media.AudioSegment, error) {
	i := s.calls
	s.calls++
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	if err := s.results[i]; err != nil {
		return nil, err
	}
	if s.out != nil {
		return s.out, nil
	}
	return goodSegment(), nil
}

func fastRetry(attempts int) *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func utterance(text string) *media.Utterance {
	return &media.Utterance{ID: "utt-1", Text: text}
}

func TestSynthesizeSuccess(t *testing.T) {
	e := &scriptedSynth{name: "primary", results: []error{nil}}
	s := NewStage([]engine.SynthesisEngine{e}, nil, Options{Retry: fastRetry(3)}, zerolog.Nop())

	seg, err := s.Synthesize(context.Background(), utterance("hello"))
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if seg == nil || len(seg.PCM) == 0 {
		t.Fatal("empty segment")
	}
	if e.calls != 1 {
		t.Errorf("calls = %d, want 1", e.calls)
	}
}

func TestSynthesizeRetriesTransientFailure(t *testing.T) {
	transient := engine.NewEngineError("primary", true, errors.New("connection reset"))
	e := &scriptedSynth{name: "primary", results: []error{transient, nil}}
	s := NewStage([]engine.SynthesisEngine{e}, nil, Options{Retry: fastRetry(3)}, zerolog.Nop())

	if _, err := s.Synthesize(context.Background(), utterance("hello")); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if e.calls != 2 {
		t.Errorf("calls = %d, want 2", e.calls)
	}
}

func TestSynthesizeDoesNotRetryPermanentFailure(t *testing.T) {
	permanent := engine.NewEngineError("primary", false, errors.New("voice not found"))
	e := &scriptedSynth{name: "primary", results: []error{permanent}}
	s := NewStage([]engine.SynthesisEngine{e}, nil, Options{Retry: fastRetry(3)}, zerolog.Nop())

	if _, err := s.Synthesize(context.Background(), utterance("hello")); err == nil {
		t.Fatal("expected error")
	}
	if e.calls != 1 {
		t.Errorf("calls = %d, want 1", e.calls)
	}
}

func TestSynthesizeTimeoutNotRetriedByDefault(t *testing.T) {
	e := &scriptedSynth{name: "primary", results: []error{engine.ErrEngineTimeout}}
	s := NewStage([]engine.SynthesisEngine{e}, nil, Options{Retry: fastRetry(3)}, zerolog.Nop())

	_, err := s.Synthesize(context.Background(), utterance("hello"))
	if !errors.Is(err, engine.ErrEngineTimeout) {
		t.Fatalf("got %v, want ErrEngineTimeout", err)
	}
	if e.calls != 1 {
		t.Errorf("calls = %d, want 1", e.calls)
	}
}

func TestSynthesizeFallsBackThroughChain(t *testing.T) {
	bad := engine.NewEngineError("primary", false, errors.New("down"))
	primary := &scriptedSynth{name: "primary", results: []error{bad}}
	backup := &scriptedSynth{name: "backup", results: []error{nil}}
	s := NewStage([]engine.SynthesisEngine{primary, backup}, nil, Options{Retry: fastRetry(1)}, zerolog.Nop())

	seg, err := s.Synthesize(context.Background(), utterance("hello"))
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if seg == nil {
		t.Fatal("nil segment from backup")
	}
	if backup.calls != 1 {
		t.Errorf("backup calls = %d, want 1", backup.calls)
	}
}

func TestSynthesizeRejectsMalformedSegment(t *testing.T) {
	// Overlapping visemes violate segment invariants.
	e := &scriptedSynth{
		name:    "primary",
		results: []error{nil},
		out: &media.AudioSegment{
			PCM:        make([]int16, 1600),
			SampleRate: 16000,
			Visemes: []media.VisemeEvent{
				{Start: 0, End: 80 * time.Millisecond, Shape: "aa"},
				{Start: 40 * time.Millisecond, End: 120 * time.Millisecond, Shape: "ee"},
			},
		},
	}
	s := NewStage([]engine.SynthesisEngine{e}, nil, Options{Retry: fastRetry(3)}, zerolog.Nop())

	if _, err := s.Synthesize(context.Background(), utterance("hello")); err == nil {
		t.Fatal("malformed segment accepted")
	}
	if e.calls != 1 {
		t.Errorf("bad payload retried: calls = %d", e.calls)
	}
}

func TestSynthesizePreRenderedAudioSkipsEngines(t *testing.T) {
	e := &scriptedSynth{name: "primary", results: []error{nil}}
	s := NewStage([]engine.SynthesisEngine{e}, nil, Options{Retry: fastRetry(1)}, zerolog.Nop())

	pre := goodSegment()
	seg, err := s.Synthesize(context.Background(), &media.Utterance{ID: "utt-1", Audio: pre})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if seg != pre {
		t.Error("pre-rendered audio not passed through")
	}
	if e.calls != 0 {
		t.Errorf("engine called %d times for pre-rendered audio", e.calls)
	}
}

func TestSynthesizeBreakerOpensAfterFailures(t *testing.T) {
	bad := engine.NewEngineError("primary", false, errors.New("down"))
	e := &scriptedSynth{name: "primary", results: []error{bad}}
	breaker := resilience.NewCircuitBreaker("primary", 2, time.Minute, nil)
	breakers := map[string]*resilience.CircuitBreaker{"primary": breaker}
	s := NewStage([]engine.SynthesisEngine{e}, breakers, Options{Retry: fastRetry(1)}, zerolog.Nop())

	for i := 0; i < 3; i++ {
		s.Synthesize(context.Background(), utterance("hello"))
	}

	if breaker.State() != resilience.StateOpen {
		t.Errorf("breaker state = %v, want open", breaker.State())
	}
	// Once open, the engine stops being called at all.
	before := e.calls
	_, err := s.Synthesize(context.Background(), utterance("hello"))
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("got %v, want ErrCircuitOpen", err)
	}
	if e.calls != before {
		t.Error("engine called while breaker open")
	}
}
