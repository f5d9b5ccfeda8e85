package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/avatarlabs/avatar-broadcast/internal/config"
	"github.com/avatarlabs/avatar-broadcast/internal/engine"
	"github.com/avatarlabs/avatar-broadcast/internal/media"
	"github.com/avatarlabs/avatar-broadcast/internal/sink"
)

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateQueued, StateSynthesizing, true},
		{StateSynthesizing, StateAnimating, true},
		{StateAnimating, StateStreaming, true},
		{StateStreaming, StateCompleted, true},
		{StateQueued, StateCancelled, true},
		{StateStreaming, StateFailed, true},
		{StateQueued, StateStreaming, false},
		{StateCompleted, StateFailed, false},
		{StateCancelled, StateSynthesizing, false},
		{StateFailed, StateCancelled, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

// countSink counts frame writes so tests can tell whether any media
// actually reached the output.
type countSink struct {
	frames atomic.Int64
}

func (s *countSink) Start(context.Context) error { return nil }
func (s *countSink) Close() error                { return nil }
func (s *countSink) WriteAudio([]int16, time.Duration) error {
	return nil
}
func (s *countSink) WriteFrame(*media.Frame) error {
	s.frames.Add(1)
	return nil
}

// failingSynth errors for everything except the filler pre-render, so
// tests can drive an utterance into Failed while the filler tier still
// has material to substitute.
type failingSynth struct {
	inner      *engine.TextVisemeSynthesizer
	fillerText string
}

func (failingSynth) Name() string { return "failing" }
func (f failingSynth) Synthesize(ctx context.Context, req *engine.SynthesizeRequest) (*media.AudioSegment, error) {
	if req.Text == f.fillerText {
		return f.inner.Synthesize(ctx, req)
	}
	return nil, engine.NewEngineError("failing", false, errors.New("backend gone"))
}

func testConfig() *config.Config {
	return &config.Config{
		FrameRate:                  50, // Fast ticks keep the tests short
		SampleRate:                 16000,
		VideoWidth:                 64,
		VideoHeight:                64,
		SynthesisEngine:            "textviseme",
		SynthesisFallbackEngine:    "textviseme",
		AnimationEngine:            "sprite",
		AnimationFallbackEngine:    "sprite",
		VoiceID:                    "default",
		Language:                   "en",
		SpeechRate:                 1.0,
		RenderPreset:               "standard",
		LookAheadSeconds:           0.5,
		MaxConsecutiveUnderruns:    15,
		CrossfadeMs:                20,
		SynthesisTimeoutSeconds:    5,
		AnimationTimeoutSeconds:    5,
		QueueCapacity:              8,
		FallbackEnabled:            true,
		FillerText:                 "One moment please.",
		SinkBufferSeconds:          1.0,
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
		RetryMaxAttempts:           1,
		RetryInitialBackoff:        10,
	}
}

func testRegistry() *engine.Registry {
	reg := engine.NewRegistry()
	reg.RegisterSynthesis(engine.NewTextVisemeSynthesizer(16000, 40, 0))
	reg.RegisterAnimation(engine.NewSpriteAnimator([]byte{0}, nil))
	return reg
}

func waitForState(t *testing.T, c *Controller, id string, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got, ok := c.State(id); ok && got == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := c.State(id)
	t.Fatalf("utterance %s stuck in %s, want %s", id, got, want)
}

func TestSessionPlaysUtteranceToCompletion(t *testing.T) {
	out := &countSink{}
	sess, err := NewSession(testConfig(), testRegistry(), out)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	sess.Start(context.Background())
	defer sess.Stop()

	id, err := sess.Controller.Submit("hello there", media.PriorityNormal)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitForState(t, sess.Controller, id, StateCompleted, 5*time.Second)
	if out.frames.Load() == 0 {
		t.Error("no frames reached the sink")
	}
	if err := sess.Err(); err != nil {
		t.Errorf("session error: %v", err)
	}
}

func TestFinishedUtteranceReleasesMedia(t *testing.T) {
	sess, err := NewSession(testConfig(), testRegistry(), sink.NullSink{})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	sess.Start(context.Background())
	defer sess.Stop()

	id, err := sess.Controller.Submit("release me", media.PriorityNormal)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, sess.Controller, id, StateCompleted, 5*time.Second)

	c := sess.Controller
	c.mu.Lock()
	j := c.jobs[id]
	feed, stream := j.feed, j.stream
	c.mu.Unlock()

	if feed != nil || stream != nil {
		t.Error("finished job still holds its feed or stream")
	}
	// The tombstone keeps answering state queries.
	if st, ok := c.State(id); !ok || st != StateCompleted {
		t.Errorf("state after release = %v, %v", st, ok)
	}
}

func TestInterruptPreemptsStreaming(t *testing.T) {
	sess, err := NewSession(testConfig(), testRegistry(), sink.NullSink{})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	sess.Start(context.Background())
	defer sess.Stop()

	// Long enough to still be streaming when the interrupt lands.
	longID, err := sess.Controller.Submit(
		"this is a very long sentence that keeps the avatar talking for several seconds on end",
		media.PriorityNormal)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, sess.Controller, longID, StateStreaming, 5*time.Second)

	intID, err := sess.Controller.Submit("stop", media.PriorityInterrupt)
	if err != nil {
		t.Fatalf("submit interrupt: %v", err)
	}

	waitForState(t, sess.Controller, longID, StateCancelled, 5*time.Second)
	waitForState(t, sess.Controller, intID, StateCompleted, 5*time.Second)
}

func TestCancelQueuedUtterance(t *testing.T) {
	sess, err := NewSession(testConfig(), testRegistry(), sink.NullSink{})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	sess.Start(context.Background())
	defer sess.Stop()

	firstID, err := sess.Controller.Submit(
		"the first utterance occupies the timeline for a little while",
		media.PriorityNormal)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	queuedID, err := sess.Controller.Submit("never spoken", media.PriorityNormal)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	sess.Controller.Cancel(queuedID)
	sess.Controller.Cancel(queuedID) // Idempotent

	waitForState(t, sess.Controller, queuedID, StateCancelled, time.Second)
	waitForState(t, sess.Controller, firstID, StateCompleted, 10*time.Second)
}

func TestFailureSubstitutesFiller(t *testing.T) {
	cfg := testConfig()
	cfg.SynthesisEngine = "failing"
	cfg.SynthesisFallbackEngine = "failing"

	reg := testRegistry()
	reg.RegisterSynthesis(failingSynth{
		inner:      engine.NewTextVisemeSynthesizer(16000, 40, 0),
		fillerText: cfg.FillerText,
	})

	out := &countSink{}
	sess, err := NewSession(cfg, reg, out)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	sess.Start(context.Background())
	defer sess.Stop()

	id, err := sess.Controller.Submit("doomed", media.PriorityNormal)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitForState(t, sess.Controller, id, StateFailed, 5*time.Second)

	// The pre-rendered filler plays instead of going dark.
	deadline := time.Now().Add(5 * time.Second)
	for out.frames.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if out.frames.Load() == 0 {
		t.Error("filler never reached the sink")
	}
}

func TestSubmitAfterStopFails(t *testing.T) {
	sess, err := NewSession(testConfig(), testRegistry(), sink.NullSink{})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	sess.Start(context.Background())
	sess.Stop()

	if _, err := sess.Controller.Submit("late", media.PriorityNormal); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("submit after stop returned %v, want ErrSessionClosed", err)
	}
}
