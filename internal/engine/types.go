// Package engine defines the capability contract for speech-synthesis
// and animation backends, plus the concrete adapter variants. Engines
// differ only in latency and resource profile, never in contract.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avatarlabs/avatar-broadcast/internal/media"
)

// ErrEngineTimeout indicates a bounded engine call exceeded its deadline.
// Timeouts are not retried by default: repeated ones usually mean the
// backend is overloaded, and hammering it makes things worse.
var ErrEngineTimeout = errors.New("engine call timed out")

var errEmptyText = errors.New("empty text")

// EngineError is a backend fault. Retryable faults (transient network
// errors, rate limits) may be retried by the synthesis stage; permanent
// ones (bad payload, rejected request) are escalated immediately.
type EngineError struct {
	Engine    string
	Retryable bool
	Err       error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Engine, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError wraps a backend fault.
func NewEngineError(engine string, retryable bool, err error) *EngineError {
	return &EngineError{Engine: engine, Retryable: retryable, Err: err}
}

// IsRetryable reports whether an error may be retried by stage policy.
func IsRetryable(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	return false
}

// SynthesizeRequest carries the text and voice configuration for one
// synthesis call.
type SynthesizeRequest struct {
	Text     string  `json:"text"`
	VoiceID  string  `json:"voice_id"`
	Language string  `json:"language,omitempty"`
	Pitch    float64 `json:"pitch,omitempty"` // -1.0 to 1.0
	Rate     float64 `json:"rate,omitempty"`  // Speed multiplier, 0.5 to 2.0
}

// AnimationConfig carries rendering options for one animation call.
type AnimationConfig struct {
	Preset        string        `json:"preset"` // Rendering preset (engine-specific)
	Width         int           `json:"width"`
	Height        int           `json:"height"`
	FrameInterval time.Duration `json:"frame_interval"`
}

// SynthesisEngine converts text to a timestamped audio segment with
// viseme timing metadata.
type SynthesisEngine interface {
	// Name returns the engine identifier (e.g. "httptts", "textviseme")
	Name() string

	// Synthesize converts text to audio. The call is bounded by the
	// context deadline; exceeding it fails with ErrEngineTimeout and
	// must not leak the underlying resource.
	Synthesize(ctx context.Context, req *SynthesizeRequest) (*media.AudioSegment, error)
}

// AnimationEngine converts an audio segment into rendered frames
// aligned to audio sample time.
type AnimationEngine interface {
	// Name returns the engine identifier (e.g. "sprite", "remote")
	Name() string

	// Animate returns a lazy, finite, restartable frame stream for the
	// segment. The context bounds the setup call; each Next call is
	// bounded by its own context.
	Animate(ctx context.Context, seg *media.AudioSegment, cfg *AnimationConfig) (FrameStream, error)
}

// FrameStream is a pull source of rendered frames in presentation
// order. Next returns io.EOF after the last frame.
type FrameStream interface {
	Next(ctx context.Context) (*media.Frame, error)
	Restart() error
	Close() error
}

// Synthesize runs a synthesis call under a hard timeout floor. A
// deadline overrun is surfaced as ErrEngineTimeout regardless of what
// the backend returned while being torn down.
func Synthesize(ctx context.Context, e SynthesisEngine, req *SynthesizeRequest, timeout time.Duration) (*media.AudioSegment, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	seg, err := e.Synthesize(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", e.Name(), ErrEngineTimeout)
		}
		return nil, err
	}
	return seg, nil
}

// Animate runs an animation setup call under a hard timeout floor.
func Animate(ctx context.Context, e AnimationEngine, seg *media.AudioSegment, cfg *AnimationConfig, timeout time.Duration) (FrameStream, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stream, err := e.Animate(ctx, seg, cfg)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", e.Name(), ErrEngineTimeout)
		}
		return nil, err
	}
	return stream, nil
}
