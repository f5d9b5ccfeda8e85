// Package animation runs the second pipeline stage: audio segment in,
// bounded stream of rendered frames out.
package animation

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/avatarlabs/avatar-broadcast/internal/engine"
	"github.com/avatarlabs/avatar-broadcast/internal/media"
	"github.com/avatarlabs/avatar-broadcast/internal/observability"
)

// Options configures stage policy.
type Options struct {
	FrameInterval   time.Duration
	LookAheadFrames int           // Buffer bound; the producer blocks when full
	SetupTimeout    time.Duration // Bound on the engine's Animate call
	FrameTimeout    time.Duration // Bound on each Next call; 0 means no per-frame bound
	Render          engine.AnimationConfig
}

// Stage turns an audio segment into a frame stream through an ordered
// engine chain. The returned stream applies backpressure: a renderer
// faster than the consumer blocks once the look-ahead buffer is full,
// so memory stays bounded no matter how fast the engine is.
type Stage struct {
	chain  []engine.AnimationEngine
	opts   Options
	logger zerolog.Logger
}

// NewStage creates an animation stage over the given engine chain.
func NewStage(chain []engine.AnimationEngine, opts Options, logger zerolog.Logger) *Stage {
	if opts.LookAheadFrames < 1 {
		opts.LookAheadFrames = 1
	}
	if opts.SetupTimeout <= 0 {
		opts.SetupTimeout = 10 * time.Second
	}
	return &Stage{chain: chain, opts: opts, logger: logger}
}

// Stream is the stage output: frames in presentation order on a
// bounded channel. The channel closes when the last frame has been
// sent or production failed; Err distinguishes the two afterwards.
type Stream struct {
	Frames <-chan *media.Frame

	mu  sync.Mutex
	err error
}

// Err reports the production error, if any. Only meaningful after the
// Frames channel has closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Start begins frame production for the segment. Exactly
// ceil(duration/interval) frames are delivered; if the engine's stream
// ends early, the last frame is held for the remaining intervals.
// Production stops promptly when ctx is cancelled.
func (s *Stage) Start(ctx context.Context, seg *media.AudioSegment, utteranceID string) (*Stream, error) {
	cfg := s.opts.Render
	cfg.FrameInterval = s.opts.FrameInterval

	var (
		fs      engine.FrameStream
		lastErr error
		used    engine.AnimationEngine
	)
	for i, e := range s.chain {
		start := time.Now()
		stream, err := engine.Animate(ctx, e, seg, &cfg, s.opts.SetupTimeout)
		observability.RecordEngineCall(e.Name(), "animation", time.Since(start), err)
		if err == nil {
			fs = stream
			used = e
			break
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if i < len(s.chain)-1 {
			s.logger.Warn().
				Str("utterance_id", utteranceID).
				Str("engine", e.Name()).
				Str("next", s.chain[i+1].Name()).
				Err(err).
				Msg("Animation engine failed, trying fallback")
		}
	}
	if fs == nil {
		return nil, lastErr
	}

	total := media.FrameCount(seg.Duration(), s.opts.FrameInterval)
	ch := make(chan *media.Frame, s.opts.LookAheadFrames)
	out := &Stream{Frames: ch}

	go s.produce(ctx, fs, used.Name(), utteranceID, total, ch, out)
	return out, nil
}

// produce pulls frames from the engine and pushes them downstream,
// re-stamping presentation timestamps onto the fixed tick grid.
func (s *Stage) produce(ctx context.Context, fs engine.FrameStream, engineName, utteranceID string, total int, ch chan<- *media.Frame, out *Stream) {
	defer close(ch)
	defer fs.Close()

	var last *media.Frame
	for i := 0; i < total; i++ {
		frameCtx := ctx
		var cancel context.CancelFunc
		if s.opts.FrameTimeout > 0 {
			frameCtx, cancel = context.WithTimeout(ctx, s.opts.FrameTimeout)
		}
		raw, err := fs.Next(frameCtx)
		if cancel != nil {
			cancel()
		}

		switch {
		case err == nil:
			last = raw
		case errors.Is(err, io.EOF):
			// Engine finished early; hold the last frame through the
			// trailing intervals.
			if last == nil {
				out.setErr(engine.NewEngineError(engineName, false, io.ErrUnexpectedEOF))
				return
			}
		case ctx.Err() != nil:
			// Cancellation is not an engine failure
			return
		default:
			s.logger.Error().
				Str("utterance_id", utteranceID).
				Str("engine", engineName).
				Int("frame", i).
				Err(err).
				Msg("Frame production failed")
			out.setErr(err)
			return
		}

		frame := &media.Frame{
			Image:       last.Image,
			PTS:         time.Duration(i) * s.opts.FrameInterval,
			UtteranceID: utteranceID,
		}

		select {
		case ch <- frame:
		case <-ctx.Done():
			return
		}
	}
}
