package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/avatarlabs/avatar-broadcast/internal/media"
)

// SpriteAnimator is the local phoneme-driven animation variant: for
// each frame interval it selects the mouth-shape sprite matching the
// viseme active at that instant. Cheap and deterministic, which makes
// it the fallback fidelity tier when a neural backend fails.
type SpriteAnimator struct {
	sprites map[string][]byte // viseme shape → encoded image
	neutral []byte            // shown for silence and unknown shapes
}

// NewSpriteAnimator creates a sprite-sheet animator. The neutral image
// is required; per-shape sprites are optional and fall back to it.
func NewSpriteAnimator(neutral []byte, sprites map[string][]byte) *SpriteAnimator {
	if sprites == nil {
		sprites = map[string][]byte{}
	}
	return &SpriteAnimator{sprites: sprites, neutral: neutral}
}

func (a *SpriteAnimator) Name() string { return "sprite" }

// Animate returns a frame stream spanning the segment's duration, one
// frame per interval, holding the last shape through a trailing partial
// interval.
func (a *SpriteAnimator) Animate(ctx context.Context, seg *media.AudioSegment, cfg *AnimationConfig) (FrameStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg == nil || cfg.FrameInterval <= 0 {
		return nil, NewEngineError(a.Name(), false, fmt.Errorf("frame interval not configured"))
	}
	return &spriteStream{
		animator: a,
		segment:  seg,
		interval: cfg.FrameInterval,
		total:    media.FrameCount(seg.Duration(), cfg.FrameInterval),
	}, nil
}

// spriteStream renders frames on demand; restartable by resetting the
// cursor.
type spriteStream struct {
	animator *SpriteAnimator
	segment  *media.AudioSegment
	interval time.Duration
	total    int

	mu     sync.Mutex
	index  int
	closed bool
}

func (s *spriteStream) Next(ctx context.Context) (*media.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, io.EOF
	}
	if s.index >= s.total {
		return nil, io.EOF
	}

	pts := time.Duration(s.index) * s.interval
	shape := s.segment.VisemeAt(pts)
	image, ok := s.animator.sprites[shape]
	if !ok {
		image = s.animator.neutral
	}
	s.index++

	return &media.Frame{Image: image, PTS: pts}, nil
}

func (s *spriteStream) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream closed")
	}
	s.index = 0
	return nil
}

func (s *spriteStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
