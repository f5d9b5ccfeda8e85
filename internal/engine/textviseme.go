package engine

import (
	"context"
	"time"

	"github.com/avatarlabs/avatar-broadcast/internal/media"
)

// TextVisemeSynthesizer is the local, zero-dependency synthesis variant.
// It estimates speech timing from text length at a configured speaking
// rate and generates viseme events directly from the text, with a low
// hum as the waveform. Used as the filler/fallback tier and in tests;
// latency is effectively zero.
type TextVisemeSynthesizer struct {
	sampleRate  int
	charsPerSec float64
	toneHz      float64 // 0 produces silence
}

// NewTextVisemeSynthesizer creates the local synthesis variant.
// charsPerSec controls estimated speaking speed; 15 approximates
// natural speech.
func NewTextVisemeSynthesizer(sampleRate int, charsPerSec, toneHz float64) *TextVisemeSynthesizer {
	if charsPerSec <= 0 {
		charsPerSec = 15
	}
	return &TextVisemeSynthesizer{
		sampleRate:  sampleRate,
		charsPerSec: charsPerSec,
		toneHz:      toneHz,
	}
}

func (s *TextVisemeSynthesizer) Name() string { return "textviseme" }

// Synthesize estimates duration from text length, builds the viseme
// timeline, and fills the waveform with silence or a faint tone.
func (s *TextVisemeSynthesizer) Synthesize(ctx context.Context, req *SynthesizeRequest) (*media.AudioSegment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Text == "" {
		return nil, NewEngineError(s.Name(), false, errEmptyText)
	}

	rate := s.charsPerSec
	if req.Rate > 0 {
		rate *= req.Rate
	}
	duration := time.Duration(float64(len(req.Text)) / rate * float64(time.Second))
	if duration < 100*time.Millisecond {
		duration = 100 * time.Millisecond
	}

	var pcm []int16
	if s.toneHz > 0 {
		pcm = media.Tone(s.toneHz, s.sampleRate, duration, 0.05)
	} else {
		pcm = media.Silence(media.SamplesPerInterval(s.sampleRate, duration))
	}

	return &media.AudioSegment{
		PCM:        pcm,
		SampleRate: s.sampleRate,
		Visemes:    EstimateVisemes(req.Text, duration),
	}, nil
}
