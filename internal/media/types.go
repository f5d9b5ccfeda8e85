// Package media defines the data types that flow through the broadcast
// pipeline: utterances, synthesized audio with viseme timing, rendered
// frames, and assembled timeline slots.
package media

import (
	"fmt"
	"time"
)

// Priority controls queue ordering of utterances
type Priority int

const (
	PriorityNormal    Priority = iota // FIFO behind earlier submissions
	PriorityInterrupt                 // Preempts the currently streaming utterance
)

func (p Priority) String() string {
	if p == PriorityInterrupt {
		return "interrupt"
	}
	return "normal"
}

// Utterance is one unit of content to be spoken and animated.
// It is owned by the pipeline controller for its whole lifetime.
type Utterance struct {
	ID        string
	Text      string
	Audio     *AudioSegment // Pre-rendered audio; nil means synthesize from Text
	Priority  Priority
	CreatedAt time.Time
}

// VisemeEvent is one mouth-shape interval within a synthesized segment.
// Start and End are offsets from the segment start.
type VisemeEvent struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Shape string        `json:"shape"` // Symbolic viseme ID (e.g. "aa", "mbp", "sil")
}

// AudioSegment is the decoded result of synthesizing one utterance:
// mono 16-bit PCM plus viseme timing for lip-sync.
// Segments are immutable once produced.
type AudioSegment struct {
	PCM        []int16
	SampleRate int
	Visemes    []VisemeEvent
}

// Duration returns the playback duration of the segment.
func (s *AudioSegment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(s.PCM)) * time.Second / time.Duration(s.SampleRate)
}

// Validate checks the invariants a well-formed segment must satisfy:
// non-empty audio, a positive sample rate, and viseme events sorted by
// start offset without overlap. A violation means the producing engine
// returned a bad payload.
func (s *AudioSegment) Validate() error {
	if s.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", s.SampleRate)
	}
	if len(s.PCM) == 0 {
		return fmt.Errorf("empty audio segment")
	}
	for i, v := range s.Visemes {
		if v.End < v.Start {
			return fmt.Errorf("viseme %d ends before it starts (%v < %v)", i, v.End, v.Start)
		}
		if i > 0 && v.Start < s.Visemes[i-1].End {
			return fmt.Errorf("viseme %d overlaps previous (start %v < previous end %v)",
				i, v.Start, s.Visemes[i-1].End)
		}
	}
	return nil
}

// VisemeAt returns the viseme shape active at the given offset, or "sil"
// if no event covers it.
func (s *AudioSegment) VisemeAt(offset time.Duration) string {
	for _, v := range s.Visemes {
		if offset >= v.Start && offset < v.End {
			return v.Shape
		}
	}
	return VisemeSilence
}

// VisemeSilence is the shape ID for a closed mouth.
const VisemeSilence = "sil"

// Frame is a single rendered image with its presentation timestamp
// relative to the owning utterance's start. UtteranceID is a back
// reference for traceability, not ownership.
type Frame struct {
	Image       []byte
	PTS         time.Duration
	UtteranceID string
}

// TimelineSlot pairs one frame with the audio samples due at the same
// presentation instant. Consecutive slots emitted by the assembler have
// presentation timestamps exactly one frame interval apart.
type TimelineSlot struct {
	Index       int64         // Monotonic slot index for the session
	PTS         time.Duration // Session-relative presentation timestamp
	Frame       *Frame
	Audio       []int16
	UtteranceID string // Empty for idle filler slots
}
