// Package timeline implements the scheduling core of the pipeline: it
// merges one active utterance's audio and frame streams into timeline
// slots at a fixed cadence, with deterministic underrun, overrun, and
// preemption policy.
package timeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/avatarlabs/avatar-broadcast/internal/media"
	"github.com/avatarlabs/avatar-broadcast/internal/observability"
)

// SlotConsumer receives assembled slots. Enqueue must never block: the
// tick loop waits only on its own timer.
type SlotConsumer interface {
	Enqueue(slot *media.TimelineSlot)
}

// EventType identifies an assembler notification to the controller.
type EventType int

const (
	// EventStreaming fires when the first frame of an utterance lands
	// on the timeline.
	EventStreaming EventType = iota
	// EventCompleted fires when an utterance's audio and frames are
	// fully consumed.
	EventCompleted
	// EventUnderrunExceeded fires when the consecutive underrun budget
	// is spent; the utterance has been detached from the timeline.
	EventUnderrunExceeded
	// EventPreempted fires for the utterance displaced by an
	// interrupt-priority one.
	EventPreempted
)

func (t EventType) String() string {
	switch t {
	case EventStreaming:
		return "streaming"
	case EventCompleted:
		return "completed"
	case EventUnderrunExceeded:
		return "underrun_exceeded"
	case EventPreempted:
		return "preempted"
	default:
		return "unknown"
	}
}

// Event is an assembler notification.
type Event struct {
	Type        EventType
	UtteranceID string
}

// Feed is one utterance's input to the assembler: its complete audio
// segment plus the frame channel produced by the animation stage.
// Cancel stops the upstream producers; the assembler calls it when it
// detaches the feed.
type Feed struct {
	UtteranceID string
	Segment     *media.AudioSegment
	Frames      <-chan *media.Frame
	Cancel      context.CancelFunc

	// Tick-loop-owned cursors
	sampleOffset int
	framesDone   bool
	streaming    bool
	peeked       *media.Frame // Frame received while probing for stream end
}

// Config holds assembler tuning.
type Config struct {
	FrameInterval           time.Duration
	FrameRate               int // Ticks per second; derived from FrameInterval when zero
	SampleRate              int
	MaxConsecutiveUnderruns int
	CrossfadeWindow         time.Duration
}

// Assembler merges feeds into a monotonic, gap-free slot sequence. All
// timeline state is owned by the single tick goroutine; controller
// goroutines communicate through the pending fields under mu.
type Assembler struct {
	cfg       Config
	frameRate int64
	fadeLen   int // Crossfade length in samples
	out       SlotConsumer
	events    chan Event
	logger    zerolog.Logger

	mu            sync.Mutex
	pendingFeed   *Feed
	pendingKind   pendingKind
	pendingCancel string // Utterance ID to detach

	// Tick-loop state
	active    *Feed
	nextIndex int64
	lastFrame *media.Frame
	underruns int
	fadeTail  []int16
	fadePos   int
}

type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingBegin
	pendingPreempt
)

// NewAssembler creates the timeline assembler.
func NewAssembler(cfg Config, out SlotConsumer, logger zerolog.Logger) *Assembler {
	fr := int64(cfg.FrameRate)
	if fr <= 0 {
		fr = int64((time.Second + cfg.FrameInterval/2) / cfg.FrameInterval)
	}
	return &Assembler{
		cfg:       cfg,
		frameRate: fr,
		fadeLen:   media.SamplesPerInterval(cfg.SampleRate, cfg.CrossfadeWindow),
		out:       out,
		events:    make(chan Event, 16),
		logger:    logger,
	}
}

// tickSamples returns the audio sample count for the upcoming slot.
// Counts are derived cumulatively from the rate ratio, so rates that do
// not divide the tick evenly (16 kHz at 30 fps) accumulate fractional
// samples instead of dropping them and running utterances a tick long.
func (a *Assembler) tickSamples() int {
	r := int64(a.cfg.SampleRate)
	return int((a.nextIndex+1)*r/a.frameRate - a.nextIndex*r/a.frameRate)
}

// Events returns the notification channel consumed by the controller.
func (a *Assembler) Events() <-chan Event {
	return a.events
}

// Begin schedules a feed to start at the next tick boundary once the
// timeline is idle. The controller serializes Begin calls; queued
// utterances wait their turn.
func (a *Assembler) Begin(f *Feed) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.displacePendingLocked(f.UtteranceID)
	a.pendingFeed = f
	a.pendingKind = pendingBegin
}

// Preempt schedules a feed to displace the active utterance at the
// next tick boundary, crossfading audio over the configured window.
// Video cuts directly at the boundary.
func (a *Assembler) Preempt(f *Feed) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.displacePendingLocked(f.UtteranceID)
	a.pendingFeed = f
	a.pendingKind = pendingPreempt
}

// displacePendingLocked cancels a feed that was scheduled but replaced
// before its first tick. Without it a Begin followed by a Preempt in
// the same tick would strand the first feed's producers with no event.
func (a *Assembler) displacePendingLocked(by string) {
	old := a.pendingFeed
	if old == nil || old.UtteranceID == by {
		return
	}
	if old.Cancel != nil {
		old.Cancel()
	}
	observability.RecordPreemption()
	a.emit(Event{Type: EventPreempted, UtteranceID: old.UtteranceID})
	a.logger.Info().
		Str("displaced", old.UtteranceID).
		Str("by", by).
		Msg("Pending feed displaced before activation")
}

// CancelActive detaches the named utterance at the next tick boundary.
// A stale ID is a no-op, which makes cancellation idempotent.
func (a *Assembler) CancelActive(utteranceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingCancel = utteranceID
}

// Run drives the tick loop until ctx is cancelled. The loop suspends
// only on its own timer, never on a producer.
func (a *Assembler) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.FrameInterval)
	defer ticker.Stop()

	a.logger.Info().
		Dur("interval", a.cfg.FrameInterval).
		Int("sample_rate", a.cfg.SampleRate).
		Int64("frame_rate", a.frameRate).
		Msg("Timeline assembler started")

	for {
		select {
		case <-ctx.Done():
			a.detachActive()
			return
		case <-ticker.C:
			a.tick()
		}
	}
}

// tick emits exactly one slot. It never blocks.
func (a *Assembler) tick() {
	a.applyPending()

	audio := media.Silence(a.tickSamples())
	utteranceID := ""

	if a.active != nil {
		utteranceID = a.active.UtteranceID
		if a.consumeFrame() {
			// Frame ready (or all frames delivered): advance audio in
			// lockstep so lips and voice stay aligned.
			a.consumeAudio(audio)
			if a.underruns > 0 {
				observability.RecordUnderrunRecovered()
			}
			a.underruns = 0
			a.checkCompleted()
		} else {
			// Producer stall: hold the previous frame and substitute
			// silence. Audio does not advance while video is frozen.
			a.underruns++
			observability.RecordUnderrun(a.underruns)
			a.logger.Debug().
				Str("utterance_id", utteranceID).
				Int("consecutive", a.underruns).
				Msg("Underrun: holding previous frame")

			if a.underruns > a.cfg.MaxConsecutiveUnderruns {
				a.logger.Error().
					Str("utterance_id", utteranceID).
					Int("budget", a.cfg.MaxConsecutiveUnderruns).
					Msg("Underrun budget exceeded, detaching utterance")
				a.detachActive()
				a.emit(Event{Type: EventUnderrunExceeded, UtteranceID: utteranceID})
			}
		}
	}

	// Continue a preemption crossfade into the new audio (or into
	// silence if the timeline went idle).
	if len(a.fadeTail) > 0 {
		consumed := media.MixFade(audio, a.fadeTail, a.fadePos, a.fadeLen)
		a.fadeTail = a.fadeTail[consumed:]
		a.fadePos += consumed
	}

	slot := &media.TimelineSlot{
		Index:       a.nextIndex,
		PTS:         time.Duration(a.nextIndex) * a.cfg.FrameInterval,
		Frame:       a.lastFrame,
		Audio:       audio,
		UtteranceID: utteranceID,
	}
	a.nextIndex++
	observability.RecordSlotEmitted()
	a.out.Enqueue(slot)
}

// applyPending activates controller requests at the tick boundary.
func (a *Assembler) applyPending() {
	a.mu.Lock()
	feed, kind := a.pendingFeed, a.pendingKind
	cancelID := a.pendingCancel
	a.pendingFeed, a.pendingKind, a.pendingCancel = nil, pendingNone, ""
	a.mu.Unlock()

	if cancelID != "" && a.active != nil && a.active.UtteranceID == cancelID {
		a.startFadeOut()
		a.detachActive()
	}

	switch kind {
	case pendingBegin:
		if a.active != nil {
			// Controller contract violation; the queued feed would
			// interleave with the active one.
			a.logger.Error().
				Str("active", a.active.UtteranceID).
				Str("attempted", feed.UtteranceID).
				Msg("Begin while timeline busy, dropping feed")
			if feed.Cancel != nil {
				feed.Cancel()
			}
			return
		}
		a.active = feed
		a.underruns = 0

	case pendingPreempt:
		if a.active != nil {
			old := a.active.UtteranceID
			a.startFadeOut()
			a.detachActive()
			observability.RecordPreemption()
			a.emit(Event{Type: EventPreempted, UtteranceID: old})
			a.logger.Info().
				Str("preempted", old).
				Str("by", feed.UtteranceID).
				Msg("Interrupt preemption at tick boundary")
		}
		a.active = feed
		a.underruns = 0
	}
}

// startFadeOut captures the outgoing utterance's next samples so the
// audio transition ramps instead of clicking.
func (a *Assembler) startFadeOut() {
	if a.active == nil || a.fadeLen == 0 {
		return
	}
	pcm := a.active.Segment.PCM
	start := a.active.sampleOffset
	if start >= len(pcm) {
		return
	}
	end := start + a.fadeLen
	if end > len(pcm) {
		end = len(pcm)
	}
	a.fadeTail = append([]int16(nil), pcm[start:end]...)
	a.fadePos = 0
}

// consumeAudio copies the next tick's worth of segment audio into out,
// leaving silence past the segment end.
func (a *Assembler) consumeAudio(out []int16) {
	pcm := a.active.Segment.PCM
	start := a.active.sampleOffset
	if start >= len(pcm) {
		return
	}
	n := copy(out, pcm[start:])
	a.active.sampleOffset = start + n
}

// consumeFrame takes at most one frame from the feed without blocking.
// Returns false on an underrun (frame needed but not ready).
func (a *Assembler) consumeFrame() bool {
	if a.active.framesDone {
		return true
	}
	if f := a.active.peeked; f != nil {
		a.active.peeked = nil
		a.takeFrame(f)
		return true
	}
	select {
	case f, ok := <-a.active.Frames:
		if !ok {
			a.active.framesDone = true
			return true
		}
		a.takeFrame(f)
		return true
	default:
		return false
	}
}

func (a *Assembler) takeFrame(f *media.Frame) {
	a.lastFrame = f
	if !a.active.streaming {
		a.active.streaming = true
		a.emit(Event{Type: EventStreaming, UtteranceID: a.active.UtteranceID})
	}
}

// checkCompleted detaches the active feed once audio and frames are
// both fully consumed.
func (a *Assembler) checkCompleted() {
	if a.active == nil || a.active.sampleOffset < len(a.active.Segment.PCM) {
		return
	}
	if !a.active.framesDone {
		// Audio is spent; probe whether the frame stream ended with it.
		// A frame received here belongs to the next tick.
		select {
		case f, ok := <-a.active.Frames:
			if !ok {
				a.active.framesDone = true
			} else {
				a.active.peeked = f
				return
			}
		default:
			return
		}
	}
	id := a.active.UtteranceID
	a.active = nil
	a.underruns = 0
	a.emit(Event{Type: EventCompleted, UtteranceID: id})
}

// detachActive cancels and drops the active feed without an event.
func (a *Assembler) detachActive() {
	if a.active == nil {
		return
	}
	if a.active.Cancel != nil {
		a.active.Cancel()
	}
	a.active = nil
	a.underruns = 0
}

// emit sends an event without ever blocking the tick loop.
func (a *Assembler) emit(ev Event) {
	select {
	case a.events <- ev:
	default:
		a.logger.Warn().
			Str("event", ev.Type.String()).
			Str("utterance_id", ev.UtteranceID).
			Msg("Event channel full, dropping event")
	}
}
