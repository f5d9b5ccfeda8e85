package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/avatarlabs/avatar-broadcast/internal/media"
	"github.com/avatarlabs/avatar-broadcast/internal/observability"
)

// Writer drains timeline slots into a Sink from a single goroutine.
// Enqueue never blocks: when the buffer is full the oldest slot is
// dropped so the freshest media keeps flowing. A sink write error is
// fatal and surfaced through Err.
type Writer struct {
	sink   Sink
	slots  chan *media.TimelineSlot
	logger zerolog.Logger

	mu      sync.Mutex
	err     error
	dropped int64
}

// NewWriter creates a writer with room for capacity slots.
func NewWriter(s Sink, capacity int, logger zerolog.Logger) *Writer {
	if capacity < 1 {
		capacity = 1
	}
	return &Writer{
		sink:   s,
		slots:  make(chan *media.TimelineSlot, capacity),
		logger: logger,
	}
}

// Enqueue hands a slot to the writer. Called from the timeline tick
// loop, so it must return immediately. On a full buffer the oldest
// retained slot is dropped; order among retained slots is preserved.
func (w *Writer) Enqueue(slot *media.TimelineSlot) {
	for {
		select {
		case w.slots <- slot:
			observability.RecordSinkBufferDepth(len(w.slots))
			return
		default:
		}
		select {
		case old := <-w.slots:
			w.mu.Lock()
			w.dropped++
			total := w.dropped
			w.mu.Unlock()
			observability.RecordSinkDrop(1)
			w.logger.Warn().
				Int64("slot_index", old.Index).
				Int64("dropped_total", total).
				Msg("Sink buffer full, dropping oldest slot")
		default:
			// Consumer drained the buffer between the two selects.
		}
	}
}

// Dropped returns the total number of slots dropped so far.
func (w *Writer) Dropped() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Err returns the fatal sink error, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Run starts the sink and services the buffer until ctx is cancelled
// or a write fails. The sink is closed on the way out.
func (w *Writer) Run(ctx context.Context) error {
	if err := w.sink.Start(ctx); err != nil {
		return w.fail(fmt.Errorf("%w: start: %v", ErrWriteFailure, err))
	}
	defer func() {
		if err := w.sink.Close(); err != nil {
			w.logger.Warn().Err(err).Msg("Sink close failed")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case slot := <-w.slots:
			observability.RecordSinkBufferDepth(len(w.slots))
			if err := w.write(slot); err != nil {
				return w.fail(err)
			}
		}
	}
}

func (w *Writer) write(slot *media.TimelineSlot) error {
	if slot.Frame != nil {
		if err := w.sink.WriteFrame(slot.Frame); err != nil {
			return fmt.Errorf("%w: frame %d: %v", ErrWriteFailure, slot.Index, err)
		}
	}
	if len(slot.Audio) > 0 {
		if err := w.sink.WriteAudio(slot.Audio, slot.PTS); err != nil {
			return fmt.Errorf("%w: audio %d: %v", ErrWriteFailure, slot.Index, err)
		}
	}
	return nil
}

func (w *Writer) fail(err error) error {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	w.logger.Error().Err(err).Msg("Sink writer failed")
	return err
}
