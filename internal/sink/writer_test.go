package sink

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/avatarlabs/avatar-broadcast/internal/media"
)

// recordSink captures every write in order.
type recordSink struct {
	mu     sync.Mutex
	frames []int64
	audio  []time.Duration

	frameErr error
	audioErr error
}

func (s *recordSink) Start(context.Context) error { return nil }
func (s *recordSink) Close() error                { return nil }

func (s *recordSink) WriteFrame(f *media.Frame) error {
	if s.frameErr != nil {
		return s.frameErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f.PTS.Milliseconds())
	return nil
}

func (s *recordSink) WriteAudio(_ []int16, pts time.Duration) error {
	if s.audioErr != nil {
		return s.audioErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, pts)
	return nil
}

func (s *recordSink) audioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

func slotN(i int64) *media.TimelineSlot {
	return &media.TimelineSlot{
		Index: i,
		PTS:   time.Duration(i) * 25 * time.Millisecond,
		Audio: make([]int16, 10),
	}
}

func TestWriterDropsOldestWhenFull(t *testing.T) {
	w := NewWriter(&recordSink{}, 3, zerolog.Nop())

	// No consumer running: the fourth and fifth slots must evict the
	// oldest two instead of blocking.
	done := make(chan struct{})
	go func() {
		for i := int64(0); i < 5; i++ {
			w.Enqueue(slotN(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full buffer")
	}

	if got := w.Dropped(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}

	// Retained slots keep their relative order.
	var retained []int64
	for i := 0; i < 3; i++ {
		slot := <-w.slots
		retained = append(retained, slot.Index)
	}
	for i := 1; i < len(retained); i++ {
		if retained[i] <= retained[i-1] {
			t.Errorf("order broken: %v", retained)
		}
	}
}

func TestWriterDeliversInOrder(t *testing.T) {
	rec := &recordSink{}
	w := NewWriter(rec, 8, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	for i := int64(0); i < 5; i++ {
		w.Enqueue(slotN(i))
	}

	deadline := time.After(time.Second)
	for rec.audioCount() < 5 {
		select {
		case <-deadline:
			t.Fatalf("delivered %d of 5 slots", rec.audioCount())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("run returned %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := 1; i < len(rec.audio); i++ {
		if rec.audio[i] <= rec.audio[i-1] {
			t.Errorf("audio pts out of order: %v", rec.audio)
		}
	}
}

func TestWriterFailsOnSinkError(t *testing.T) {
	rec := &recordSink{audioErr: errors.New("pipe broke")}
	w := NewWriter(rec, 8, zerolog.Nop())

	ctx := context.Background()
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	w.Enqueue(slotN(0))

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrWriteFailure) {
			t.Errorf("run returned %v, want ErrWriteFailure", err)
		}
		if w.Err() == nil {
			t.Error("Err() should report the failure")
		}
	case <-time.After(time.Second):
		t.Fatal("writer did not fail on sink error")
	}
}

func TestFileSinkWritesSession(t *testing.T) {
	dir := t.TempDir()
	s := NewFileSink(dir, 16000)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.WriteFrame(&media.Frame{Image: []byte{1, 2, 3}, PTS: 25 * time.Millisecond}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if err := s.WriteAudio(make([]int16, 400), 0); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "audio.wav")); err != nil {
		t.Errorf("audio.wav missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "frames", "frame_00000025.raw")); err != nil {
		t.Errorf("frame file missing: %v", err)
	}
}
