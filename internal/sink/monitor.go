package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/avatarlabs/avatar-broadcast/internal/media"
)

// MonitorSink plays the audio track through the local speaker as a
// preview aid. Video frames are discarded. Playback pulls from a ring
// buffer and zero-fills on underflow, so a slow timeline produces
// silence rather than device errors.
type MonitorSink struct {
	sampleRate int
	ring       *media.RingBuffer
	player     *oto.Player
}

// NewMonitorSink creates a speaker monitor holding bufferSeconds of
// audio.
func NewMonitorSink(sampleRate int, bufferSeconds float64) *MonitorSink {
	size := int(float64(sampleRate) * bufferSeconds * 2) // 16-bit mono
	if size < 4096 {
		size = 4096
	}
	return &MonitorSink{
		sampleRate: sampleRate,
		ring:       media.NewRingBuffer(size),
	}
}

func (s *MonitorSink) Start(_ context.Context) error {
	op := &oto.NewContextOptions{
		SampleRate:   s.sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   50 * time.Millisecond,
	}
	otoCtx, ready, err := oto.NewContext(op)
	if err != nil {
		return fmt.Errorf("audio device init: %w", err)
	}
	<-ready

	s.player = otoCtx.NewPlayer(&ringReader{ring: s.ring})
	s.player.Play()
	return nil
}

func (s *MonitorSink) WriteFrame(*media.Frame) error { return nil }

func (s *MonitorSink) WriteAudio(pcm []int16, _ time.Duration) error {
	// A full ring means playback is behind; drop the tail of this
	// chunk rather than blocking the writer.
	s.ring.Write(media.EncodePCM16(pcm))
	return nil
}

func (s *MonitorSink) Close() error {
	if s.player != nil {
		return s.player.Close()
	}
	return nil
}

// ringReader feeds the audio device, substituting silence when the
// ring runs dry so the device never starves.
type ringReader struct {
	ring *media.RingBuffer
}

func (r *ringReader) Read(p []byte) (int, error) {
	n := r.ring.Read(p)
	for i := n; i < len(p); i++ {
		p[i] = 0
	}
	return len(p), nil
}
