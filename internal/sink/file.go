package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/avatarlabs/avatar-broadcast/internal/media"
)

// FileSink renders a session to disk: the audio track as a mono WAV
// file and each video frame as a raw image file named by its
// presentation timestamp. Used for offline rendering and tests.
type FileSink struct {
	dir        string
	sampleRate int

	audioFile *os.File
	encoder   *wav.Encoder
	frameDir  string
	buf       *audio.IntBuffer
}

// NewFileSink writes session output under dir.
func NewFileSink(dir string, sampleRate int) *FileSink {
	return &FileSink{dir: dir, sampleRate: sampleRate}
}

func (s *FileSink) Start(_ context.Context) error {
	s.frameDir = filepath.Join(s.dir, "frames")
	if err := os.MkdirAll(s.frameDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	f, err := os.Create(filepath.Join(s.dir, "audio.wav"))
	if err != nil {
		return fmt.Errorf("create audio file: %w", err)
	}
	s.audioFile = f
	s.encoder = wav.NewEncoder(f, s.sampleRate, 16, 1, 1)
	s.buf = &audio.IntBuffer{
		Format: &audio.Format{NumChannels: 1, SampleRate: s.sampleRate},
	}
	return nil
}

func (s *FileSink) WriteFrame(f *media.Frame) error {
	name := fmt.Sprintf("frame_%08d.raw", f.PTS.Milliseconds())
	if err := os.WriteFile(filepath.Join(s.frameDir, name), f.Image, 0o644); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (s *FileSink) WriteAudio(pcm []int16, _ time.Duration) error {
	if cap(s.buf.Data) < len(pcm) {
		s.buf.Data = make([]int, len(pcm))
	}
	s.buf.Data = s.buf.Data[:len(pcm)]
	for i, v := range pcm {
		s.buf.Data[i] = int(v)
	}
	if err := s.encoder.Write(s.buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	if s.encoder != nil {
		if err := s.encoder.Close(); err != nil {
			return fmt.Errorf("close wav encoder: %w", err)
		}
	}
	if s.audioFile != nil {
		return s.audioFile.Close()
	}
	return nil
}
