// Package sink delivers assembled timeline slots to an output target:
// a websocket push endpoint, local files, a monitor speaker, or nowhere.
// The Writer decouples the timeline's fixed cadence from sink latency
// with a bounded drop-oldest buffer.
package sink

import (
	"context"
	"errors"
	"time"

	"github.com/avatarlabs/avatar-broadcast/internal/media"
)

// ErrWriteFailure marks a sink error that is fatal to the session.
// Slowness is never an error; the Writer's drop policy absorbs it.
var ErrWriteFailure = errors.New("sink write failure")

// Sink is an output target for timeline media. Implementations are
// called from a single Writer goroutine and need no internal locking
// for the Write methods.
type Sink interface {
	Start(ctx context.Context) error
	WriteFrame(f *media.Frame) error
	WriteAudio(pcm []int16, pts time.Duration) error
	Close() error
}

// NullSink discards everything. Useful for tests and benchmarks.
type NullSink struct{}

func (NullSink) Start(context.Context) error             { return nil }
func (NullSink) WriteFrame(*media.Frame) error           { return nil }
func (NullSink) WriteAudio([]int16, time.Duration) error { return nil }
func (NullSink) Close() error                            { return nil }
