package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/avatarlabs/avatar-broadcast/internal/media"
)

// RemoteAnimator is the neural lip-sync variant behind a WebSocket
// boundary: the audio segment is shipped to a GPU worker and rendered
// frames stream back as JSON envelopes with base64 images. Latency is
// unpredictable, which is exactly what the timeline assembler's
// underrun policy exists for.
type RemoteAnimator struct {
	name   string
	url    string
	apiKey string
	dialer *websocket.Dialer
}

// animEnvelope is one message on the animation socket.
type animEnvelope struct {
	Event    string              `json:"event"` // "animate", "frame", "done", "error"
	Audio    []byte              `json:"audio,omitempty"`
	SampleRate int               `json:"sample_rate,omitempty"`
	Visemes  []media.VisemeEvent `json:"visemes,omitempty"`
	Config   *AnimationConfig    `json:"config,omitempty"`
	Image    []byte              `json:"image,omitempty"`
	PTSMs    float64             `json:"pts_ms,omitempty"`
	Message  string              `json:"message,omitempty"`
}

// NewRemoteAnimator creates a remote animation adapter.
func NewRemoteAnimator(name, url, apiKey string) *RemoteAnimator {
	return &RemoteAnimator{name: name, url: url, apiKey: apiKey, dialer: websocket.DefaultDialer}
}

func (a *RemoteAnimator) Name() string { return a.name }

// Animate dials the worker and sends the segment. The returned stream
// pulls frames off the socket lazily; closing the stream closes the
// connection on every path. Restart re-sends the request on a fresh
// connection, which the contract requires of all variants.
func (a *RemoteAnimator) Animate(ctx context.Context, seg *media.AudioSegment, cfg *AnimationConfig) (FrameStream, error) {
	conn, err := a.dial(ctx, seg, cfg)
	if err != nil {
		return nil, err
	}
	return &remoteStream{animator: a, segment: seg, config: cfg, conn: conn}, nil
}

func (a *RemoteAnimator) dial(ctx context.Context, seg *media.AudioSegment, cfg *AnimationConfig) (*websocket.Conn, error) {
	conn, _, err := a.dialer.DialContext(ctx, a.url, bearerHeader(a.apiKey))
	if err != nil {
		return nil, NewEngineError(a.name, true, fmt.Errorf("dialing animation backend: %w", err))
	}

	req := animEnvelope{
		Event:      "animate",
		Audio:      media.EncodePCM16(seg.PCM),
		SampleRate: seg.SampleRate,
		Visemes:    seg.Visemes,
		Config:     cfg,
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, NewEngineError(a.name, true, fmt.Errorf("sending segment: %w", err))
	}
	return conn, nil
}

// remoteStream pulls frames off the socket as the worker renders them.
type remoteStream struct {
	animator *RemoteAnimator
	segment  *media.AudioSegment
	config   *AnimationConfig

	mu     sync.Mutex
	conn   *websocket.Conn
	done   bool
	closed bool
}

func (s *remoteStream) Next(ctx context.Context) (*media.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, io.EOF
	}
	if s.done {
		return nil, io.EOF
	}

	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetReadDeadline(deadline)
	} else {
		s.conn.SetReadDeadline(time.Time{})
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, NewEngineError(s.animator.name, true, fmt.Errorf("reading frame: %w", err))
		}

		var env animEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, NewEngineError(s.animator.name, false, fmt.Errorf("bad envelope: %w", err))
		}

		switch env.Event {
		case "frame":
			return &media.Frame{
				Image: env.Image,
				PTS:   time.Duration(env.PTSMs * float64(time.Millisecond)),
			}, nil
		case "done":
			s.done = true
			return nil, io.EOF
		case "error":
			return nil, NewEngineError(s.animator.name, false, fmt.Errorf("backend error: %s", env.Message))
		default:
			continue
		}
	}
}

// Restart reopens the socket and replays the request from the start.
func (s *remoteStream) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream closed")
	}

	s.conn.Close()
	conn, err := s.animator.dial(context.Background(), s.segment, s.config)
	if err != nil {
		return err
	}
	s.conn = conn
	s.done = false
	return nil
}

func (s *remoteStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
