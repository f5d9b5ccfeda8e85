package sink

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/avatarlabs/avatar-broadcast/internal/media"
)

// writeTimeout bounds each socket write so a stalled peer surfaces as
// an error instead of freezing the writer loop.
const writeTimeout = 5 * time.Second

// WSPushSink pushes media to a broadcast endpoint over a WebSocket,
// one JSON envelope per frame or audio chunk with base64 payloads.
type WSPushSink struct {
	url        string
	sampleRate int
	frameRate  int
	dialer     *websocket.Dialer

	conn     *websocket.Conn
	streamID string
}

// pushEnvelope is one message on the push socket.
type pushEnvelope struct {
	Event      string `json:"event"` // "start", "video", "audio", "stop"
	StreamID   string `json:"streamId"`
	SampleRate int    `json:"sampleRate,omitempty"`
	FrameRate  int    `json:"frameRate,omitempty"`
	PTSMillis  int64  `json:"ptsMs,omitempty"`
	Payload    string `json:"payload,omitempty"` // Base64 media bytes
}

// NewWSPushSink creates a push sink targeting url.
func NewWSPushSink(url string, sampleRate, frameRate int) *WSPushSink {
	return &WSPushSink{
		url:        url,
		sampleRate: sampleRate,
		frameRate:  frameRate,
		dialer:     websocket.DefaultDialer,
	}
}

// Start dials the endpoint and announces the stream format.
func (s *WSPushSink) Start(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dialing push endpoint: %w", err)
	}
	s.conn = conn
	s.streamID = uuid.New().String()

	return s.send(pushEnvelope{
		Event:      "start",
		StreamID:   s.streamID,
		SampleRate: s.sampleRate,
		FrameRate:  s.frameRate,
	})
}

func (s *WSPushSink) WriteFrame(f *media.Frame) error {
	return s.send(pushEnvelope{
		Event:     "video",
		StreamID:  s.streamID,
		PTSMillis: f.PTS.Milliseconds(),
		Payload:   base64.StdEncoding.EncodeToString(f.Image),
	})
}

func (s *WSPushSink) WriteAudio(pcm []int16, pts time.Duration) error {
	return s.send(pushEnvelope{
		Event:     "audio",
		StreamID:  s.streamID,
		PTSMillis: pts.Milliseconds(),
		Payload:   base64.StdEncoding.EncodeToString(media.EncodePCM16(pcm)),
	})
}

// Close announces end of stream and drops the connection.
func (s *WSPushSink) Close() error {
	if s.conn == nil {
		return nil
	}
	// Best effort: the peer may already be gone.
	_ = s.send(pushEnvelope{Event: "stop", StreamID: s.streamID})
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *WSPushSink) send(env pushEnvelope) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("push %s: %w", env.Event, err)
	}
	return nil
}
