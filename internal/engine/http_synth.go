package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avatarlabs/avatar-broadcast/internal/media"
)

// HTTPSynthesizer is the cloud TTS variant: a REST round-trip that
// returns raw 16-bit PCM plus word timestamps. High quality, network
// latency in the hundreds of milliseconds.
type HTTPSynthesizer struct {
	name       string
	apiURL     string
	apiKey     string
	sampleRate int
	httpClient *http.Client
}

// httpSynthRequest is the request payload for the TTS endpoint.
type httpSynthRequest struct {
	Text       string  `json:"text"`
	VoiceID    string  `json:"voice_id"`
	Language   string  `json:"language,omitempty"`
	SampleRate int     `json:"sample_rate"`
	Speed      float64 `json:"speed,omitempty"`
	Pitch      float64 `json:"pitch,omitempty"`
	Timestamps bool    `json:"word_timestamps"`
}

// httpSynthResponse is the response payload: base64 PCM plus word
// timing used to derive the viseme timeline.
type httpSynthResponse struct {
	Audio      []byte    `json:"audio"` // 16-bit little-endian PCM
	SampleRate int       `json:"sample_rate"`
	Words      []string  `json:"words,omitempty"`
	StartTimes []float64 `json:"start_times,omitempty"` // seconds
	EndTimes   []float64 `json:"end_times,omitempty"`
}

// NewHTTPSynthesizer creates a cloud TTS adapter for the given endpoint.
func NewHTTPSynthesizer(name, apiURL, apiKey string, sampleRate int) *HTTPSynthesizer {
	return &HTTPSynthesizer{
		name:       name,
		apiURL:     apiURL,
		apiKey:     apiKey,
		sampleRate: sampleRate,
		httpClient: &http.Client{},
	}
}

func (c *HTTPSynthesizer) Name() string { return c.name }

// Synthesize performs one TTS round-trip. The request is bounded by the
// caller's context; the response body is always drained and closed.
func (c *HTTPSynthesizer) Synthesize(ctx context.Context, req *SynthesizeRequest) (*media.AudioSegment, error) {
	if req.Text == "" {
		return nil, NewEngineError(c.name, false, errEmptyText)
	}

	payload := httpSynthRequest{
		Text:       req.Text,
		VoiceID:    req.VoiceID,
		Language:   req.Language,
		SampleRate: c.sampleRate,
		Speed:      req.Rate,
		Pitch:      req.Pitch,
		Timestamps: true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewEngineError(c.name, false, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, NewEngineError(c.name, false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network failures are transient from our point of view
		return nil, NewEngineError(c.name, true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		// 5xx and 429 are worth retrying; 4xx means the request is bad
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, NewEngineError(c.name, retryable,
			fmt.Errorf("synthesis request failed with status %d", resp.StatusCode))
	}

	var out httpSynthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, NewEngineError(c.name, false, fmt.Errorf("decoding response: %w", err))
	}

	pcm, err := media.DecodePCM16(out.Audio)
	if err != nil {
		return nil, NewEngineError(c.name, false, fmt.Errorf("bad audio payload: %w", err))
	}
	sampleRate := out.SampleRate
	if sampleRate == 0 {
		sampleRate = c.sampleRate
	}
	if sampleRate != c.sampleRate {
		// Backends may render at their own rate; the timeline runs at one.
		pcm = media.Resample(pcm, sampleRate, c.sampleRate)
		sampleRate = c.sampleRate
	}

	seg := &media.AudioSegment{
		PCM:        pcm,
		SampleRate: sampleRate,
		Visemes:    visemesFromWordTimestamps(out.Words, out.StartTimes, out.EndTimes),
	}
	if len(seg.Visemes) == 0 {
		seg.Visemes = EstimateVisemes(req.Text, seg.Duration())
	}
	return seg, nil
}

// visemesFromWordTimestamps distributes each word's viseme shapes
// evenly across the word's timing window.
func visemesFromWordTimestamps(words []string, startTimes, endTimes []float64) []media.VisemeEvent {
	var events []media.VisemeEvent
	for i, word := range words {
		if i >= len(startTimes) || i >= len(endTimes) {
			break
		}
		start := time.Duration(startTimes[i] * float64(time.Second))
		end := time.Duration(endTimes[i] * float64(time.Second))
		if end <= start {
			continue
		}
		shapes := textToShapes(word)
		if len(shapes) == 0 {
			continue
		}
		per := (end - start) / time.Duration(len(shapes))
		for j, shape := range shapes {
			evStart := start + time.Duration(j)*per
			evEnd := evStart + per
			if j == len(shapes)-1 {
				evEnd = end
			}
			events = append(events, media.VisemeEvent{Start: evStart, End: evEnd, Shape: shape})
		}
	}
	return events
}
