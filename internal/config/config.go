package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the broadcast pipeline service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Output format
	FrameRate   int `envconfig:"FRAME_RATE" default:"30"`    // Output frames per second
	SampleRate  int `envconfig:"SAMPLE_RATE" default:"16000"` // PCM sample rate in Hz
	VideoWidth  int `envconfig:"VIDEO_WIDTH" default:"1280"`
	VideoHeight int `envconfig:"VIDEO_HEIGHT" default:"720"`

	// Engine selection. Fallback engines are the lower-fidelity tier
	// used when the primary fails or the underrun budget is exceeded.
	SynthesisEngine          string `envconfig:"SYNTHESIS_ENGINE" default:"textviseme"`
	SynthesisFallbackEngine  string `envconfig:"SYNTHESIS_FALLBACK_ENGINE" default:"textviseme"`
	AnimationEngine          string `envconfig:"ANIMATION_ENGINE" default:"sprite"`
	AnimationFallbackEngine  string `envconfig:"ANIMATION_FALLBACK_ENGINE" default:"sprite"`

	// Cloud TTS (REST) backend
	TTSAPIURL string `envconfig:"TTS_API_URL" default:""`
	TTSAPIKey string `envconfig:"TTS_API_KEY" default:""`

	// Streaming TTS (WebSocket) backend
	TTSWSURL string `envconfig:"TTS_WS_URL" default:""`

	// Remote animation (WebSocket) backend
	AnimationWSURL  string `envconfig:"ANIMATION_WS_URL" default:""`
	AnimationAPIKey string `envconfig:"ANIMATION_API_KEY" default:""`

	// Voice configuration
	VoiceID      string  `envconfig:"VOICE_ID" default:"default"`
	Language     string  `envconfig:"LANGUAGE" default:"en"`
	SpeechRate   float64 `envconfig:"SPEECH_RATE" default:"1.0"` // 0.5 to 2.0
	SpeechPitch  float64 `envconfig:"SPEECH_PITCH" default:"0.0"` // -1.0 to 1.0
	RenderPreset string  `envconfig:"RENDER_PRESET" default:"standard"`

	// Timeline assembly
	LookAheadSeconds        float64 `envconfig:"LOOKAHEAD_SECONDS" default:"1.0"`          // Frame buffer ahead of the tick loop
	MaxConsecutiveUnderruns int     `envconfig:"MAX_CONSECUTIVE_UNDERRUNS" default:"15"`   // Freeze-frame budget before the utterance fails
	CrossfadeMs             int     `envconfig:"CROSSFADE_MS" default:"50"`                // Audio crossfade window on preemption
	RetryEngineTimeouts     bool    `envconfig:"RETRY_ENGINE_TIMEOUTS" default:"false"`    // Timeouts usually mean overload; off by default

	// Engine call bounds
	SynthesisTimeoutSeconds int `envconfig:"SYNTHESIS_TIMEOUT_SECONDS" default:"15"`
	AnimationTimeoutSeconds int `envconfig:"ANIMATION_TIMEOUT_SECONDS" default:"10"`

	// Pipeline
	QueueCapacity   int    `envconfig:"QUEUE_CAPACITY" default:"32"`
	FallbackEnabled bool   `envconfig:"FALLBACK_ENABLED" default:"true"` // Insert filler content on failure
	FillerText      string `envconfig:"FILLER_TEXT" default:"One moment please."`
	ScriptLines     string `envconfig:"SCRIPT_LINES" default:""` // Semicolon-separated scripted utterances (demo mode)

	// Output sink
	SinkKind          string  `envconfig:"SINK_KIND" default:"null"` // ws, file, monitor, null
	SinkURL           string  `envconfig:"SINK_URL" default:""`      // ws push endpoint
	SinkDir           string  `envconfig:"SINK_DIR" default:"out"`   // file sink output directory
	SinkBufferSeconds float64 `envconfig:"SINK_BUFFER_SECONDS" default:"2.0"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // Milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables, first loading a
// .env file if one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load a .env file (for containerized deployments).
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.FrameRate <= 0 || c.FrameRate > 120 {
		return fmt.Errorf("FRAME_RATE must be between 1 and 120, got %d", c.FrameRate)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("SAMPLE_RATE must be positive, got %d", c.SampleRate)
	}
	if c.MaxConsecutiveUnderruns <= 0 {
		return fmt.Errorf("MAX_CONSECUTIVE_UNDERRUNS must be positive, got %d", c.MaxConsecutiveUnderruns)
	}
	if c.SpeechRate < 0.5 || c.SpeechRate > 2.0 {
		return fmt.Errorf("SPEECH_RATE must be between 0.5 and 2.0, got %f", c.SpeechRate)
	}
	switch c.SinkKind {
	case "ws", "file", "monitor", "null":
	default:
		return fmt.Errorf("unsupported SINK_KIND %q", c.SinkKind)
	}
	if c.SinkKind == "ws" && c.SinkURL == "" {
		return fmt.Errorf("SINK_URL is required when SINK_KIND is ws")
	}
	if c.SynthesisEngine == "httptts" && c.TTSAPIURL == "" {
		return fmt.Errorf("TTS_API_URL is required when SYNTHESIS_ENGINE is httptts")
	}
	return nil
}

// FrameInterval returns the output tick interval derived from the
// configured frame rate.
func (c *Config) FrameInterval() time.Duration {
	return time.Second / time.Duration(c.FrameRate)
}

// LookAheadFrames returns the animation buffer bound in frames.
func (c *Config) LookAheadFrames() int {
	n := int(c.LookAheadSeconds * float64(c.FrameRate))
	if n < 1 {
		n = 1
	}
	return n
}

// SinkBufferSlots returns the writer buffer bound in slots.
func (c *Config) SinkBufferSlots() int {
	n := int(c.SinkBufferSeconds * float64(c.FrameRate))
	if n < 1 {
		n = 1
	}
	return n
}

// CrossfadeWindow returns the preemption crossfade duration.
func (c *Config) CrossfadeWindow() time.Duration {
	return time.Duration(c.CrossfadeMs) * time.Millisecond
}

// SynthesisTimeout returns the per-call synthesis bound.
func (c *Config) SynthesisTimeout() time.Duration {
	return time.Duration(c.SynthesisTimeoutSeconds) * time.Second
}

// AnimationTimeout returns the per-call animation setup bound.
func (c *Config) AnimationTimeout() time.Duration {
	return time.Duration(c.AnimationTimeoutSeconds) * time.Second
}
