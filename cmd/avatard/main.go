package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/avatarlabs/avatar-broadcast/internal/config"
	"github.com/avatarlabs/avatar-broadcast/internal/engine"
	"github.com/avatarlabs/avatar-broadcast/internal/media"
	"github.com/avatarlabs/avatar-broadcast/internal/observability"
	"github.com/avatarlabs/avatar-broadcast/internal/pipeline"
	"github.com/avatarlabs/avatar-broadcast/internal/sink"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Int("frame_rate", cfg.FrameRate).
		Str("synthesis_engine", cfg.SynthesisEngine).
		Str("animation_engine", cfg.AnimationEngine).
		Str("sink", cfg.SinkKind).
		Msg("Avatar broadcast service starting")

	registry := buildRegistry(cfg)

	out, err := buildSink(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build sink")
	}

	session, err := pipeline.NewSession(cfg, registry, out)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build session")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session.Start(ctx)

	// Scripted demo mode: feed utterances without an external caller.
	if cfg.ScriptLines != "" {
		go runScript(ctx, session, cfg.ScriptLines, logger)
	}

	// HTTP surface: health, readiness, metrics, and utterance control
	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	synthesisCheck := func(ctx context.Context) (bool, error) {
		_, err := registry.Synthesis(cfg.SynthesisEngine)
		return err == nil, err
	}
	animationCheck := func(ctx context.Context) (bool, error) {
		_, err := registry.Animation(cfg.AnimationEngine)
		return err == nil, err
	}
	sessionCheck := func(ctx context.Context) (bool, error) {
		if err := session.Err(); err != nil {
			return false, err
		}
		return true, nil
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"synthesis": synthesisCheck,
		"animation": animationCheck,
		"session":   sessionCheck,
	}))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	mux.HandleFunc("/say", handleSay(session, logger))
	mux.HandleFunc("/cancel", handleCancel(session))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}

	// Session teardown: producers, timeline, then sink
	session.Stop()
	logger.Info().Msg("Shutdown complete")
}

// buildRegistry registers every engine the configuration enables. The
// local textviseme and sprite engines are always present as the
// fallback tier.
func buildRegistry(cfg *config.Config) *engine.Registry {
	reg := engine.NewRegistry()

	reg.RegisterSynthesis(engine.NewTextVisemeSynthesizer(cfg.SampleRate, 15*cfg.SpeechRate, 220))
	reg.RegisterAnimation(engine.NewSpriteAnimator(neutralSprite(), visemeSprites()))

	if cfg.TTSAPIURL != "" {
		reg.RegisterSynthesis(engine.NewHTTPSynthesizer("httptts", cfg.TTSAPIURL, cfg.TTSAPIKey, cfg.SampleRate))
	}
	if cfg.TTSWSURL != "" {
		reg.RegisterSynthesis(engine.NewWSSynthesizer("wstts", cfg.TTSWSURL, cfg.TTSAPIKey, cfg.SampleRate))
	}
	if cfg.AnimationWSURL != "" {
		reg.RegisterAnimation(engine.NewRemoteAnimator("remoteanim", cfg.AnimationWSURL, cfg.AnimationAPIKey))
	}
	return reg
}

func buildSink(cfg *config.Config) (sink.Sink, error) {
	switch cfg.SinkKind {
	case "ws":
		return sink.NewWSPushSink(cfg.SinkURL, cfg.SampleRate, cfg.FrameRate), nil
	case "file":
		return sink.NewFileSink(cfg.SinkDir, cfg.SampleRate), nil
	case "monitor":
		return sink.NewMonitorSink(cfg.SampleRate, cfg.SinkBufferSeconds), nil
	case "null":
		return sink.NullSink{}, nil
	default:
		return nil, fmt.Errorf("unknown sink kind %q", cfg.SinkKind)
	}
}

// runScript feeds semicolon-separated lines through the pipeline,
// waiting for each to finish before submitting the next.
func runScript(ctx context.Context, session *pipeline.Session, script string, logger zerolog.Logger) {
	lines := strings.Split(script, ";")
	logger.Info().Int("lines", len(lines)).Msg("Running scripted session")

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		id, err := session.Controller.Submit(line, media.PriorityNormal)
		if err != nil {
			logger.Error().Err(err).Msg("Script submit failed")
			return
		}
		if !waitTerminal(ctx, session, id) {
			return
		}
	}
	logger.Info().Msg("Script finished")
}

func waitTerminal(ctx context.Context, session *pipeline.Session, id string) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if state, ok := session.Controller.State(id); !ok || state.Terminal() {
				return true
			}
		}
	}
}

// handleSay submits an utterance: POST /say?text=...&priority=interrupt
func handleSay(session *pipeline.Session, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		text := r.FormValue("text")
		if text == "" {
			http.Error(w, "missing text", http.StatusBadRequest)
			return
		}
		priority := media.PriorityNormal
		if r.FormValue("priority") == "interrupt" {
			priority = media.PriorityInterrupt
		}

		id, err := session.Controller.Submit(text, priority)
		if err != nil {
			logger.Warn().Err(err).Msg("Submit rejected")
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, "{\"utterance_id\":%q}\n", id)
	}
}

// handleCancel stops an utterance: POST /cancel?id=...
func handleCancel(session *pipeline.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := r.FormValue("id")
		if id == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		session.Controller.Cancel(id)
		w.WriteHeader(http.StatusNoContent)
	}
}

// Built-in sprite set: small placeholder images, one per mouth shape.
// A deployment with real art points the sprite animator at its own
// assets; these keep the default pipeline producing visible output.

func neutralSprite() []byte {
	return spriteFor(media.VisemeSilence)
}

func visemeSprites() map[string][]byte {
	shapes := []string{
		media.VisemeSilence,
		engine.VisemeAA,
		engine.VisemeEE,
		engine.VisemeII,
		engine.VisemeOO,
		engine.VisemeFV,
		engine.VisemeTH,
		engine.VisemeMBP,
		engine.VisemeLNTD,
		engine.VisemeSZ,
		engine.VisemeKG,
		engine.VisemeCHJ,
		engine.VisemeR,
		engine.VisemeWQ,
	}
	sprites := make(map[string][]byte, len(shapes))
	for _, s := range shapes {
		sprites[s] = spriteFor(s)
	}
	return sprites
}

// spriteFor builds a deterministic 16x16 grayscale tile from the shape
// name so each mouth position is visually distinct.
func spriteFor(shape string) []byte {
	img := make([]byte, 16*16)
	var seed byte
	for i := 0; i < len(shape); i++ {
		seed += shape[i]
	}
	for i := range img {
		img[i] = seed + byte(i)
	}
	return img
}
