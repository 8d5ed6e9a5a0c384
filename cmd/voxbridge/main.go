package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/antoniostano/voxbridge/internal/config"
	"github.com/antoniostano/voxbridge/internal/httpapi"
	"github.com/antoniostano/voxbridge/internal/observability"
	"github.com/antoniostano/voxbridge/internal/pipeline"
	"github.com/antoniostano/voxbridge/internal/session"
	"github.com/antoniostano/voxbridge/internal/transcript"
	"github.com/antoniostano/voxbridge/internal/translate"
	"github.com/antoniostano/voxbridge/internal/translate/asrwhisper"
	"github.com/antoniostano/voxbridge/internal/translate/mtopenai"
	"github.com/antoniostano/voxbridge/internal/translate/ttskokoro"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("transcript store init failed: %v", err)
	}
	defer store.Close()

	asrProvider, closeASR := buildASR(cfg)
	defer closeASR()

	mtProvider := buildMT(cfg)
	ttsProvider, closeTTS := buildTTS(cfg)
	defer closeTTS()

	factory := &staticFactory{asr: asrProvider, mt: mtProvider, tts: ttsProvider}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	orchestrator := pipeline.NewOrchestrator(cfg, factory, metrics, store)

	api := httpapi.New(cfg, sessions, orchestrator, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

// staticFactory hands every session the same process-wide provider set.
// Per-session model selection isn't part of this service's contract: the
// language pair comes from the config frame, not the provider.
type staticFactory struct {
	asr translate.ASRProvider
	mt  translate.MTProvider
	tts translate.TTSProvider
}

func (f *staticFactory) ASR() translate.ASRProvider { return f.asr }
func (f *staticFactory) MT() translate.MTProvider   { return f.mt }
func (f *staticFactory) TTS() translate.TTSProvider { return f.tts }

// buildASR resolves ASR_PROVIDER into a translate.ASRProvider. "whisper" and
// "local" both select the whisper.cpp cascade (native bindings, then
// whisper-server, then whisper-cli); anything else, including an empty
// value, falls back to the mock so the service still boots without model
// weights on disk.
func buildASR(cfg config.Config) (translate.ASRProvider, func() error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.ASRProvider))
	switch mode {
	case "whisper", "local":
		p, closeFn, err := asrwhisper.New(asrwhisper.Config{
			ModelPath:    cfg.LocalWhisperModelPath,
			Language:     cfg.ASRLanguage,
			Threads:      cfg.LocalWhisperThreads,
			BeamSize:     cfg.LocalWhisperBeamSize,
			BestOf:       cfg.LocalWhisperBestOf,
			PreferNative: true,
			CLIPath:      cfg.LocalWhisperCLI,
		})
		if err != nil {
			log.Printf("asr provider %q unavailable, falling back to mock: %v", mode, err)
			return &translate.MockASR{}, func() error { return nil }
		}
		log.Printf("asr provider: whisper.cpp (%s)", cfg.LocalWhisperModelPath)
		return p, closeFn
	case "mock", "":
		log.Printf("asr provider: mock")
		return &translate.MockASR{}, func() error { return nil }
	default:
		log.Fatalf("invalid ASR_PROVIDER: %q (expected whisper|local|mock)", cfg.ASRProvider)
		return nil, nil
	}
}

// buildMT resolves MT_PROVIDER. "openai" talks to the OpenAI chat
// completions API; failure to construct it (missing key) is fatal rather
// than silently degraded, since a misconfigured translation stage is worse
// than a refusal to start.
func buildMT(cfg config.Config) translate.MTProvider {
	mode := strings.ToLower(strings.TrimSpace(cfg.MTProvider))
	switch mode {
	case "openai":
		opts := []mtopenai.Option{}
		if strings.TrimSpace(cfg.OpenAIBaseURL) != "" {
			opts = append(opts, mtopenai.WithBaseURL(cfg.OpenAIBaseURL))
		}
		p, err := mtopenai.New(cfg.OpenAIAPIKey, cfg.MTModel, opts...)
		if err != nil {
			log.Fatalf("mt provider init failed: %v", err)
		}
		log.Printf("mt provider: openai (%s)", cfg.MTModel)
		return p
	case "mock", "":
		log.Printf("mt provider: mock")
		return translate.MockMT{}
	default:
		log.Fatalf("invalid MT_PROVIDER: %q (expected openai|mock)", cfg.MTProvider)
		return nil
	}
}

// buildTTS resolves TTS_PROVIDER. "kokoro" and "local" both spawn the
// Kokoro Python worker; a failed spawn falls back to mock rather than
// aborting startup, since silence-on-failure is preferable to no server at
// all when the worker's Python environment isn't ready yet.
func buildTTS(cfg config.Config) (translate.TTSProvider, func() error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.TTSProvider))
	switch mode {
	case "kokoro", "local":
		w, err := ttskokoro.Start(ttskokoro.Config{
			PythonPath:   cfg.LocalKokoroPython,
			ScriptPath:   cfg.LocalKokoroWorkerScript,
			DefaultVoice: cfg.TTSVoice,
		})
		if err != nil {
			log.Printf("tts provider %q unavailable, falling back to mock: %v", mode, err)
			return &translate.MockTTS{}, func() error { return nil }
		}
		log.Printf("tts provider: kokoro")
		return w, w.Close
	case "mock", "":
		log.Printf("tts provider: mock")
		return &translate.MockTTS{}, func() error { return nil }
	default:
		log.Fatalf("invalid TTS_PROVIDER: %q (expected kokoro|local|mock)", cfg.TTSProvider)
		return nil, nil
	}
}
