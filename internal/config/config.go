package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the translation service.
// Recognized environment keys follow §6; unknown keys are ignored.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	LogLevel                 string

	AllowAnyOrigin bool

	Device string

	ASRProvider   string
	ASRModel      string
	ASRLanguage   string
	MTProvider    string
	MTModel       string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	TTSProvider   string
	TTSModel      string
	TTSVoice      string

	LocalWhisperCLI       string
	LocalWhisperModelPath string
	LocalWhisperThreads   int
	LocalWhisperBeamSize  int
	LocalWhisperBestOf    int

	LocalKokoroPython       string
	LocalKokoroWorkerScript string

	CaptureSampleRate int

	WindowSeconds        float64
	ASRIntervalMS        int
	CommitStabilityK     int
	CommitTimeoutSeconds float64
	CommitMinWords       int
	BufferLimitMS        int

	ASRTimeout time.Duration
	MTTimeout  time.Duration
	TTSTimeout time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies the defaults from §3/§6.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "voxbridge"),
		LogLevel:                 envOrDefault("LOG_LEVEL", "info"),
		AllowAnyOrigin:           false,
		Device:                   envOrDefault("DEVICE", "cpu"),
		ASRProvider:              envOrDefault("ASR_PROVIDER", "mock"),
		ASRModel:                 envOrDefault("ASR_MODEL", ""),
		ASRLanguage:              envOrDefault("ASR_LANGUAGE", ""),
		MTProvider:               envOrDefault("MT_PROVIDER", "mock"),
		MTModel:                  envOrDefault("MT_MODEL", "gpt-4o-mini"),
		OpenAIAPIKey:             stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:            stringsTrimSpace("OPENAI_BASE_URL"),
		TTSProvider:              envOrDefault("TTS_PROVIDER", "mock"),
		TTSModel:                 envOrDefault("TTS_MODEL", ""),
		TTSVoice:                 envOrDefault("TTS_VOICE", ""),
		LocalWhisperCLI:          envOrDefault("LOCAL_WHISPER_CLI", "whisper-cli"),
		LocalWhisperModelPath:    envOrDefault("LOCAL_WHISPER_MODEL_PATH", ".models/whisper/ggml-base.bin"),
		LocalWhisperThreads:      0,
		LocalWhisperBeamSize:     1,
		LocalWhisperBestOf:       1,
		LocalKokoroPython:        envOrDefault("LOCAL_KOKORO_PYTHON", ""),
		LocalKokoroWorkerScript:  envOrDefault("LOCAL_KOKORO_WORKER_SCRIPT", "scripts/kokoro_worker.py"),
		CaptureSampleRate:        16000,
		WindowSeconds:            8.0,
		ASRIntervalMS:            500,
		CommitStabilityK:         3,
		CommitTimeoutSeconds:     2.0,
		CommitMinWords:           1,
		BufferLimitMS:            3000,
		ASRTimeout:               10 * time.Second,
		MTTimeout:                10 * time.Second,
		TTSTimeout:               30 * time.Second,
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 60 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.LocalWhisperThreads, err = intFromEnv("LOCAL_WHISPER_THREADS", cfg.LocalWhisperThreads)
	if err != nil {
		return Config{}, err
	}
	cfg.LocalWhisperBeamSize, err = intFromEnv("LOCAL_WHISPER_BEAM_SIZE", cfg.LocalWhisperBeamSize)
	if err != nil {
		return Config{}, err
	}
	cfg.LocalWhisperBestOf, err = intFromEnv("LOCAL_WHISPER_BEST_OF", cfg.LocalWhisperBestOf)
	if err != nil {
		return Config{}, err
	}

	cfg.CaptureSampleRate, err = intFromEnv("CAPTURE_SAMPLE_RATE", cfg.CaptureSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.WindowSeconds, err = floatFromEnv("WINDOW_SECONDS", cfg.WindowSeconds)
	if err != nil {
		return Config{}, err
	}
	cfg.ASRIntervalMS, err = intFromEnv("ASR_INTERVAL_MS", cfg.ASRIntervalMS)
	if err != nil {
		return Config{}, err
	}
	cfg.CommitStabilityK, err = intFromEnv("COMMIT_STABILITY_K", cfg.CommitStabilityK)
	if err != nil {
		return Config{}, err
	}
	cfg.CommitTimeoutSeconds, err = floatFromEnv("COMMIT_TIMEOUT_SECONDS", cfg.CommitTimeoutSeconds)
	if err != nil {
		return Config{}, err
	}
	cfg.CommitMinWords, err = intFromEnv("COMMIT_MIN_WORDS", cfg.CommitMinWords)
	if err != nil {
		return Config{}, err
	}
	cfg.BufferLimitMS, err = intFromEnv("BUFFER_LIMIT_MS", cfg.BufferLimitMS)
	if err != nil {
		return Config{}, err
	}
	cfg.ASRTimeout, err = durationFromEnv("ASR_TIMEOUT", cfg.ASRTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MTTimeout, err = durationFromEnv("MT_TIMEOUT", cfg.MTTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSTimeout, err = durationFromEnv("TTS_TIMEOUT", cfg.TTSTimeout)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.LocalWhisperThreads < 0 {
		return Config{}, fmt.Errorf("LOCAL_WHISPER_THREADS must be >= 0")
	}
	if cfg.LocalWhisperBeamSize <= 0 {
		return Config{}, fmt.Errorf("LOCAL_WHISPER_BEAM_SIZE must be positive")
	}
	if cfg.LocalWhisperBestOf <= 0 {
		return Config{}, fmt.Errorf("LOCAL_WHISPER_BEST_OF must be positive")
	}
	if cfg.CaptureSampleRate <= 0 {
		return Config{}, fmt.Errorf("CAPTURE_SAMPLE_RATE must be positive")
	}
	if cfg.WindowSeconds <= 0 {
		return Config{}, fmt.Errorf("WINDOW_SECONDS must be positive")
	}
	if cfg.ASRIntervalMS <= 0 {
		return Config{}, fmt.Errorf("ASR_INTERVAL_MS must be positive")
	}
	if cfg.CommitStabilityK <= 0 {
		return Config{}, fmt.Errorf("COMMIT_STABILITY_K must be positive")
	}
	if cfg.CommitTimeoutSeconds <= 0 {
		return Config{}, fmt.Errorf("COMMIT_TIMEOUT_SECONDS must be positive")
	}
	if cfg.CommitMinWords <= 0 {
		return Config{}, fmt.Errorf("COMMIT_MIN_WORDS must be positive")
	}
	if cfg.BufferLimitMS <= 0 {
		return Config{}, fmt.Errorf("BUFFER_LIMIT_MS must be positive")
	}
	if cfg.ASRTimeout <= 0 {
		return Config{}, fmt.Errorf("ASR_TIMEOUT must be positive")
	}
	if cfg.MTTimeout <= 0 {
		return Config{}, fmt.Errorf("MT_TIMEOUT must be positive")
	}
	if cfg.TTSTimeout <= 0 {
		return Config{}, fmt.Errorf("TTS_TIMEOUT must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
