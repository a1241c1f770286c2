package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice turn service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	VoiceProvider string

	WhisperURL      string
	WhisperLanguage string
	LlamaURL        string
	LlamaModel      string
	LlamaMaxTokens  int
	PiperURL        string

	SystemPrompt string
	HistoryLimit int

	PipelineWorkers   int
	MaxToolIterations int

	TranscribeTimeout time.Duration
	GenerateTimeout   time.Duration
	ToolTimeout       time.Duration
	SynthesizeTimeout time.Duration

	ToolEndpoints string

	DatabaseURL string

	FinanceBaseURL string
	SNCFAPIKey     string
	SNCFBaseURL    string
}

const defaultSystemPrompt = "You are a helpful voice assistant. Answer briefly and conversationally. " +
	"Use a tool when the user asks for live information you do not have."

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "voxpipe"),
		AllowAnyOrigin:    false,
		VoiceProvider:     envOrDefault("VOICE_PROVIDER", "auto"),
		WhisperURL:        stringsTrimSpace("WHISPER_URL"),
		WhisperLanguage:   envOrDefault("WHISPER_LANGUAGE", "en"),
		LlamaURL:          stringsTrimSpace("LLAMA_URL"),
		LlamaModel:        envOrDefault("LLAMA_MODEL", "local"),
		LlamaMaxTokens:    300,
		PiperURL:          stringsTrimSpace("PIPER_URL"),
		SystemPrompt:      envOrDefault("PIPELINE_SYSTEM_PROMPT", defaultSystemPrompt),
		HistoryLimit:      8,
		PipelineWorkers:   2,
		MaxToolIterations: 4,
		TranscribeTimeout: 30 * time.Second,
		GenerateTimeout:   60 * time.Second,
		ToolTimeout:       10 * time.Second,
		SynthesizeTimeout: 30 * time.Second,
		ToolEndpoints:     stringsTrimSpace("TOOL_ENDPOINTS"),
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		FinanceBaseURL:    stringsTrimSpace("FINANCE_BASE_URL"),
		SNCFAPIKey:        stringsTrimSpace("SNCF_API_KEY"),
		SNCFBaseURL:       stringsTrimSpace("SNCF_BASE_URL"),
		ShutdownTimeout:   15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.LlamaMaxTokens, err = intFromEnv("LLAMA_MAX_TOKENS", cfg.LlamaMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryLimit, err = intFromEnv("PIPELINE_HISTORY_LIMIT", cfg.HistoryLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.PipelineWorkers, err = intFromEnv("PIPELINE_WORKERS", cfg.PipelineWorkers)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxToolIterations, err = intFromEnv("PIPELINE_MAX_TOOL_ITERATIONS", cfg.MaxToolIterations)
	if err != nil {
		return Config{}, err
	}

	cfg.TranscribeTimeout, err = durationFromEnv("PIPELINE_TRANSCRIBE_TIMEOUT", cfg.TranscribeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerateTimeout, err = durationFromEnv("PIPELINE_GENERATE_TIMEOUT", cfg.GenerateTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ToolTimeout, err = durationFromEnv("PIPELINE_TOOL_TIMEOUT", cfg.ToolTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SynthesizeTimeout, err = durationFromEnv("PIPELINE_SYNTHESIZE_TIMEOUT", cfg.SynthesizeTimeout)
	if err != nil {
		return Config{}, err
	}

	switch cfg.VoiceProvider {
	case "auto", "http", "mock":
	default:
		return Config{}, fmt.Errorf("VOICE_PROVIDER must be auto, http, or mock")
	}
	if cfg.PipelineWorkers <= 0 {
		return Config{}, fmt.Errorf("PIPELINE_WORKERS must be positive")
	}
	if cfg.MaxToolIterations <= 0 {
		return Config{}, fmt.Errorf("PIPELINE_MAX_TOOL_ITERATIONS must be positive")
	}
	if cfg.HistoryLimit < 0 {
		return Config{}, fmt.Errorf("PIPELINE_HISTORY_LIMIT must be >= 0")
	}
	if cfg.LlamaMaxTokens <= 0 {
		return Config{}, fmt.Errorf("LLAMA_MAX_TOKENS must be positive")
	}
	for _, tc := range []struct {
		key string
		d   time.Duration
	}{
		{"PIPELINE_TRANSCRIBE_TIMEOUT", cfg.TranscribeTimeout},
		{"PIPELINE_GENERATE_TIMEOUT", cfg.GenerateTimeout},
		{"PIPELINE_TOOL_TIMEOUT", cfg.ToolTimeout},
		{"PIPELINE_SYNTHESIZE_TIMEOUT", cfg.SynthesizeTimeout},
	} {
		if tc.d <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", tc.key)
		}
	}

	return cfg, nil
}

// HTTPProvidersConfigured reports whether all three stage backends have URLs.
func (c Config) HTTPProvidersConfigured() bool {
	return c.WhisperURL != "" && c.LlamaURL != "" && c.PiperURL != ""
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
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
