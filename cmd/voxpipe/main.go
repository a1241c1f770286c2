package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tloiret/voxpipe/internal/config"
	"github.com/tloiret/voxpipe/internal/finance"
	"github.com/tloiret/voxpipe/internal/httpapi"
	"github.com/tloiret/voxpipe/internal/memory"
	"github.com/tloiret/voxpipe/internal/observability"
	"github.com/tloiret/voxpipe/internal/pipeline"
	"github.com/tloiret/voxpipe/internal/tools"
	"github.com/tloiret/voxpipe/internal/transit"
	"github.com/tloiret/voxpipe/internal/turns"
	"github.com/tloiret/voxpipe/internal/voice"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	window := observability.NewStageWindow(256)

	ctx := context.Background()
	memoryStore, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("memory store init failed: %v", err)
	}
	defer memoryStore.Close()
	if cfg.DatabaseURL != "" {
		log.Printf("session memory: postgres")
	} else {
		log.Printf("session memory: in-memory")
	}

	var (
		transcriber voice.Transcriber
		generator   voice.Generator
		synthesizer voice.Synthesizer
	)

	voiceMode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if voiceMode == "" {
		voiceMode = "auto"
	}

	useHTTP := func() {
		transcriber = voice.NewWhisperHTTP(voice.WhisperConfig{
			BaseURL:  cfg.WhisperURL,
			Language: cfg.WhisperLanguage,
		})
		generator = voice.NewLlamaChat(voice.LlamaConfig{
			BaseURL:   cfg.LlamaURL,
			Model:     cfg.LlamaModel,
			MaxTokens: cfg.LlamaMaxTokens,
		})
		synthesizer = voice.NewPiperHTTP(voice.PiperConfig{URL: cfg.PiperURL})
		log.Printf("voice provider: http (whisper=%s llama=%s piper=%s)", cfg.WhisperURL, cfg.LlamaURL, cfg.PiperURL)
	}
	useMock := func(reason string) {
		p := voice.NewMockProvider()
		transcriber = p
		generator = p
		synthesizer = p
		if reason != "" {
			log.Printf("voice provider: mock (%s)", reason)
		} else {
			log.Printf("voice provider: mock")
		}
	}

	switch voiceMode {
	case "http":
		if !cfg.HTTPProvidersConfigured() {
			log.Fatalf("VOICE_PROVIDER=http requires WHISPER_URL, LLAMA_URL and PIPER_URL")
		}
		useHTTP()
	case "mock":
		useMock("")
	case "auto":
		if cfg.HTTPProvidersConfigured() {
			useHTTP()
		} else {
			useMock("stage backends not fully configured")
		}
	default:
		log.Fatalf("invalid VOICE_PROVIDER: %q (expected auto|http|mock)", cfg.VoiceProvider)
	}

	financeClient := finance.NewClient(cfg.FinanceBaseURL)
	transitClient := transit.NewClient(cfg.SNCFBaseURL, cfg.SNCFAPIKey)

	registry, err := buildToolRegistry(cfg, financeClient, transitClient)
	if err != nil {
		log.Fatalf("tool registry init failed: %v", err)
	}
	for _, d := range registry.Menu() {
		log.Printf("tool registered: %s", d.Name)
	}

	store := turns.NewStore()
	pipe := pipeline.New(pipeline.Config{
		Workers:           cfg.PipelineWorkers,
		MaxToolIterations: cfg.MaxToolIterations,
		SystemPrompt:      cfg.SystemPrompt,
		HistoryLimit:      cfg.HistoryLimit,
		TranscribeTimeout: cfg.TranscribeTimeout,
		GenerateTimeout:   cfg.GenerateTimeout,
		ToolTimeout:       cfg.ToolTimeout,
		SynthesizeTimeout: cfg.SynthesizeTimeout,
	}, pipeline.Deps{
		Store:       store,
		Transcriber: transcriber,
		Generator:   generator,
		Synthesizer: synthesizer,
		Tools:       registry,
		Memory:      memoryStore,
		Metrics:     metrics,
		Window:      window,
		Logger:      log.Default(),
	})
	pipe.Start()
	defer pipe.Close()

	api := httpapi.New(cfg, store, pipe, financeClient, transitClient, metrics, window)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

// buildToolRegistry wires the configured HTTP tool endpoints plus the builtin
// lookups so the model can answer live-data questions by voice.
func buildToolRegistry(cfg config.Config, financeClient *finance.Client, transitClient *transit.Client) (*tools.Registry, error) {
	endpoints, err := tools.ParseDescriptors(cfg.ToolEndpoints)
	if err != nil {
		return nil, err
	}
	registry := tools.NewRegistry(endpoints)

	// An operator endpoint under the same name wins over the builtin.
	if !registry.Registered("finance_price") {
		registry.RegisterHandler(tools.Descriptor{
			Name:        "finance_price",
			Description: "Get the latest stock quote for a ticker symbol, e.g. AAPL.US.",
		}, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var req struct {
				Symbol string `json:"symbol"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &req); err != nil {
					return nil, fmt.Errorf("parse arguments: %w", err)
				}
			}
			quote, err := financeClient.Price(ctx, req.Symbol)
			if err != nil {
				return nil, err
			}
			return json.Marshal(quote)
		})
	}

	if transitClient.Enabled() && !registry.Registered("train_departures") {
		registry.RegisterHandler(tools.Descriptor{
			Name:        "train_departures",
			Description: "Get the next Transilien Line L departures for an SNCF stop area id.",
		}, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var req struct {
				StopArea string `json:"stop_area"`
				Count    int    `json:"count"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &req); err != nil {
					return nil, fmt.Errorf("parse arguments: %w", err)
				}
			}
			if req.Count <= 0 {
				req.Count = 5
			}
			departures, err := transitClient.LineLDepartures(ctx, req.StopArea, req.Count)
			if err != nil {
				return nil, err
			}
			return json.Marshal(departures)
		})
	}

	return registry, nil
}
