package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tloiret/voxpipe/internal/memory"
	"github.com/tloiret/voxpipe/internal/tools"
	"github.com/tloiret/voxpipe/internal/turns"
	"github.com/tloiret/voxpipe/internal/voice"
)

type fakeTranscriber struct {
	fn func(ctx context.Context, wav []byte) (voice.Transcription, error)
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, wav []byte) (voice.Transcription, error) {
	return f.fn(ctx, wav)
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, messages []voice.Message, menu []tools.Descriptor) (voice.Generation, error)
}

func (f *fakeGenerator) Generate(_ context.Context, messages []voice.Message, menu []tools.Descriptor) (voice.Generation, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.fn(call, messages, menu)
}

type fakeSynthesizer struct {
	fn func(ctx context.Context, text string) ([]byte, error)
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return f.fn(ctx, text)
}

func plainTranscriber(text string) *fakeTranscriber {
	return &fakeTranscriber{fn: func(context.Context, []byte) (voice.Transcription, error) {
		return voice.Transcription{Text: text, Confidence: 0.9}, nil
	}}
}

func plainSynthesizer() *fakeSynthesizer {
	return &fakeSynthesizer{fn: func(_ context.Context, text string) ([]byte, error) {
		return []byte("RIFF" + text), nil
	}}
}

func replyGenerator(reply string) *fakeGenerator {
	return &fakeGenerator{fn: func(int, []voice.Message, []tools.Descriptor) (voice.Generation, error) {
		return voice.Generation{ReplyText: reply}, nil
	}}
}

func newTestOrchestrator(t *testing.T, cfg Config, deps Deps) (*Orchestrator, *turns.Store) {
	t.Helper()
	if deps.Store == nil {
		deps.Store = turns.NewStore()
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	o := New(cfg, deps)
	o.Start()
	t.Cleanup(o.Close)
	return o, deps.Store
}

func waitTerminal(t *testing.T, store *turns.Store, turnID string) turns.Turn {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.Get(turnID)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", turnID, err)
		}
		if rec.Terminal() {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("turn %s never reached a terminal state", turnID)
	return turns.Turn{}
}

func TestOrchestratorHappyPath(t *testing.T) {
	mem := memory.NewInMemoryStore()
	o, store := newTestOrchestrator(t, Config{SystemPrompt: "be brief", HistoryLimit: 4}, Deps{
		Transcriber: plainTranscriber("what time is it"),
		Generator:   replyGenerator("it is noon"),
		Synthesizer: plainSynthesizer(),
		Memory:      mem,
	})

	submitted, err := o.Submit("", []byte("audio-bytes"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if submitted.State != turns.StateQueued {
		t.Fatalf("State = %q, want %q", submitted.State, turns.StateQueued)
	}
	if submitted.SessionID == "" {
		t.Fatal("SessionID not assigned")
	}

	rec := waitTerminal(t, store, submitted.ID)
	if rec.State != turns.StateDone {
		t.Fatalf("State = %q (kind %q, detail %q), want done", rec.State, rec.ErrorKind, rec.ErrorDetail)
	}
	if rec.Transcript != "what time is it" {
		t.Errorf("Transcript = %q, want %q", rec.Transcript, "what time is it")
	}
	if rec.ResponseText != "it is noon" {
		t.Errorf("ResponseText = %q, want %q", rec.ResponseText, "it is noon")
	}

	audio, err := store.Audio(submitted.ID)
	if err != nil {
		t.Fatalf("Audio() error = %v", err)
	}
	if string(audio) != "RIFFit is noon" {
		t.Errorf("audio = %q, want synthesized reply", audio)
	}

	for _, stage := range []string{"transcribe", "generate", "synthesize", "total"} {
		if _, ok := rec.TimingsMS[stage]; !ok {
			t.Errorf("TimingsMS missing %q", stage)
		}
	}

	history := store.History(submitted.SessionID)
	if len(history) != 1 {
		t.Fatalf("len(history) = %d, want 1", len(history))
	}
	if history[0].Response != "it is noon" {
		t.Errorf("history response = %q, want %q", history[0].Response, "it is noon")
	}

	saved, err := mem.RecentExchanges(context.Background(), submitted.SessionID, 10)
	if err != nil {
		t.Fatalf("RecentExchanges() error = %v", err)
	}
	if len(saved) != 1 || saved[0].TurnID != submitted.ID {
		t.Fatalf("memory records = %+v, want one for turn %s", saved, submitted.ID)
	}
}

func TestOrchestratorToolLoop(t *testing.T) {
	var toolHits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		toolHits++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"symbol":"AAPL","close":"212.5"}`))
	}))
	defer srv.Close()

	registry := tools.NewRegistry([]tools.Descriptor{
		{Name: "finance_price", Description: "get a stock quote", URL: srv.URL},
	})

	gen := &fakeGenerator{fn: func(call int, messages []voice.Message, menu []tools.Descriptor) (voice.Generation, error) {
		if len(menu) != 1 || menu[0].Name != "finance_price" {
			return voice.Generation{}, fmt.Errorf("menu = %+v, want finance_price", menu)
		}
		if call == 1 {
			return voice.Generation{ToolCall: &voice.ToolInvocation{
				ID:        "call_1",
				Name:      "finance_price",
				Arguments: json.RawMessage(`{"symbol":"AAPL"}`),
			}}, nil
		}
		last := messages[len(messages)-1]
		if last.Role != "tool" || last.ToolCallID != "call_1" {
			return voice.Generation{}, fmt.Errorf("last message = %+v, want tool observation", last)
		}
		if !strings.Contains(last.Content, `"ok":true`) {
			return voice.Generation{}, fmt.Errorf("observation = %q, want ok:true", last.Content)
		}
		return voice.Generation{ReplyText: "AAPL trades at 212.5"}, nil
	}}

	o, store := newTestOrchestrator(t, Config{MaxToolIterations: 4}, Deps{
		Transcriber: plainTranscriber("price of apple"),
		Generator:   gen,
		Synthesizer: plainSynthesizer(),
		Tools:       registry,
	})

	submitted, err := o.Submit("s-tools", []byte("audio"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	rec := waitTerminal(t, store, submitted.ID)
	if rec.State != turns.StateDone {
		t.Fatalf("State = %q (kind %q, detail %q), want done", rec.State, rec.ErrorKind, rec.ErrorDetail)
	}
	if toolHits != 1 {
		t.Errorf("tool endpoint hits = %d, want 1", toolHits)
	}
	if len(rec.ToolCalls) != 1 {
		t.Fatalf("len(ToolCalls) = %d, want 1", len(rec.ToolCalls))
	}
	if rec.ToolCalls[0].Name != "finance_price" {
		t.Errorf("ToolCalls[0].Name = %q, want finance_price", rec.ToolCalls[0].Name)
	}
	if !strings.Contains(rec.ToolCalls[0].Result, `"ok":true`) {
		t.Errorf("ToolCalls[0].Result = %q, want recorded observation", rec.ToolCalls[0].Result)
	}
}

func TestOrchestratorToolLoopExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	registry := tools.NewRegistry([]tools.Descriptor{
		{Name: "lookup", Description: "lookup", URL: srv.URL},
	})

	gen := &fakeGenerator{fn: func(call int, _ []voice.Message, _ []tools.Descriptor) (voice.Generation, error) {
		return voice.Generation{ToolCall: &voice.ToolInvocation{
			ID:   fmt.Sprintf("call_%d", call),
			Name: "lookup",
		}}, nil
	}}

	o, store := newTestOrchestrator(t, Config{MaxToolIterations: 2}, Deps{
		Transcriber: plainTranscriber("loop forever"),
		Generator:   gen,
		Synthesizer: plainSynthesizer(),
		Tools:       registry,
	})

	submitted, err := o.Submit("s-loop", []byte("audio"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	rec := waitTerminal(t, store, submitted.ID)
	if rec.State != turns.StateError {
		t.Fatalf("State = %q, want error", rec.State)
	}
	if rec.ErrorKind != turns.ErrKindToolLoopExhausted {
		t.Fatalf("ErrorKind = %q, want %q", rec.ErrorKind, turns.ErrKindToolLoopExhausted)
	}
	if len(rec.ToolCalls) != 2 {
		t.Errorf("len(ToolCalls) = %d, want the spent budget of 2", len(rec.ToolCalls))
	}
}

func TestOrchestratorToolFailureIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	registry := tools.NewRegistry([]tools.Descriptor{
		{Name: "flaky", Description: "flaky", URL: srv.URL},
	})

	gen := &fakeGenerator{fn: func(call int, messages []voice.Message, _ []tools.Descriptor) (voice.Generation, error) {
		if call == 1 {
			return voice.Generation{ToolCall: &voice.ToolInvocation{ID: "c1", Name: "flaky"}}, nil
		}
		last := messages[len(messages)-1]
		if !strings.Contains(last.Content, `"ok":false`) {
			return voice.Generation{}, fmt.Errorf("observation = %q, want ok:false", last.Content)
		}
		return voice.Generation{ReplyText: "the lookup is unavailable right now"}, nil
	}}

	o, store := newTestOrchestrator(t, Config{}, Deps{
		Transcriber: plainTranscriber("try the flaky tool"),
		Generator:   gen,
		Synthesizer: plainSynthesizer(),
		Tools:       registry,
	})

	submitted, err := o.Submit("s-flaky", []byte("audio"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	rec := waitTerminal(t, store, submitted.ID)
	if rec.State != turns.StateDone {
		t.Fatalf("State = %q (kind %q), want done despite tool failure", rec.State, rec.ErrorKind)
	}
	if rec.ResponseText != "the lookup is unavailable right now" {
		t.Errorf("ResponseText = %q", rec.ResponseText)
	}
}

func TestOrchestratorTranscriptionFailure(t *testing.T) {
	o, store := newTestOrchestrator(t, Config{}, Deps{
		Transcriber: &fakeTranscriber{fn: func(context.Context, []byte) (voice.Transcription, error) {
			return voice.Transcription{}, errors.New("decoder rejected the clip")
		}},
		Generator:   replyGenerator("never reached"),
		Synthesizer: plainSynthesizer(),
	})

	submitted, err := o.Submit("s-asr", []byte("audio"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	rec := waitTerminal(t, store, submitted.ID)
	if rec.State != turns.StateError {
		t.Fatalf("State = %q, want error", rec.State)
	}
	if rec.ErrorKind != turns.ErrKindASRFailure {
		t.Fatalf("ErrorKind = %q, want %q", rec.ErrorKind, turns.ErrKindASRFailure)
	}
	if rec.ErrorDetail == "" {
		t.Error("ErrorDetail empty, want the cause")
	}
	if _, err := store.Audio(submitted.ID); !errors.Is(err, turns.ErrNotReady) {
		t.Errorf("Audio() error = %v, want ErrNotReady", err)
	}
}

func TestOrchestratorStageTimeout(t *testing.T) {
	o, store := newTestOrchestrator(t, Config{SynthesizeTimeout: 20 * time.Millisecond}, Deps{
		Transcriber: plainTranscriber("say something slow"),
		Generator:   replyGenerator("a slow reply"),
		Synthesizer: &fakeSynthesizer{fn: func(ctx context.Context, _ string) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
	})

	submitted, err := o.Submit("s-slow", []byte("audio"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	rec := waitTerminal(t, store, submitted.ID)
	if rec.State != turns.StateError {
		t.Fatalf("State = %q, want error", rec.State)
	}
	want := turns.StageTimeoutKind(turns.StateSynthesizing)
	if rec.ErrorKind != want {
		t.Fatalf("ErrorKind = %q, want %q", rec.ErrorKind, want)
	}
}

func TestOrchestratorSerializesSession(t *testing.T) {
	var mu sync.Mutex
	active := 0
	maxActive := 0

	gen := &fakeGenerator{fn: func(int, []voice.Message, []tools.Descriptor) (voice.Generation, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return voice.Generation{ReplyText: "ok"}, nil
	}}

	o, store := newTestOrchestrator(t, Config{Workers: 4}, Deps{
		Transcriber: plainTranscriber("hello"),
		Generator:   gen,
		Synthesizer: plainSynthesizer(),
	})

	first, err := o.Submit("s-serial", []byte("clip-1"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	second, err := o.Submit("s-serial", []byte("clip-2"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	third, err := o.Submit("s-serial", []byte("clip-3"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	for _, id := range []string{first.ID, second.ID, third.ID} {
		rec := waitTerminal(t, store, id)
		if rec.State != turns.StateDone {
			t.Fatalf("turn %s State = %q, want done", id, rec.State)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if maxActive != 1 {
		t.Fatalf("max concurrent generations for one session = %d, want 1", maxActive)
	}
}

func TestOrchestratorErroredTurnReleasesSlot(t *testing.T) {
	var mu sync.Mutex
	fail := true

	o, store := newTestOrchestrator(t, Config{}, Deps{
		Transcriber: &fakeTranscriber{fn: func(context.Context, []byte) (voice.Transcription, error) {
			mu.Lock()
			shouldFail := fail
			fail = false
			mu.Unlock()
			if shouldFail {
				return voice.Transcription{}, errors.New("first clip is garbage")
			}
			return voice.Transcription{Text: "second clip", Confidence: 0.8}, nil
		}},
		Generator:   replyGenerator("recovered"),
		Synthesizer: plainSynthesizer(),
	})

	first, err := o.Submit("s-recover", []byte("bad"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	second, err := o.Submit("s-recover", []byte("good"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if rec := waitTerminal(t, store, first.ID); rec.State != turns.StateError {
		t.Fatalf("first turn State = %q, want error", rec.State)
	}
	if rec := waitTerminal(t, store, second.ID); rec.State != turns.StateDone {
		t.Fatalf("second turn State = %q (kind %q), want done", rec.State, rec.ErrorKind)
	}
}

func TestOrchestratorBackloggedHandoffDrains(t *testing.T) {
	gate := make(chan struct{})
	gen := &fakeGenerator{fn: func(call int, _ []voice.Message, _ []tools.Descriptor) (voice.Generation, error) {
		if call == 1 {
			<-gate
		}
		return voice.Generation{ReplyText: "ok"}, nil
	}}

	o, store := newTestOrchestrator(t, Config{Workers: 1}, Deps{
		Transcriber: plainTranscriber("hello"),
		Generator:   gen,
		Synthesizer: plainSynthesizer(),
	})

	first, err := o.Submit("s-backlog", []byte("clip-1"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	second, err := o.Submit("s-backlog", []byte("clip-2"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// Pile up far more queued turns than the single worker can touch
	// while it is still blocked inside the first generation.
	ids := make([]string, 0, 300)
	for i := 0; i < 300; i++ {
		rec, err := o.Submit(fmt.Sprintf("s-other-%d", i), []byte("clip"))
		if err != nil {
			t.Fatalf("Submit() #%d error = %v", i, err)
		}
		ids = append(ids, rec.ID)
	}

	close(gate)

	for _, id := range append([]string{first.ID, second.ID}, ids...) {
		rec := waitTerminal(t, store, id)
		if rec.State != turns.StateDone {
			t.Fatalf("turn %s State = %q (kind %q), want done", id, rec.State, rec.ErrorKind)
		}
	}
}

func TestOrchestratorFailedTurnClearsReply(t *testing.T) {
	o, store := newTestOrchestrator(t, Config{}, Deps{
		Transcriber: plainTranscriber("read me the news"),
		Generator:   replyGenerator("here is the news"),
		Synthesizer: &fakeSynthesizer{fn: func(context.Context, string) ([]byte, error) {
			return nil, errors.New("voice model crashed")
		}},
	})

	submitted, err := o.Submit("s-mute", []byte("audio"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	rec := waitTerminal(t, store, submitted.ID)
	if rec.State != turns.StateError {
		t.Fatalf("State = %q, want error", rec.State)
	}
	if rec.ErrorKind != turns.ErrKindSynthesisFailure {
		t.Fatalf("ErrorKind = %q, want %q", rec.ErrorKind, turns.ErrKindSynthesisFailure)
	}
	if rec.ResponseText != "" {
		t.Fatalf("ResponseText = %q, want empty on a failed turn", rec.ResponseText)
	}
}

func TestOrchestratorMemorySeedsRestartedSession(t *testing.T) {
	mem := memory.NewInMemoryStore()
	if err := mem.SaveExchange(context.Background(), memory.ExchangeRecord{
		SessionID:  "s-resume",
		TurnID:     "old-turn",
		Transcript: "remember the number 42",
		Response:   "noted, 42",
	}); err != nil {
		t.Fatalf("SaveExchange() error = %v", err)
	}

	var seeded []voice.Message
	var mu sync.Mutex
	gen := &fakeGenerator{fn: func(_ int, messages []voice.Message, _ []tools.Descriptor) (voice.Generation, error) {
		mu.Lock()
		seeded = append([]voice.Message(nil), messages...)
		mu.Unlock()
		return voice.Generation{ReplyText: "the number is 42"}, nil
	}}

	o, store := newTestOrchestrator(t, Config{SystemPrompt: "be brief", HistoryLimit: 4}, Deps{
		Transcriber: plainTranscriber("what was the number"),
		Generator:   gen,
		Synthesizer: plainSynthesizer(),
		Memory:      mem,
	})

	submitted, err := o.Submit("s-resume", []byte("audio"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if rec := waitTerminal(t, store, submitted.ID); rec.State != turns.StateDone {
		t.Fatalf("State = %q, want done", rec.State)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seeded) != 4 {
		t.Fatalf("len(messages) = %d, want system + recalled pair + user", len(seeded))
	}
	if seeded[1].Content != "remember the number 42" || seeded[2].Content != "noted, 42" {
		t.Errorf("recalled exchange = %q / %q", seeded[1].Content, seeded[2].Content)
	}
}

func TestOrchestratorSubmitAfterClose(t *testing.T) {
	o := New(Config{}, Deps{
		Store:       turns.NewStore(),
		Transcriber: plainTranscriber("x"),
		Generator:   replyGenerator("y"),
		Synthesizer: plainSynthesizer(),
	})
	o.Start()
	o.Close()

	if _, err := o.Submit("s", []byte("audio")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit() error = %v, want ErrClosed", err)
	}
}

func TestOrchestratorRejectsEmptyAudio(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{}, Deps{
		Transcriber: plainTranscriber("x"),
		Generator:   replyGenerator("y"),
		Synthesizer: plainSynthesizer(),
	})
	if _, err := o.Submit("s", nil); !errors.Is(err, turns.ErrEmptyAudio) {
		t.Fatalf("Submit() error = %v, want ErrEmptyAudio", err)
	}
}
