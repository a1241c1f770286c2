package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tloiret/voxpipe/internal/memory"
	"github.com/tloiret/voxpipe/internal/observability"
	"github.com/tloiret/voxpipe/internal/tools"
	"github.com/tloiret/voxpipe/internal/turns"
	"github.com/tloiret/voxpipe/internal/voice"
)

var ErrClosed = errors.New("pipeline is shut down")

type Config struct {
	Workers           int
	MaxToolIterations int
	SystemPrompt      string
	HistoryLimit      int

	TranscribeTimeout time.Duration
	GenerateTimeout   time.Duration
	ToolTimeout       time.Duration
	SynthesizeTimeout time.Duration
}

// Deps holds the collaborators the orchestrator drives. Memory, Metrics and
// Window are optional; everything else is required.
type Deps struct {
	Store       *turns.Store
	Transcriber voice.Transcriber
	Generator   voice.Generator
	Synthesizer voice.Synthesizer
	Tools       *tools.Registry
	Memory      memory.Store
	Metrics     *observability.Metrics
	Window      *observability.StageWindow
	Logger      *log.Logger
}

// Orchestrator runs submitted turns through transcription, generation with a
// bounded tool loop, and synthesis on a fixed pool of workers. Turns of the
// same session never run concurrently: the store's in-flight slot serializes
// them and the orchestrator re-enqueues the promoted successor on release.
type Orchestrator struct {
	cfg  Config
	deps Deps

	wg sync.WaitGroup

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []string
	closed bool

	baseCtx context.Context
	cancel  context.CancelFunc
}

func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = 4
	}
	if cfg.TranscribeTimeout <= 0 {
		cfg.TranscribeTimeout = 30 * time.Second
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 60 * time.Second
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 10 * time.Second
	}
	if cfg.SynthesizeTimeout <= 0 {
		cfg.SynthesizeTimeout = 30 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		baseCtx: ctx,
		cancel:  cancel,
	}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// Start launches the worker pool.
func (o *Orchestrator) Start() {
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		for len(o.queue) == 0 && !o.closed {
			o.cond.Wait()
		}
		if len(o.queue) == 0 {
			o.mu.Unlock()
			return
		}
		turnID := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()

		o.runTurn(turnID)
	}
}

// Close stops accepting work, lets the workers drain the queue, and cancels
// in-flight stage calls if the drain takes too long.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.cond.Broadcast()
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		o.cancel()
		<-done
	}
	o.cancel()
}

// Submit registers a turn and schedules it. When the session already has a
// turn in flight the new one stays queued on the session's FIFO and runs
// after its predecessors finish.
func (o *Orchestrator) Submit(sessionID string, audio []byte) (turns.Turn, error) {
	t, err := o.deps.Store.Create(sessionID, audio)
	if err != nil {
		return turns.Turn{}, err
	}
	if m := o.deps.Metrics; m != nil {
		m.TurnsSubmitted.Inc()
		m.ActiveSessions.Set(float64(o.deps.Store.SessionCount()))
	}
	if o.deps.Store.AcquireSlot(t.SessionID, t.ID) {
		if err := o.enqueue(t.ID); err != nil {
			return turns.Turn{}, err
		}
	}
	return t, nil
}

// enqueue appends to the unbounded work queue and never blocks. Workers hand
// off promoted same-session successors through here while they are the only
// consumers, so a bounded queue could wedge the whole pool under backlog.
func (o *Orchestrator) enqueue(turnID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	o.queue = append(o.queue, turnID)
	o.cond.Signal()
	return nil
}

func (o *Orchestrator) runTurn(turnID string) {
	t, err := o.deps.Store.Get(turnID)
	if err != nil {
		o.deps.Logger.Printf("pipeline: dropping unknown turn %s: %v", turnID, err)
		return
	}

	if m := o.deps.Metrics; m != nil {
		m.ActiveTurns.Inc()
	}
	start := time.Now()
	defer func() {
		if m := o.deps.Metrics; m != nil {
			m.ActiveTurns.Dec()
		}
		o.observeStage("turn_total", time.Since(start))
		if nextID := o.deps.Store.ReleaseSlot(t.SessionID, turnID); nextID != "" {
			if err := o.enqueue(nextID); err != nil {
				o.deps.Logger.Printf("pipeline: could not schedule queued turn %s: %v", nextID, err)
			}
		}
	}()

	transcript, ok := o.transcribe(t)
	if !ok {
		return
	}
	replyText, ok := o.generate(t, transcript)
	if !ok {
		return
	}
	o.synthesize(t, transcript, replyText)
}

func (o *Orchestrator) transcribe(t turns.Turn) (string, bool) {
	if _, err := o.deps.Store.Advance(t.ID, turns.StateTranscribing, nil); err != nil {
		o.deps.Logger.Printf("pipeline: turn %s not runnable: %v", t.ID, err)
		return "", false
	}

	ctx, cancel := context.WithTimeout(o.baseCtx, o.cfg.TranscribeTimeout)
	defer cancel()

	begin := time.Now()
	tr, err := o.deps.Transcriber.Transcribe(ctx, t.AudioIn)
	elapsed := time.Since(begin)
	o.observeStage("transcribe", elapsed)

	if err != nil {
		o.fail(t.ID, o.classify(ctx, turns.StateTranscribing, turns.ErrKindASRFailure), err)
		return "", false
	}

	if _, err := o.deps.Store.Advance(t.ID, turns.StateGenerating, func(rec *turns.Turn) {
		rec.Transcript = tr.Text
		rec.TranscriptConfidence = tr.Confidence
		rec.TimingsMS["transcribe"] = float64(elapsed.Milliseconds())
	}); err != nil {
		o.deps.Logger.Printf("pipeline: turn %s advance failed: %v", t.ID, err)
		return "", false
	}
	return tr.Text, true
}

// generate drives the model until it produces a final reply, executing at
// most MaxToolIterations tool calls along the way. A failed tool call is not
// fatal; its normalized result goes back into the context as an observation
// and the model decides how to proceed.
func (o *Orchestrator) generate(t turns.Turn, transcript string) (string, bool) {
	messages := o.seedMessages(t.SessionID, transcript)

	var menu []tools.Descriptor
	if o.deps.Tools != nil {
		menu = o.deps.Tools.Menu()
	}

	var genTotal, toolTotal time.Duration
	toolCallsSpent := 0

	for {
		gctx, cancel := context.WithTimeout(o.baseCtx, o.cfg.GenerateTimeout)
		begin := time.Now()
		gen, err := o.deps.Generator.Generate(gctx, messages, menu)
		genElapsed := time.Since(begin)
		genTotal += genElapsed
		o.observeStage("generate", genElapsed)

		if err != nil {
			kind := o.classify(gctx, turns.StateGenerating, turns.ErrKindGenerationFailure)
			cancel()
			o.fail(t.ID, kind, err)
			return "", false
		}
		cancel()

		if gen.ToolCall == nil {
			if _, err := o.deps.Store.Advance(t.ID, turns.StateSynthesizing, func(rec *turns.Turn) {
				rec.ResponseText = gen.ReplyText
				rec.TimingsMS["generate"] = float64(genTotal.Milliseconds())
				if toolCallsSpent > 0 {
					rec.TimingsMS["tool"] = float64(toolTotal.Milliseconds())
				}
			}); err != nil {
				o.deps.Logger.Printf("pipeline: turn %s advance failed: %v", t.ID, err)
				return "", false
			}
			return gen.ReplyText, true
		}

		if toolCallsSpent >= o.cfg.MaxToolIterations {
			o.fail(t.ID, turns.ErrKindToolLoopExhausted,
				fmt.Errorf("model requested tool %q after %d tool calls", gen.ToolCall.Name, toolCallsSpent))
			return "", false
		}

		call := gen.ToolCall
		if _, err := o.deps.Store.Advance(t.ID, turns.StateAwaitingTool, func(rec *turns.Turn) {
			rec.ToolCalls = append(rec.ToolCalls, turns.ToolCall{
				Name:      call.Name,
				Arguments: call.Arguments,
			})
		}); err != nil {
			o.deps.Logger.Printf("pipeline: turn %s advance failed: %v", t.ID, err)
			return "", false
		}

		observation, toolElapsed, fatalErr := o.invokeTool(call)
		toolCallsSpent++
		toolTotal += toolElapsed
		if fatalErr != nil {
			o.fail(t.ID, turns.StageTimeoutKind(turns.StateAwaitingTool), fatalErr)
			return "", false
		}

		if _, err := o.deps.Store.Advance(t.ID, turns.StateGenerating, func(rec *turns.Turn) {
			last := len(rec.ToolCalls) - 1
			if last >= 0 {
				rec.ToolCalls[last].Result = observation
			}
		}); err != nil {
			o.deps.Logger.Printf("pipeline: turn %s advance failed: %v", t.ID, err)
			return "", false
		}

		messages = append(messages,
			voice.Message{Role: "assistant", ToolCall: call},
			voice.Message{Role: "tool", ToolName: call.Name, ToolCallID: call.ID, Content: observation},
		)
	}
}

func (o *Orchestrator) invokeTool(call *voice.ToolInvocation) (string, time.Duration, error) {
	if o.deps.Tools == nil {
		return tools.Result{OK: false, Err: "no tools configured"}.Observation(), 0, nil
	}

	ctx, cancel := context.WithTimeout(o.baseCtx, o.cfg.ToolTimeout)
	defer cancel()

	begin := time.Now()
	res, err := o.deps.Tools.Invoke(ctx, call.Name, call.Arguments)
	elapsed := time.Since(begin)
	o.observeStage("tool", elapsed)

	if err != nil {
		// Unknown tool name. The menu only lists registered tools, so fold
		// the mistake back to the model instead of killing the turn.
		if errors.Is(err, tools.ErrUnknownTool) {
			if m := o.deps.Metrics; m != nil {
				m.ToolCalls.WithLabelValues(call.Name, "unknown").Inc()
			}
			return tools.Result{OK: false, Err: err.Error()}.Observation(), elapsed, nil
		}
		return "", elapsed, err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !res.OK {
		return "", elapsed, fmt.Errorf("tool %q timed out: %s", call.Name, res.Err)
	}

	if m := o.deps.Metrics; m != nil {
		outcome := "ok"
		if !res.OK {
			outcome = "failed"
		}
		m.ToolCalls.WithLabelValues(call.Name, outcome).Inc()
	}
	return res.Observation(), elapsed, nil
}

func (o *Orchestrator) synthesize(t turns.Turn, transcript, replyText string) {
	ctx, cancel := context.WithTimeout(o.baseCtx, o.cfg.SynthesizeTimeout)
	defer cancel()

	begin := time.Now()
	wav, err := o.deps.Synthesizer.Synthesize(ctx, replyText)
	elapsed := time.Since(begin)
	o.observeStage("synthesize", elapsed)

	if err != nil {
		o.fail(t.ID, o.classify(ctx, turns.StateSynthesizing, turns.ErrKindSynthesisFailure), err)
		return
	}

	done, err := o.deps.Store.Advance(t.ID, turns.StateDone, func(rec *turns.Turn) {
		rec.AudioOut = wav
		rec.TimingsMS["synthesize"] = float64(elapsed.Milliseconds())
		total := time.Since(rec.CreatedAt)
		rec.TimingsMS["total"] = float64(total.Milliseconds())
	})
	if err != nil {
		o.deps.Logger.Printf("pipeline: turn %s advance failed: %v", t.ID, err)
		return
	}

	if m := o.deps.Metrics; m != nil {
		m.TurnsFinished.WithLabelValues("done", "").Inc()
	}

	if err := o.deps.Store.AppendHistory(t.SessionID, transcript, replyText); err != nil {
		o.deps.Logger.Printf("pipeline: history append for session %s failed: %v", t.SessionID, err)
	}
	if o.deps.Memory != nil {
		mctx, mcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer mcancel()
		err := o.deps.Memory.SaveExchange(mctx, memory.ExchangeRecord{
			SessionID:  t.SessionID,
			TurnID:     done.ID,
			Transcript: transcript,
			Response:   replyText,
		})
		if err != nil {
			o.deps.Logger.Printf("pipeline: memory save for session %s failed: %v", t.SessionID, err)
		}
	}
}

// seedMessages builds the generation context: system prompt, recent session
// exchanges, then the fresh transcript. The store history wins; the durable
// memory store only backfills sessions resumed after a restart.
func (o *Orchestrator) seedMessages(sessionID, transcript string) []voice.Message {
	messages := make([]voice.Message, 0, 2+2*o.cfg.HistoryLimit)
	if o.cfg.SystemPrompt != "" {
		messages = append(messages, voice.Message{Role: "system", Content: o.cfg.SystemPrompt})
	}

	history := o.deps.Store.History(sessionID)
	if len(history) == 0 && o.deps.Memory != nil && o.cfg.HistoryLimit > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		records, err := o.deps.Memory.RecentExchanges(ctx, sessionID, o.cfg.HistoryLimit)
		if err != nil {
			o.deps.Logger.Printf("pipeline: memory recall for session %s failed: %v", sessionID, err)
		}
		for _, rec := range records {
			history = append(history, turns.Exchange{Transcript: rec.Transcript, Response: rec.Response})
		}
	}
	if limit := o.cfg.HistoryLimit; limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	for _, ex := range history {
		messages = append(messages,
			voice.Message{Role: "user", Content: ex.Transcript},
			voice.Message{Role: "assistant", Content: ex.Response},
		)
	}

	return append(messages, voice.Message{Role: "user", Content: transcript})
}

func (o *Orchestrator) fail(turnID string, kind turns.ErrorKind, cause error) {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	_, err := o.deps.Store.Advance(turnID, turns.StateError, func(rec *turns.Turn) {
		rec.ErrorKind = kind
		rec.ErrorDetail = detail
		// A reply only exists on done turns; a failed synthesis would
		// otherwise leave the generated text behind.
		rec.ResponseText = ""
	})
	if err != nil {
		o.deps.Logger.Printf("pipeline: turn %s already terminal, dropping %s: %v", turnID, kind, cause)
		return
	}
	o.deps.Logger.Printf("pipeline: turn %s failed (%s): %v", turnID, kind, cause)
	if m := o.deps.Metrics; m != nil {
		m.TurnsFinished.WithLabelValues("error", string(kind)).Inc()
	}
	if w := o.deps.Window; w != nil {
		w.ObserveIndicator(string(kind))
	}
}

// classify maps a stage failure to its error kind, distinguishing the stage
// deadline expiring from the stage itself failing.
func (o *Orchestrator) classify(ctx context.Context, stage turns.State, kind turns.ErrorKind) turns.ErrorKind {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return turns.StageTimeoutKind(stage)
	}
	return kind
}

func (o *Orchestrator) observeStage(stage string, d time.Duration) {
	if m := o.deps.Metrics; m != nil {
		m.ObserveStageLatency(stage, d)
	}
	if w := o.deps.Window; w != nil {
		w.Observe(stage, float64(d.Milliseconds()))
	}
}
