package turns

import (
	"encoding/json"
	"time"
)

type State string

const (
	StateQueued       State = "queued"
	StateTranscribing State = "transcribing"
	StateGenerating   State = "generating"
	StateAwaitingTool State = "awaiting_tool"
	StateSynthesizing State = "synthesizing"
	StateDone         State = "done"
	StateError        State = "error"
)

// ErrorKind labels terminal pipeline failures surfaced via the status query.
type ErrorKind string

const (
	ErrKindASRFailure        ErrorKind = "asr_failure"
	ErrKindGenerationFailure ErrorKind = "generation_failure"
	ErrKindToolLoopExhausted ErrorKind = "tool_loop_exhausted"
	ErrKindSynthesisFailure  ErrorKind = "synthesis_failure"
)

// StageTimeoutKind returns the error kind for a stage deadline expiry,
// e.g. "stage_timeout:synthesizing".
func StageTimeoutKind(stage State) ErrorKind {
	return ErrorKind("stage_timeout:" + string(stage))
}

// ToolCall records one LLM-initiated tool invocation during generation.
// Result and Error are mutually exclusive.
type ToolCall struct {
	Name      string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Turn is one request/response cycle tracked end to end.
type Turn struct {
	ID                   string             `json:"turn_id"`
	SessionID            string             `json:"session_id"`
	State                State              `json:"state"`
	AudioIn              []byte             `json:"-"`
	Transcript           string             `json:"transcript,omitempty"`
	TranscriptConfidence float64            `json:"transcript_confidence,omitempty"`
	ToolCalls            []ToolCall         `json:"tool_calls,omitempty"`
	ResponseText         string             `json:"response_text,omitempty"`
	AudioOut             []byte             `json:"-"`
	ErrorKind            ErrorKind          `json:"error_kind,omitempty"`
	ErrorDetail          string             `json:"error,omitempty"`
	TimingsMS            map[string]float64 `json:"timings_ms,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

func (t Turn) Clone() Turn {
	out := t
	if t.AudioIn != nil {
		out.AudioIn = append([]byte(nil), t.AudioIn...)
	}
	if t.AudioOut != nil {
		out.AudioOut = append([]byte(nil), t.AudioOut...)
	}
	if t.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(t.ToolCalls))
		copy(out.ToolCalls, t.ToolCalls)
	}
	if t.TimingsMS != nil {
		out.TimingsMS = make(map[string]float64, len(t.TimingsMS))
		for k, v := range t.TimingsMS {
			out.TimingsMS[k] = v
		}
	}
	return out
}

func (t Turn) Terminal() bool {
	switch t.State {
	case StateDone, StateError:
		return true
	default:
		return false
	}
}

// legalNext is the full transition table. A state never recurs and never
// regresses; anything absent here is rejected by the store.
var legalNext = map[State][]State{
	StateQueued:       {StateTranscribing},
	StateTranscribing: {StateGenerating, StateError},
	StateGenerating:   {StateAwaitingTool, StateSynthesizing, StateError},
	StateAwaitingTool: {StateGenerating, StateError},
	StateSynthesizing: {StateDone, StateError},
}

// CanTransition reports whether to is a legal successor of from.
func CanTransition(from, to State) bool {
	for _, s := range legalNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Exchange is one completed transcript/response pair of a session's history.
type Exchange struct {
	Transcript string `json:"transcript"`
	Response   string `json:"response"`
}

// Session groups turns into a conversation and serializes their execution.
type Session struct {
	ID             string
	History        []Exchange
	InFlightTurnID string
	Pending        []string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

type EventType string

const (
	EventStateChanged EventType = "turn_state_changed"
)

// Event is published on every committed state transition.
type Event struct {
	Type      EventType `json:"type"`
	TurnID    string    `json:"turn_id"`
	SessionID string    `json:"session_id"`
	State     State     `json:"state"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}
