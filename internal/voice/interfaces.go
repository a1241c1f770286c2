package voice

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tloiret/voxpipe/internal/tools"
)

// Transcription is the output of one ASR call.
type Transcription struct {
	Text          string
	Confidence    float64
	AudioDuration time.Duration
}

// Transcriber turns one WAV clip into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (Transcription, error)
}

// Message is one entry of the running generation context.
type Message struct {
	Role       string          // "system", "user", "assistant" or "tool"
	Content    string
	ToolCall   *ToolInvocation // assistant messages that requested a tool
	ToolName   string          // tool observation messages
	ToolCallID string          // pairs an observation with its request
}

// ToolInvocation is a model-initiated request to call a configured tool.
type ToolInvocation struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Generation holds either a final reply or a tool request, never both.
type Generation struct {
	ReplyText string
	ToolCall  *ToolInvocation
}

// Generator drives one language-model call over the running context plus the
// tool capability menu.
type Generator interface {
	Generate(ctx context.Context, messages []Message, menu []tools.Descriptor) (Generation, error)
}

// Synthesizer turns reply text into WAV audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
