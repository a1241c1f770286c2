package voice

import (
	"context"
	"fmt"
	"strings"

	"github.com/tloiret/voxpipe/internal/audio"
	"github.com/tloiret/voxpipe/internal/tools"
)

// MockProvider is a deterministic local fallback used when no ASR/LLM/TTS
// endpoints are configured. It keeps the full pipeline exercisable offline.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Transcribe(ctx context.Context, wav []byte) (Transcription, error) {
	select {
	case <-ctx.Done():
		return Transcription{}, ctx.Err()
	default:
	}
	if len(wav) == 0 {
		return Transcription{}, nil
	}
	return Transcription{
		Text:       "simulated voice input",
		Confidence: 0.7,
	}, nil
}

func (p *MockProvider) Generate(ctx context.Context, messages []Message, _ []tools.Descriptor) (Generation, error) {
	select {
	case <-ctx.Done():
		return Generation{}, ctx.Err()
	default:
	}

	last := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = strings.TrimSpace(messages[i].Content)
			break
		}
	}
	if last == "" {
		last = "I am listening."
	}
	return Generation{ReplyText: fmt.Sprintf("I heard you: %s", last)}, nil
}

func (p *MockProvider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	// Text bytes stand in for PCM samples; the WAV container is real so the
	// audio endpoint serves a well-formed file.
	return audio.EncodeWAVPCM16LE([]byte(text), 16000)
}
