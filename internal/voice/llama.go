package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tloiret/voxpipe/internal/tools"
)

// LlamaChat drives an OpenAI-compatible chat completions endpoint
// (llama.cpp server, or any hosted equivalent) with function-calling tools.
type LlamaChat struct {
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	client      *http.Client
}

type LlamaConfig struct {
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
}

func NewLlamaChat(cfg LlamaConfig) *LlamaChat {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.2
	}
	return &LlamaChat{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		model:       strings.TrimSpace(cfg.Model),
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		client:      &http.Client{},
	}
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type chatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatToolSpec struct {
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatRequest struct {
	Model       string         `json:"model,omitempty"`
	Messages    []chatMessage  `json:"messages"`
	Temperature float64        `json:"temperature"`
	MaxTokens   int            `json:"max_tokens"`
	Tools       []chatToolSpec `json:"tools,omitempty"`
	ToolChoice  string         `json:"tool_choice,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *LlamaChat) Generate(ctx context.Context, messages []Message, menu []tools.Descriptor) (Generation, error) {
	payload := chatRequest{
		Model:       c.model,
		Messages:    encodeMessages(messages),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	if len(menu) > 0 {
		payload.Tools = encodeToolMenu(menu)
		payload.ToolChoice = "auto"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Generation{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Generation{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return Generation{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Generation{}, fmt.Errorf("chat completions status %d: %s", res.StatusCode, string(detail))
	}

	var parsed chatResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return Generation{}, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Generation{}, fmt.Errorf("chat completions returned no choices")
	}

	msg := parsed.Choices[0].Message
	if len(msg.ToolCalls) > 0 {
		// The pipeline executes one tool at a time; take the first request.
		call := msg.ToolCalls[0]
		return Generation{
			ToolCall: &ToolInvocation{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: json.RawMessage(call.Function.Arguments),
			},
		}, nil
	}
	return Generation{ReplyText: strings.TrimSpace(msg.Content)}, nil
}

func encodeMessages(messages []Message) []chatMessage {
	out := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		cm := chatMessage{Role: m.Role, Content: m.Content}
		if m.ToolCall != nil {
			cm.ToolCalls = []chatToolCall{{
				ID:   m.ToolCall.ID,
				Type: "function",
				Function: chatFunction{
					Name:      m.ToolCall.Name,
					Arguments: string(m.ToolCall.Arguments),
				},
			}}
		}
		if m.Role == "tool" {
			cm.ToolCallID = m.ToolCallID
			cm.Name = m.ToolName
		}
		out = append(out, cm)
	}
	return out
}

func encodeToolMenu(menu []tools.Descriptor) []chatToolSpec {
	out := make([]chatToolSpec, 0, len(menu))
	for _, d := range menu {
		out = append(out, chatToolSpec{
			Type: "function",
			Function: chatToolFunction{
				Name:        d.Name,
				Description: d.Description,
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"payload": map[string]any{
							"type":        "object",
							"description": "JSON payload forwarded to the tool endpoint.",
						},
					},
					"required": []string{},
				},
			},
		})
	}
	return out
}
