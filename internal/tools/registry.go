package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tloiret/voxpipe/internal/reliability"
)

// ErrUnknownTool flags a tool name with no configured descriptor. This is a
// caller bug: the menu the model saw only contains registered names, so the
// invoker never attempts the call.
var ErrUnknownTool = errors.New("unknown tool")

const (
	defaultInvokeTimeout = 20 * time.Second
	maxToolResponseBytes = 256 << 10
)

// Descriptor is the static configuration of one callable tool endpoint.
// Loaded once at startup, read-only afterwards; name and description form the
// capability menu offered to the language model.
type Descriptor struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	URL         string        `json:"url,omitempty"`
	Method      string        `json:"method,omitempty"`
	Timeout     time.Duration `json:"-"`
}

// Handler executes a builtin tool in-process instead of over HTTP.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Result is the normalized outcome of exactly one tool invocation. A failed
// call is data, not a pipeline error: the generation loop folds it back into
// the model context as a failed-tool observation.
type Result struct {
	OK         bool            `json:"ok"`
	StatusCode int             `json:"status_code,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Text       string          `json:"text,omitempty"`
	Err        string          `json:"error,omitempty"`
	Retryable  bool            `json:"retryable,omitempty"`
}

// Observation renders the result as the JSON string fed back to the model.
func (r Result) Observation() string {
	b, err := json.Marshal(r)
	if err != nil {
		return `{"ok":false,"error":"tool result not serializable"}`
	}
	return string(b)
}

// Registry resolves tool names to endpoints and performs one bounded HTTP
// call per invocation. Retry policy, if any, belongs to the generation loop.
type Registry struct {
	endpoints map[string]Descriptor
	handlers  map[string]Handler
	order     []string
	client    *http.Client
}

func NewRegistry(endpoints []Descriptor) *Registry {
	r := &Registry{
		endpoints: make(map[string]Descriptor),
		handlers:  make(map[string]Handler),
		client: &http.Client{
			Timeout: defaultInvokeTimeout,
		},
	}
	for _, d := range endpoints {
		r.register(d)
	}
	return r
}

// RegisterHandler adds a builtin tool backed by an in-process handler.
func (r *Registry) RegisterHandler(d Descriptor, h Handler) {
	r.register(d)
	r.handlers[d.Name] = h
}

func (r *Registry) register(d Descriptor) {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return
	}
	if d.Method == "" {
		d.Method = http.MethodPost
	}
	if d.Timeout <= 0 {
		d.Timeout = defaultInvokeTimeout
	}
	if _, exists := r.endpoints[d.Name]; !exists {
		r.order = append(r.order, d.Name)
	}
	r.endpoints[d.Name] = d
}

// Registered reports whether a descriptor already exists under this name.
func (r *Registry) Registered(name string) bool {
	_, ok := r.endpoints[strings.TrimSpace(name)]
	return ok
}

// Menu returns the descriptors in registration order.
func (r *Registry) Menu() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.endpoints[name])
	}
	return out
}

// Invoke executes exactly one call of the named tool. An unmatched name is a
// caller error; everything else, including upstream failure, comes back as a
// Result for the model to reason about.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (Result, error) {
	d, ok := r.endpoints[strings.TrimSpace(name)]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	if h, ok := r.handlers[d.Name]; ok {
		data, err := h(ctx, args)
		if err != nil {
			return Result{
				OK:        false,
				Err:       err.Error(),
				Retryable: errors.Is(err, context.DeadlineExceeded),
			}, nil
		}
		return Result{OK: true, Data: data}, nil
	}

	if strings.TrimSpace(d.URL) == "" {
		return Result{OK: false, Err: "tool has no url configured"}, nil
	}

	var body io.Reader
	if len(args) > 0 {
		body = bytes.NewReader(args)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(d.Method), d.URL, body)
	if err != nil {
		return Result{OK: false, Err: fmt.Sprintf("build request: %v", err)}, nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := r.client.Do(req)
	if err != nil {
		return Result{
			OK:        false,
			Err:       fmt.Sprintf("request failed: %v", err),
			Retryable: errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil,
		}, nil
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxToolResponseBytes))
	if err != nil {
		return Result{OK: false, Err: fmt.Sprintf("read response: %v", err)}, nil
	}

	out := Result{
		OK:         res.StatusCode >= 200 && res.StatusCode < 300,
		StatusCode: res.StatusCode,
	}
	if !out.OK {
		out.Err = fmt.Sprintf("tool returned status %d", res.StatusCode)
		out.Retryable = reliability.IsRetryableHTTPStatus(res.StatusCode)
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "application/json") && json.Valid(raw) {
		out.Data = json.RawMessage(raw)
	} else {
		out.Text = strings.TrimSpace(string(raw))
	}
	return out, nil
}

// ParseDescriptors decodes the TOOL_ENDPOINTS env payload:
// a JSON array of {name, description, url, method} objects.
func ParseDescriptors(raw string) ([]Descriptor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []Descriptor
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("parse tool endpoints: %w", err)
	}
	for i, d := range out {
		if strings.TrimSpace(d.Name) == "" {
			return nil, fmt.Errorf("tool endpoint %d has no name", i)
		}
		if strings.TrimSpace(d.URL) == "" {
			return nil, fmt.Errorf("tool endpoint %q has no url", d.Name)
		}
	}
	return out, nil
}
