package voice

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxSynthesisBytes = 32 << 20

// PiperHTTP synthesizes speech through a piper HTTP server: the reply text is
// posted as the request body and the response body is a finished WAV clip.
type PiperHTTP struct {
	url    string
	client *http.Client
}

type PiperConfig struct {
	URL string
}

func NewPiperHTTP(cfg PiperConfig) *PiperHTTP {
	return &PiperHTTP{
		url:    strings.TrimSpace(cfg.URL),
		client: &http.Client{},
	}
}

func (p *PiperHTTP) Synthesize(ctx context.Context, text string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	res, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, fmt.Errorf("piper http status %d: %s", res.StatusCode, string(detail))
	}

	wav, err := io.ReadAll(io.LimitReader(res.Body, maxSynthesisBytes))
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(wav) == 0 {
		return nil, fmt.Errorf("piper returned empty audio")
	}
	return wav, nil
}
