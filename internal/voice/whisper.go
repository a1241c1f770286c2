package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// WhisperHTTP transcribes audio through a whisper.cpp server's /inference
// endpoint.
type WhisperHTTP struct {
	baseURL  string
	language string
	client   *http.Client
}

type WhisperConfig struct {
	BaseURL  string
	Language string
}

func NewWhisperHTTP(cfg WhisperConfig) *WhisperHTTP {
	return &WhisperHTTP{
		baseURL:  strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		language: strings.TrimSpace(cfg.Language),
		client:   &http.Client{},
	}
}

type whisperResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	DurationMS float64 `json:"duration_ms"`
}

func (w *WhisperHTTP) Transcribe(ctx context.Context, wav []byte) (Transcription, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return Transcription{}, fmt.Errorf("build multipart: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return Transcription{}, fmt.Errorf("write audio part: %w", err)
	}
	if w.language != "" {
		if err := mw.WriteField("language", w.language); err != nil {
			return Transcription{}, fmt.Errorf("write language field: %w", err)
		}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return Transcription{}, fmt.Errorf("write format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Transcription{}, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/inference", &body)
	if err != nil {
		return Transcription{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	res, err := w.client.Do(req)
	if err != nil {
		return Transcription{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Transcription{}, fmt.Errorf("whisper http status %d: %s", res.StatusCode, string(detail))
	}

	var parsed whisperResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return Transcription{}, fmt.Errorf("decode response: %w", err)
	}

	return Transcription{
		Text:          strings.TrimSpace(parsed.Text),
		Confidence:    parsed.Confidence,
		AudioDuration: time.Duration(parsed.DurationMS * float64(time.Millisecond)),
	}, nil
}
