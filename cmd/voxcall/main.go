package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"
)

// voxcall submits one recorded clip to a running voxpipe service and polls
// until the reply audio is ready.

type options struct {
	baseURL      string
	audioPath    string
	sessionID    string
	outPath      string
	pollInterval time.Duration
	timeout      time.Duration
	verbose      bool
}

type submitResponse struct {
	TurnID    string `json:"turn_id"`
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

type turnStatus struct {
	TurnID       string             `json:"turn_id"`
	SessionID    string             `json:"session_id"`
	State        string             `json:"state"`
	Transcript   string             `json:"transcript"`
	ResponseText string             `json:"response_text"`
	ErrorKind    string             `json:"error_kind"`
	Error        string             `json:"error"`
	TimingsMS    map[string]float64 `json:"timings_ms"`
}

func main() {
	opts := parseFlags()

	client := &http.Client{Timeout: 30 * time.Second}

	submitted, err := submitClip(client, opts)
	if err != nil {
		fatalf("submit failed: %v", err)
	}
	fmt.Printf("turn %s accepted (session %s)\n", submitted.TurnID, submitted.SessionID)

	status, err := pollUntilTerminal(client, opts, submitted.TurnID)
	if err != nil {
		fatalf("%v", err)
	}

	if status.State == "error" {
		fatalf("turn failed: %s (%s)", status.ErrorKind, status.Error)
	}

	fmt.Printf("heard:  %s\n", status.Transcript)
	fmt.Printf("reply:  %s\n", status.ResponseText)
	if total, ok := status.TimingsMS["total"]; ok {
		fmt.Printf("took:   %.0f ms\n", total)
	}

	if opts.outPath != "" {
		if err := downloadAudio(client, opts, submitted.TurnID); err != nil {
			fatalf("audio download failed: %v", err)
		}
		fmt.Printf("saved:  %s\n", opts.outPath)
	}
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:8080", "voxpipe service base URL")
	flag.StringVar(&opts.audioPath, "audio", "", "path to the WAV clip to submit (required)")
	flag.StringVar(&opts.sessionID, "session", "", "session id to continue; empty starts a new session")
	flag.StringVar(&opts.outPath, "out", "reply.wav", "where to save the reply audio; empty skips the download")
	flag.DurationVar(&opts.pollInterval, "poll-interval", 250*time.Millisecond, "status poll interval")
	flag.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall wait budget for the turn")
	flag.BoolVar(&opts.verbose, "v", false, "log every observed state")
	flag.Parse()

	if strings.TrimSpace(opts.audioPath) == "" {
		fmt.Fprintln(os.Stderr, "usage: voxcall -audio clip.wav [-session id] [-out reply.wav]")
		os.Exit(2)
	}
	opts.baseURL = strings.TrimRight(opts.baseURL, "/")
	return opts
}

func submitClip(client *http.Client, opts options) (submitResponse, error) {
	clip, err := os.ReadFile(opts.audioPath)
	if err != nil {
		return submitResponse{}, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if opts.sessionID != "" {
		if err := mw.WriteField("session_id", opts.sessionID); err != nil {
			return submitResponse{}, err
		}
	}
	part, err := mw.CreateFormFile("audio", "clip.wav")
	if err != nil {
		return submitResponse{}, err
	}
	if _, err := part.Write(clip); err != nil {
		return submitResponse{}, err
	}
	if err := mw.Close(); err != nil {
		return submitResponse{}, err
	}

	req, err := http.NewRequest(http.MethodPost, opts.baseURL+"/v1/turns", &buf)
	if err != nil {
		return submitResponse{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	res, err := client.Do(req)
	if err != nil {
		return submitResponse{}, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return submitResponse{}, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out submitResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return submitResponse{}, err
	}
	return out, nil
}

func pollUntilTerminal(client *http.Client, opts options, turnID string) (turnStatus, error) {
	deadline := time.Now().Add(opts.timeout)
	lastState := ""

	for time.Now().Before(deadline) {
		res, err := client.Get(opts.baseURL + "/v1/turns/" + turnID)
		if err != nil {
			return turnStatus{}, err
		}
		var status turnStatus
		err = json.NewDecoder(res.Body).Decode(&status)
		res.Body.Close()
		if err != nil {
			return turnStatus{}, err
		}
		if res.StatusCode != http.StatusOK {
			return turnStatus{}, fmt.Errorf("status poll returned %d", res.StatusCode)
		}

		if opts.verbose && status.State != lastState {
			fmt.Printf("state: %s\n", status.State)
			lastState = status.State
		}
		if status.State == "done" || status.State == "error" {
			return status, nil
		}
		time.Sleep(opts.pollInterval)
	}
	return turnStatus{}, fmt.Errorf("turn %s did not finish within %s", turnID, opts.timeout)
}

func downloadAudio(client *http.Client, opts options, turnID string) error {
	res, err := client.Get(opts.baseURL + "/v1/turns/" + turnID + "/audio")
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	out, err := os.Create(opts.outPath)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, res.Body); err != nil {
		return err
	}
	return out.Close()
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
