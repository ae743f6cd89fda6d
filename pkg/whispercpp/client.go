// Package whispercpp is a client for a co-located whisper.cpp HTTP server.
// It performs one-shot inference over multipart uploads, hot model swaps,
// and health probes, and scrubs hallucinated repetition from every result.
//
// The server is reached over loopback only; its port is discovered via the
// WHISPER_CPP_PORT environment variable, a sentinel file written by the
// launcher, or the built-in default, in that order.
package whispercpp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultPort is used when neither the environment nor the sentinel
	// file names a port.
	DefaultPort = 8178

	inferenceTimeout = 300 * time.Second
	loadTimeout      = 120 * time.Second
	healthTimeout    = 800 * time.Millisecond
)

// Status is the coarse health of the transcription server.
type Status string

const (
	StatusReady   Status = "ready"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

// Segment is one decoded span of an inference response.
type Segment struct {
	Text string `json:"text"`
}

// Result is the outcome of a single inference. Transport and server
// failures are reported through OK/Err rather than a Go error so pipeline
// stages can treat "no transcript" uniformly.
type Result struct {
	OK       bool
	Text     string
	Segments []Segment
	Language string
	Err      string
}

// TranscribeOptions tune a single inference call. The zero value requests
// plain transcription with server-side language detection.
type TranscribeOptions struct {
	// Language forces decoding in a specific language ("en", "de", ...).
	// Empty means auto-detect.
	Language string

	// Translate asks the server to translate into English instead of
	// transcribing verbatim.
	Translate bool

	// InitialPrompt biases decoding of the first window.
	InitialPrompt string

	// NoSpeechThreshold overrides the default silence gate. Zero keeps the
	// server default of 0.6; chunked windows lower it to 0.3.
	NoSpeechThreshold float64
}

// Transcriber is the interface consumed by the pipeline and live-session
// components. *Client is the production implementation.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string, opts TranscribeOptions) Result
	LoadModel(ctx context.Context, modelPath string) error
	Health(ctx context.Context) Status
	EnsureReady(ctx context.Context, timeout time.Duration) bool
}

// Client talks to one whisper.cpp server instance. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

var _ Transcriber = (*Client)(nil)

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Per-request timeouts
// are applied through contexts, so the injected client should not set its
// own Timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger used for dedup warnings and request failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.log = logger.With("component", "whispercpp")
		}
	}
}

// New creates a client for the server at baseURL (e.g.
// "http://127.0.0.1:8178"). baseURL must be non-empty.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("whispercpp: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		log:        slog.Default().With("component", "whispercpp"),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ResolvePort discovers the transcription server port: WHISPER_CPP_PORT
// first, then the sentinel file at sentinelPath, then [DefaultPort].
func ResolvePort(sentinelPath string) int {
	if v := os.Getenv("WHISPER_CPP_PORT"); v != "" {
		if p, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && p > 0 {
			return p
		}
	}
	if raw, err := os.ReadFile(sentinelPath); err == nil {
		if p, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil && p > 0 {
			return p
		}
	}
	return DefaultPort
}

// BaseURLForPort renders the loopback base URL for a discovered port.
func BaseURLForPort(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

// inferenceResponse mirrors the JSON body of POST /inference.
type inferenceResponse struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
	Language string    `json:"language"`
	Error    string    `json:"error"`
}

// Transcribe posts audioPath to /inference and returns the scrubbed result.
// Connection failures and timeouts yield Result{OK: false} with Err set;
// this method never panics and never returns a Go error.
func (c *Client) Transcribe(ctx context.Context, audioPath string, opts TranscribeOptions) Result {
	ctx, cancel := context.WithTimeout(ctx, inferenceTimeout)
	defer cancel()

	body, contentType, err := c.buildInferenceBody(audioPath, opts)
	if err != nil {
		return Result{Err: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/inference", body)
	if err != nil {
		return Result{Err: err.Error()}
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("inference request failed", "file", filepath.Base(audioPath), "error", err)
		return Result{Err: fmt.Sprintf("transcription server unreachable: %v", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return Result{Err: fmt.Sprintf("read inference response: %v", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return Result{Err: fmt.Sprintf("inference returned HTTP %d: %s", resp.StatusCode, truncate(string(raw), 200))}
	}

	var parsed inferenceResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{Err: fmt.Sprintf("parse inference response: %v", err)}
	}
	if parsed.Error != "" {
		return Result{Err: parsed.Error}
	}

	res := Result{
		OK:       true,
		Text:     strings.TrimSpace(parsed.Text),
		Segments: parsed.Segments,
		Language: parsed.Language,
	}
	return c.scrub(res)
}

// buildInferenceBody assembles the multipart form for /inference with the
// anti-hallucination tuning applied to every request.
func (c *Client) buildInferenceBody(audioPath string, opts TranscribeOptions) (io.Reader, string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, "", fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("copy audio into form: %w", err)
	}

	noSpeech := 0.6
	if opts.NoSpeechThreshold > 0 {
		noSpeech = opts.NoSpeechThreshold
	}
	fields := map[string]string{
		"response_format":            "json",
		"temperature":                "0.0",
		"entropy_threshold":          "2.8",
		"logprob_threshold":          "-1.0",
		"no_speech_threshold":        strconv.FormatFloat(noSpeech, 'f', -1, 64),
		"suppress_blank":             "true",
		"suppress_non_speech_tokens": "true",
		"max_context":                "64",
		"beam_size":                  "5",
		"condition_on_previous_text": "false",
	}
	if opts.Language != "" {
		fields["language"] = opts.Language
	}
	if opts.Translate {
		fields["task"] = "translate"
	}
	if opts.InitialPrompt != "" {
		fields["prompt"] = opts.InitialPrompt
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// LoadModel hot-swaps the server's active model to the ggml file at
// modelPath (absolute).
func (c *Client) LoadModel(ctx context.Context, modelPath string) error {
	ctx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"model": modelPath})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/load", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whispercpp: load model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("whispercpp: load model returned HTTP %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	c.log.Info("model loaded", "model", filepath.Base(modelPath))
	return nil
}

// Health probes GET / with a sub-second timeout. Any 2xx means ready.
func (c *Client) Health(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return StatusError
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return StatusOffline
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return StatusReady
	}
	return StatusError
}

// EnsureReady polls [Client.Health] until the server reports ready or the
// timeout elapses. Returns false on timeout or context cancellation.
func (c *Client) EnsureReady(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if c.Health(ctx) == StatusReady {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// scrub applies segment and n-gram deduplication and warns when more than
// 10% of the text was removed.
func (c *Client) scrub(res Result) Result {
	original := len(res.Text)
	res.Segments = DedupSegments(res.Segments)
	res.Text = DedupNGrams(res.Text)
	if original > 0 {
		removed := original - len(res.Text)
		if float64(removed) > 0.1*float64(original) {
			c.log.Warn("deduplication removed a large share of the transcript",
				"removed_chars", removed,
				"original_chars", original,
			)
		}
	}
	return res
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
