package whispercpp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(path, []byte("RIFFfakewav"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTranscribeHappyPath(t *testing.T) {
	var gotFields map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" {
			t.Errorf("path = %q, want /inference", r.URL.Path)
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		gotFields = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			gotFields[k] = v[0]
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("missing file part: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"text":     " hello world ",
			"segments": []map[string]string{{"text": "hello world"}},
			"language": "en",
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	res := c.Transcribe(context.Background(), writeTempAudio(t), TranscribeOptions{Language: "en", NoSpeechThreshold: 0.3})
	if !res.OK {
		t.Fatalf("Transcribe() not OK: %s", res.Err)
	}
	if res.Text != "hello world" {
		t.Errorf("Text = %q, want %q", res.Text, "hello world")
	}
	if res.Language != "en" {
		t.Errorf("Language = %q, want en", res.Language)
	}

	wantFields := map[string]string{
		"response_format":            "json",
		"temperature":                "0.0",
		"entropy_threshold":          "2.8",
		"logprob_threshold":          "-1.0",
		"no_speech_threshold":        "0.3",
		"suppress_blank":             "true",
		"suppress_non_speech_tokens": "true",
		"max_context":                "64",
		"beam_size":                  "5",
		"condition_on_previous_text": "false",
		"language":                   "en",
	}
	for k, want := range wantFields {
		if gotFields[k] != want {
			t.Errorf("form field %s = %q, want %q", k, gotFields[k], want)
		}
	}
}

func TestTranscribeServerDownReturnsStructuredFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // port now refuses connections

	c, err := New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	res := c.Transcribe(context.Background(), writeTempAudio(t), TranscribeOptions{})
	if res.OK {
		t.Error("Transcribe() against closed port reported OK")
	}
	if res.Err == "" {
		t.Error("Transcribe() failure carries no error message")
	}
}

func TestTranscribeServerErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"error": "model not loaded"})
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	res := c.Transcribe(context.Background(), writeTempAudio(t), TranscribeOptions{})
	if res.OK || res.Err != "model not loaded" {
		t.Errorf("Result = %+v, want server error surfaced", res)
	}
}

func TestTranscribeScrubsRepeats(t *testing.T) {
	phrase := "thank you for watching thank you so much"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"text": phrase + " " + phrase + " and now for the actual content of this recording session",
		})
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	res := c.Transcribe(context.Background(), writeTempAudio(t), TranscribeOptions{})
	if !res.OK {
		t.Fatalf("Transcribe() not OK: %s", res.Err)
	}
	if n := strings.Count(res.Text, phrase); n != 1 {
		t.Errorf("phrase occurs %d times, want 1: %q", n, res.Text)
	}
}

func TestLoadModel(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/load" {
			t.Errorf("path = %q, want /load", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		gotModel = body["model"]
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	if err := c.LoadModel(context.Background(), "/models/ggml-base.en.bin"); err != nil {
		t.Fatalf("LoadModel() = %v", err)
	}
	if gotModel != "/models/ggml-base.en.bin" {
		t.Errorf("model = %q, want absolute path", gotModel)
	}
}

func TestLoadModelFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such file", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	if err := c.LoadModel(context.Background(), "/models/missing.bin"); err == nil {
		t.Error("LoadModel() = nil, want error on HTTP 500")
	}
}

func TestHealth(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	c, _ := New(up.URL)
	if got := c.Health(context.Background()); got != StatusReady {
		t.Errorf("Health() = %v, want ready", got)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	down.Close()
	c2, _ := New(down.URL)
	if got := c2.Health(context.Background()); got != StatusOffline {
		t.Errorf("Health() = %v, want offline", got)
	}
}

func TestEnsureReadyTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	c, _ := New(srv.URL)
	start := time.Now()
	if c.EnsureReady(context.Background(), 100*time.Millisecond) {
		t.Error("EnsureReady() = true for a dead server")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("EnsureReady() did not respect its timeout")
	}
}

func TestResolvePort(t *testing.T) {
	dir := t.TempDir()
	sentinel := filepath.Join(dir, "transcriptai_whisper_port")

	t.Run("default", func(t *testing.T) {
		t.Setenv("WHISPER_CPP_PORT", "")
		if got := ResolvePort(sentinel); got != DefaultPort {
			t.Errorf("ResolvePort() = %d, want %d", got, DefaultPort)
		}
	})

	t.Run("sentinel file", func(t *testing.T) {
		t.Setenv("WHISPER_CPP_PORT", "")
		if err := os.WriteFile(sentinel, []byte("9155\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if got := ResolvePort(sentinel); got != 9155 {
			t.Errorf("ResolvePort() = %d, want 9155", got)
		}
	})

	t.Run("env wins over sentinel", func(t *testing.T) {
		t.Setenv("WHISPER_CPP_PORT", "9266")
		if got := ResolvePort(sentinel); got != 9266 {
			t.Errorf("ResolvePort() = %d, want 9266", got)
		}
	})
}
