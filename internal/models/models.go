// Package models manages the closed set of transcription models: listing,
// background HTTP downloads with atomic rename, crash-safe per-model job
// state, and hot-swapping the active model on the transcription server.
package models

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Status is the lifecycle state of one model.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusDownloading Status = "downloading"
	StatusDownloaded  Status = "downloaded"
	StatusError       Status = "error"
	StatusNeedsUpdate Status = "needs_update"
)

// staleMessage is surfaced for downloads whose heartbeat went quiet.
const staleMessage = "Download timed out; please retry."

// Spec describes one supported model.
type Spec struct {
	// Name is the short identifier used throughout the API.
	Name string

	// SizeMB is the approximate download size shown to users.
	SizeMB float64

	// Version is the logical version pin; a cached file recorded under a
	// different version is surfaced as needs_update.
	Version string

	// URL is the remote location of the ggml file.
	URL string
}

// Filename is the on-disk name under the models directory.
func (s Spec) Filename() string {
	return fmt.Sprintf("ggml-%s.en.bin", s.Name)
}

// DefaultCatalog is the supported model set. The broader model universe is
// deliberately not exposed; the co-located transcription server only ships
// with these.
func DefaultCatalog() []Spec {
	const base = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"
	return []Spec{
		{Name: "tiny", SizeMB: 75, Version: "main", URL: base + "ggml-tiny.en.bin"},
		{Name: "base", SizeMB: 145, Version: "main", URL: base + "ggml-base.en.bin"},
		{Name: "small", SizeMB: 480, Version: "main", URL: base + "ggml-small.en.bin"},
	}
}

// Info is one row of the model listing.
type Info struct {
	Name         string   `json:"name"`
	SizeMB       float64  `json:"size_mb"`
	IsDownloaded bool     `json:"is_downloaded"`
	IsActive     bool     `json:"is_active"`
	Status       Status   `json:"status"`
	Progress     *float64 `json:"progress"`
	Message      string   `json:"message,omitempty"`
	Version      string   `json:"version,omitempty"`
	UpdatedAt    string   `json:"updated_at,omitempty"`
}

// jobRecord is the persisted per-model download state.
type jobRecord struct {
	Status    Status   `json:"status"`
	Progress  *float64 `json:"progress"`
	Message   string   `json:"message,omitempty"`
	Version   string   `json:"version,omitempty"`
	UpdatedAt string   `json:"updated_at"`
}

func (r jobRecord) updatedTime() (time.Time, bool) {
	if r.UpdatedAt == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// loadJobState reads the job file and normalizes any downloading entry whose
// heartbeat is older than the stale threshold to error. The normalized
// snapshot is written back so the file never stays perpetually "downloading".
func loadJobState(path string, staleAfter time.Duration, now time.Time) map[string]jobRecord {
	raw, err := os.ReadFile(path)
	if err != nil {
		return map[string]jobRecord{}
	}
	state := map[string]jobRecord{}
	if err := json.Unmarshal(raw, &state); err != nil {
		return map[string]jobRecord{}
	}

	changed := false
	for name, rec := range state {
		if rec.Status != StatusDownloading {
			continue
		}
		updated, ok := rec.updatedTime()
		if ok && now.Sub(updated) <= staleAfter {
			continue
		}
		rec.Status = StatusError
		rec.Message = staleMessage
		rec.Progress = nil
		rec.UpdatedAt = now.Format(time.RFC3339Nano)
		state[name] = rec
		changed = true
	}
	if changed {
		_ = saveJobState(path, state)
	}
	return state
}

// saveJobState replaces the job file atomically via a temp sibling.
func saveJobState(path string, state map[string]jobRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
