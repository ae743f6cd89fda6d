// Package config provides the configuration schema and loader for the
// TranscriptAI backend.
//
// Settings come from three layers, later layers winning:
//
//  1. Built-in defaults.
//  2. An optional YAML file (the -config flag).
//  3. TRANSCRIPTAI_* environment variables (plus WHISPER_CPP_PORT).
package config

import (
	"errors"
	"fmt"
	"path/filepath"
)

// EnvPrefix is the prefix shared by all environment variables read by [FromEnv].
const EnvPrefix = "TRANSCRIPTAI_"

// Mode selects the deployment profile.
type Mode string

const (
	// ModeDesktop is the single-user profile: SQLite under the data
	// directory, everything file-based.
	ModeDesktop Mode = "desktop"

	// ModeServer is the multi-user profile backed by Postgres.
	ModeServer Mode = "server"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeDesktop || m == ModeServer
}

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Settings is the root configuration for the backend process.
type Settings struct {
	// Mode selects the deployment profile. Default: desktop.
	Mode Mode `yaml:"mode"`

	// ListenAddr is the TCP address the HTTP server listens on.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// DataDir is the base directory for the database, uploads, models,
	// job state, and logs.
	DataDir string `yaml:"data_dir"`

	// BundledModelsDir is an optional read-only directory of models shipped
	// with the desktop bundle. Checked before downloading.
	BundledModelsDir string `yaml:"bundled_models_dir"`

	// DatabaseDSN is the Postgres DSN used in server mode. Ignored in
	// desktop mode, where SQLite lives under DataDir.
	DatabaseDSN string `yaml:"database_dsn"`

	// MaxUploadBytes caps accepted uploads. Default: 500 MiB.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// WhisperPort is the transcription server port. Zero means "discover":
	// WHISPER_CPP_PORT, then the sentinel file, then the default.
	WhisperPort int `yaml:"whisper_port"`

	// LiveTranscription enables progressive SSE transcription. Default: on.
	LiveTranscription bool `yaml:"live_transcription"`

	// LiveMic enables the live microphone endpoints. Default: on.
	LiveMic bool `yaml:"live_mic"`

	// LiveBatchOnly forces batch-on-stop handling of live sessions.
	LiveBatchOnly bool `yaml:"live_batch_only"`

	// LiveChunkSec is the window length for chunked transcription.
	LiveChunkSec float64 `yaml:"live_chunk_sec"`

	// LiveStrideSec is the overlap between consecutive windows.
	LiveStrideSec float64 `yaml:"live_stride_sec"`

	// ForceLanguage skips language auto-detection when non-empty.
	ForceLanguage string `yaml:"force_language"`
}

// Default returns the built-in settings for a desktop install.
func Default() Settings {
	return Settings{
		Mode:              ModeDesktop,
		ListenAddr:        ":8000",
		LogLevel:          LogInfo,
		DataDir:           "data",
		MaxUploadBytes:    500 << 20,
		LiveTranscription: true,
		LiveMic:           true,
		LiveChunkSec:      30,
		LiveStrideSec:     5,
	}
}

// Validate checks the settings for consistency. All problems are reported
// together via errors.Join.
func (s Settings) Validate() error {
	var errs []error
	if !s.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("mode: unknown value %q", s.Mode))
	}
	if !s.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level: unknown value %q", s.LogLevel))
	}
	if s.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr: must not be empty"))
	}
	if s.DataDir == "" {
		errs = append(errs, errors.New("data_dir: must not be empty"))
	}
	if s.Mode == ModeServer && s.DatabaseDSN == "" {
		errs = append(errs, errors.New("database_dsn: required in server mode"))
	}
	if s.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max_upload_bytes: must be positive"))
	}
	if s.LiveChunkSec <= 0 {
		errs = append(errs, errors.New("live_chunk_sec: must be positive"))
	}
	if s.LiveStrideSec < 0 {
		errs = append(errs, errors.New("live_stride_sec: must not be negative"))
	}
	return errors.Join(errs...)
}

// DatabasePath is the SQLite file used in desktop mode.
func (s Settings) DatabasePath() string {
	return filepath.Join(s.DataDir, "db.sqlite")
}

// UploadDir is the root for ingested audio files.
func (s Settings) UploadDir() string {
	return filepath.Join(s.DataDir, "uploads")
}

// ProcessedDir holds transcoded and extracted audio derived from uploads.
func (s Settings) ProcessedDir() string {
	return filepath.Join(s.UploadDir(), "processed")
}

// TranscriptsDir holds the per-call transcript JSON sidecars.
func (s Settings) TranscriptsDir() string {
	return filepath.Join(s.UploadDir(), "transcripts")
}

// ModelsDir holds downloaded ggml model files.
func (s Settings) ModelsDir() string {
	return filepath.Join(s.DataDir, "models")
}

// ModelJobsPath is the atomic-replace job-state file for model downloads.
func (s Settings) ModelJobsPath() string {
	return filepath.Join(s.DataDir, "model_jobs.json")
}

// ModelPreferencePath stores the user's selected model.
func (s Settings) ModelPreferencePath() string {
	return filepath.Join(s.DataDir, "model_preference.json")
}

// PortSentinelPath is the file the transcription server launcher writes its
// chosen port into.
func (s Settings) PortSentinelPath() string {
	return filepath.Join(s.DataDir, "transcriptai_whisper_port")
}

// LogsDir holds rotated process logs.
func (s Settings) LogsDir() string {
	return filepath.Join(s.DataDir, "logs")
}
