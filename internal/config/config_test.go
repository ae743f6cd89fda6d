package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v, want nil", err)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	s := Settings{
		Mode:           Mode("cloud"),
		LogLevel:       LogLevel("chatty"),
		ListenAddr:     "",
		DataDir:        "",
		MaxUploadBytes: 0,
		LiveChunkSec:   0,
		LiveStrideSec:  -1,
	}
	err := s.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	for _, want := range []string{"mode", "log_level", "listen_addr", "data_dir", "max_upload_bytes", "live_chunk_sec", "live_stride_sec"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error missing %q: %v", want, err)
		}
	}
}

func TestServerModeRequiresDSN(t *testing.T) {
	s := Default()
	s.Mode = ModeServer
	err := s.Validate()
	if err == nil || !strings.Contains(err.Error(), "database_dsn") {
		t.Errorf("Validate() = %v, want database_dsn error", err)
	}
	s.DatabaseDSN = "postgres://localhost/transcriptai"
	if err := s.Validate(); err != nil {
		t.Errorf("Validate() with DSN = %v, want nil", err)
	}
}

func TestLoadFilePlusEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "listen_addr: \":9100\"\nlive_chunk_sec: 20\nforce_language: de\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv(EnvPrefix+"LISTEN_ADDR", ":9200")
	t.Setenv(EnvPrefix+"LIVE_BATCH_ONLY", "true")
	t.Setenv("WHISPER_CPP_PORT", "9300")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if s.ListenAddr != ":9200" {
		t.Errorf("ListenAddr = %q, want %q (env wins over file)", s.ListenAddr, ":9200")
	}
	if s.LiveChunkSec != 20 {
		t.Errorf("LiveChunkSec = %v, want 20 (from file)", s.LiveChunkSec)
	}
	if s.ForceLanguage != "de" {
		t.Errorf("ForceLanguage = %q, want %q", s.ForceLanguage, "de")
	}
	if !s.LiveBatchOnly {
		t.Error("LiveBatchOnly = false, want true (from env)")
	}
	if s.WhisperPort != 9300 {
		t.Errorf("WhisperPort = %d, want 9300", s.WhisperPort)
	}
}

func TestLoadRejectsUnknownYAMLField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("listne_addr: \":9100\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() with misspelled field = nil, want error")
	}
}

func TestFromEnvIgnoresMalformedNumbers(t *testing.T) {
	s := Default()
	t.Setenv(EnvPrefix+"LIVE_CHUNK_SEC", "not-a-number")
	t.Setenv(EnvPrefix+"MAX_UPLOAD_BYTES", "huge")
	FromEnv(&s)
	if s.LiveChunkSec != Default().LiveChunkSec {
		t.Errorf("LiveChunkSec = %v, want default %v", s.LiveChunkSec, Default().LiveChunkSec)
	}
	if s.MaxUploadBytes != Default().MaxUploadBytes {
		t.Errorf("MaxUploadBytes = %v, want default %v", s.MaxUploadBytes, Default().MaxUploadBytes)
	}
}

func TestDirectoryLayout(t *testing.T) {
	s := Default()
	s.DataDir = "/srv/transcriptai"
	tests := []struct {
		got, want string
	}{
		{s.DatabasePath(), "/srv/transcriptai/db.sqlite"},
		{s.UploadDir(), "/srv/transcriptai/uploads"},
		{s.ProcessedDir(), "/srv/transcriptai/uploads/processed"},
		{s.TranscriptsDir(), "/srv/transcriptai/uploads/transcripts"},
		{s.ModelsDir(), "/srv/transcriptai/models"},
		{s.ModelJobsPath(), "/srv/transcriptai/model_jobs.json"},
		{s.ModelPreferencePath(), "/srv/transcriptai/model_preference.json"},
		{s.PortSentinelPath(), "/srv/transcriptai/transcriptai_whisper_port"},
		{s.LogsDir(), "/srv/transcriptai/logs"},
	}
	for _, tt := range tests {
		if filepath.ToSlash(tt.got) != tt.want {
			t.Errorf("layout path = %q, want %q", tt.got, tt.want)
		}
	}
}
