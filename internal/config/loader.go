package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load builds the effective settings: defaults, overlaid by the YAML file at
// path (if path is non-empty), overlaid by the environment. The result is
// validated.
func Load(path string) (Settings, error) {
	s := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Settings{}, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()
		if err := decodeYAML(f, &s); err != nil {
			return Settings{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	FromEnv(&s)

	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return s, nil
}

// decodeYAML strictly decodes YAML from r into s. Unknown fields are an
// error so typos in config files fail loudly.
func decodeYAML(r io.Reader, s *Settings) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// FromEnv overlays TRANSCRIPTAI_* environment variables onto s. Unset
// variables leave the current value untouched; malformed numeric or boolean
// values are ignored rather than failing startup.
func FromEnv(s *Settings) {
	if v, ok := lookup("MODE"); ok {
		s.Mode = Mode(strings.ToLower(v))
	}
	if v, ok := lookup("LISTEN_ADDR"); ok {
		s.ListenAddr = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		s.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v, ok := lookup("DATA_DIR"); ok {
		s.DataDir = v
	}
	if v, ok := lookup("BUNDLED_MODELS_DIR"); ok {
		s.BundledModelsDir = v
	}
	if v, ok := lookup("DATABASE_DSN"); ok {
		s.DatabaseDSN = v
	}
	if v, ok := lookup("MAX_UPLOAD_BYTES"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			s.MaxUploadBytes = n
		}
	}
	if v, ok := lookup("LIVE_TRANSCRIPTION"); ok {
		s.LiveTranscription = parseBool(v, s.LiveTranscription)
	}
	if v, ok := lookup("LIVE_MIC"); ok {
		s.LiveMic = parseBool(v, s.LiveMic)
	}
	if v, ok := lookup("LIVE_BATCH_ONLY"); ok {
		s.LiveBatchOnly = parseBool(v, s.LiveBatchOnly)
	}
	if v, ok := lookup("LIVE_CHUNK_SEC"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.LiveChunkSec = f
		}
	}
	if v, ok := lookup("LIVE_STRIDE_SEC"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.LiveStrideSec = f
		}
	}
	if v, ok := lookup("FORCE_LANGUAGE"); ok {
		s.ForceLanguage = v
	}
	// WHISPER_CPP_PORT is shared with the transcription-server launcher and
	// deliberately carries no prefix.
	if v, ok := os.LookupEnv("WHISPER_CPP_PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			s.WhisperPort = p
		}
	}
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	return v, ok
}

func parseBool(v string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}
