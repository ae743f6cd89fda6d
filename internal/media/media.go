// Package media wraps the ffmpeg and ffprobe command-line tools for audio
// analysis, transcoding, and segment extraction. All operations are blocking
// subprocess invocations bounded by per-operation timeouts; callers run them
// off the request path.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/transcriptai/transcriptai/internal/apperr"
)

const (
	probeTimeout   = 30 * time.Second
	convertTimeout = 300 * time.Second
	extractTimeout = 600 * time.Second

	// Transcription expects 16 kHz mono 16-bit PCM.
	targetSampleRate = 16000
)

// Info describes a probed audio file.
type Info struct {
	DurationSec float64
	Format      string
	Codec       string
	SampleRate  int
	Channels    int
	BitRate     int
}

// Processor shells out to ffmpeg/ffprobe. The zero value is not usable; use
// [New].
type Processor struct {
	ffmpegPath  string
	ffprobePath string
	log         *slog.Logger
}

// Option customises a [Processor].
type Option func(*Processor)

// WithBinaries overrides the ffmpeg and ffprobe executable paths. Useful for
// bundled desktop builds that ship their own binaries.
func WithBinaries(ffmpeg, ffprobe string) Option {
	return func(p *Processor) {
		if ffmpeg != "" {
			p.ffmpegPath = ffmpeg
		}
		if ffprobe != "" {
			p.ffprobePath = ffprobe
		}
	}
}

// New creates a media processor that resolves ffmpeg/ffprobe from PATH
// unless overridden.
func New(logger *slog.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		ffmpegPath:  "ffmpeg",
		ffprobePath: "ffprobe",
		log:         logger.With("component", "media"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ffprobe JSON output, trimmed to the fields we read.
type probeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
	} `json:"streams"`
}

// Analyze probes path with ffprobe and returns duration, format, and the
// first audio stream's parameters.
func (p *Processor) Analyze(ctx context.Context, path string) (Info, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := p.run(ctx, p.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return Info{}, apperr.Wrap(apperr.KindTransient, err, "ffprobe %s", filepath.Base(path))
	}

	var probed probeOutput
	if err := json.Unmarshal(out, &probed); err != nil {
		return Info{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	info := Info{Format: probed.Format.FormatName}
	info.DurationSec, _ = strconv.ParseFloat(probed.Format.Duration, 64)
	info.BitRate, _ = strconv.Atoi(probed.Format.BitRate)
	for _, s := range probed.Streams {
		if s.CodecType != "audio" {
			continue
		}
		info.Codec = s.CodecName
		info.SampleRate, _ = strconv.Atoi(s.SampleRate)
		info.Channels = s.Channels
		break
	}
	p.log.Debug("probed audio",
		"file", filepath.Base(path),
		"duration_sec", info.DurationSec,
		"format", info.Format,
		"sample_rate", info.SampleRate,
		"channels", info.Channels,
	)
	return info, nil
}

// Convert transcodes path to 16 kHz mono 16-bit PCM WAV inside outDir,
// named <stem>_converted.wav, and returns the output path.
func (p *Processor) Convert(ctx context.Context, path, outDir string) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create processed dir: %w", err)
	}
	out := filepath.Join(outDir, stem(path)+"_converted.wav")

	ctx, cancel := context.WithTimeout(ctx, convertTimeout)
	defer cancel()

	_, err := p.run(ctx, p.ffmpegPath,
		"-y",
		"-i", path,
		"-ar", strconv.Itoa(targetSampleRate),
		"-ac", "1",
		"-c:a", "pcm_s16le",
		out,
	)
	if err != nil {
		os.Remove(out)
		return "", apperr.Wrap(apperr.KindTransient, err, "convert %s", filepath.Base(path))
	}
	return out, nil
}

// ExtractSegment cuts [startSec, startSec+durSec) out of path as 16 kHz mono
// WAV inside outDir, named <stem>_segment_<start>_<dur>.wav.
func (p *Processor) ExtractSegment(ctx context.Context, path, outDir string, startSec, durSec float64) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create segment dir: %w", err)
	}
	name := fmt.Sprintf("%s_segment_%s_%s.wav", stem(path), fmtSec(startSec), fmtSec(durSec))
	out := filepath.Join(outDir, name)

	ctx, cancel := context.WithTimeout(ctx, extractTimeout)
	defer cancel()

	_, err := p.run(ctx, p.ffmpegPath,
		"-y",
		"-ss", fmtSec(startSec),
		"-t", fmtSec(durSec),
		"-i", path,
		"-ar", strconv.Itoa(targetSampleRate),
		"-ac", "1",
		"-c:a", "pcm_s16le",
		out,
	)
	if err != nil {
		os.Remove(out)
		return "", apperr.Wrap(apperr.KindTransient, err, "extract segment %s@%s", filepath.Base(path), fmtSec(startSec))
	}
	return out, nil
}

// run executes a command and returns stdout. Stderr is folded into the
// error because ffmpeg reports diagnostics there.
func (p *Processor) run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s timed out: %w", filepath.Base(bin), ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 500 {
			msg = msg[len(msg)-500:]
		}
		return nil, fmt.Errorf("%s: %w: %s", filepath.Base(bin), err, msg)
	}
	return stdout.Bytes(), nil
}

// stem returns the filename without directory or extension.
func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// fmtSec renders seconds with millisecond precision and no trailing zeros,
// matching the segment file naming convention.
func fmtSec(v float64) string {
	s := strconv.FormatFloat(v, 'f', 3, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
