// Package transcribe drives chunked transcription of long audio files: it
// cuts the file into overlapping windows, transcribes each window through
// the whisper.cpp client, and streams partial results to the caller while
// assembling the final transcript.
package transcribe

import (
	"context"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/transcriptai/transcriptai/internal/media"
	"github.com/transcriptai/transcriptai/pkg/whispercpp"
)

// windowNoSpeechThreshold is lower than the server default because short
// extracted windows are frequently half silence.
const windowNoSpeechThreshold = 0.3

// minSegmentBytes guards the unknown-duration loop: an extraction that
// yields no more than a bare WAV header means we ran off the end of the
// audio.
const minSegmentBytes = 1024

// Analyzer probes and slices audio. *media.Processor implements it.
type Analyzer interface {
	Analyze(ctx context.Context, path string) (media.Info, error)
	ExtractSegment(ctx context.Context, path, outDir string, startSec, durSec float64) (string, error)
}

// Job describes one chunked transcription run.
type Job struct {
	AudioPath string
	ChunkSec  float64
	StrideSec float64

	// Language forces decoding in a fixed language. Empty enables
	// first-window auto-detection.
	Language string
}

// Partial is an interim result for one window.
type Partial struct {
	ChunkIndex int     `json:"chunk_index"`
	StartSec   float64 `json:"start_sec"`
	EndSec     float64 `json:"end_sec"`
	Text       string  `json:"text"`
}

// Summary is the terminal result of a run.
type Summary struct {
	AudioPath  string    `json:"audio_path"`
	OK         bool      `json:"ok"`
	Text       string    `json:"text"`
	Language   string    `json:"language"`
	ChunkCount int       `json:"chunk_count"`
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error,omitempty"`
}

// Driver runs chunked transcription jobs. Safe for concurrent use; each run
// keeps its state on the stack of its producer goroutine.
type Driver struct {
	analyzer   Analyzer
	client     whispercpp.Transcriber
	segmentDir string
	log        *slog.Logger
}

// New creates a driver that writes temporary window files under segmentDir.
func New(analyzer Analyzer, client whispercpp.Transcriber, segmentDir string, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		analyzer:   analyzer,
		client:     client,
		segmentDir: segmentDir,
		log:        logger.With("component", "transcribe"),
	}
}

// Stream starts a producer goroutine for job and returns the partial stream
// plus a single-element summary channel. The partial channel is closed
// before the summary is sent. Extracted window files are always removed,
// also on cancellation.
func (d *Driver) Stream(ctx context.Context, job Job) (<-chan Partial, <-chan Summary) {
	parts := make(chan Partial)
	done := make(chan Summary, 1)

	go func() {
		defer close(done)
		summary := d.run(ctx, job, parts)
		close(parts)
		done <- summary
	}()

	return parts, done
}

func (d *Driver) run(ctx context.Context, job Job, parts chan<- Partial) Summary {
	summary := Summary{
		AudioPath: job.AudioPath,
		Language:  "unknown",
	}
	if job.Language != "" {
		summary.Language = job.Language
	}

	totalSec := 0.0
	if info, err := d.analyzer.Analyze(ctx, job.AudioPath); err != nil {
		d.log.Warn("duration probe failed, transcribing until extraction stops",
			"file", job.AudioPath, "error", err)
	} else {
		totalSec = info.DurationSec
	}

	step := math.Max(0.1, job.ChunkSec-job.StrideSec)
	language := job.Language

	var texts []string
	chunkIndex := 0

	for start := 0.0; ; start += step {
		if ctx.Err() != nil {
			summary.Error = ctx.Err().Error()
			break
		}
		if totalSec > 0 && start >= totalSec {
			summary.OK = true
			break
		}

		segPath, err := d.analyzer.ExtractSegment(ctx, job.AudioPath, d.segmentDir, start, job.ChunkSec)
		if err != nil {
			if totalSec <= 0 {
				// Unknown duration: a failed extraction is the end marker.
				summary.OK = true
				break
			}
			d.log.Warn("window extraction failed, skipping",
				"file", job.AudioPath, "start_sec", start, "error", err)
			continue
		}

		if totalSec <= 0 && segmentEmpty(segPath) {
			os.Remove(segPath)
			summary.OK = true
			break
		}

		res := d.client.Transcribe(ctx, segPath, whispercpp.TranscribeOptions{
			Language:          language,
			NoSpeechThreshold: windowNoSpeechThreshold,
		})
		os.Remove(segPath)

		text := ""
		if res.OK {
			text = strings.TrimSpace(res.Text)
		} else {
			d.log.Warn("window transcription failed",
				"file", job.AudioPath, "chunk_index", chunkIndex, "error", res.Err)
		}

		// Adopt the language detected in the first successful window.
		if language == "" && res.OK && res.Language != "" {
			language = res.Language
			summary.Language = res.Language
		}

		p := Partial{
			ChunkIndex: chunkIndex,
			StartSec:   start,
			EndSec:     start + job.ChunkSec,
			Text:       text,
		}
		select {
		case parts <- p:
		case <-ctx.Done():
			summary.Error = ctx.Err().Error()
			summary.ChunkCount = chunkIndex
			summary.Text = strings.Join(texts, " ")
			summary.Timestamp = time.Now()
			return summary
		}

		chunkIndex++
		if text != "" {
			texts = append(texts, text)
		}
	}

	summary.ChunkCount = chunkIndex
	summary.Text = strings.Join(texts, " ")
	summary.Timestamp = time.Now()
	return summary
}

// segmentEmpty reports whether the extracted file holds no audio payload.
func segmentEmpty(path string) bool {
	fi, err := os.Stat(path)
	return err != nil || fi.Size() <= minSegmentBytes
}
