// Package youtube ingests YouTube videos through a yt-dlp subprocess: the
// audio track lands in the dated upload layout as 16 kHz mono WAV, a call
// row is created, and the regular pipeline picks it up from there.
package youtube

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/transcriptai/transcriptai/internal/apperr"
	"github.com/transcriptai/transcriptai/internal/pipeline"
	"github.com/transcriptai/transcriptai/internal/store"
)

// videoIDRe patterns cover watch URLs, short youtu.be links and embeds.
// YouTube ids are exactly 11 characters.
var videoIDRe = []*regexp.Regexp{
	regexp.MustCompile(`(?:v=|/)([0-9A-Za-z_-]{11})(?:[?&#/]|$)`),
	regexp.MustCompile(`youtu\.be/([0-9A-Za-z_-]{11})`),
}

// downloadTimeout bounds one yt-dlp run end to end.
const downloadTimeout = 10 * time.Minute

// Runner runs the pipeline on an already-stored call. *pipeline.Pipeline
// satisfies it.
type Runner interface {
	ProcessFile(ctx context.Context, callID string) (*pipeline.Result, error)
}

// Service downloads and enqueues YouTube audio.
type Service struct {
	ytdlpPath string
	uploadDir string
	db        *store.Store
	run       func(callID string)
	log       *slog.Logger
}

// Option customises a [Service].
type Option func(*Service)

// WithBinary overrides the yt-dlp executable path.
func WithBinary(path string) Option {
	return func(s *Service) {
		if path != "" {
			s.ytdlpPath = path
		}
	}
}

// New creates a service storing downloads under uploadDir. runner is invoked
// in a background goroutine once the audio is on disk; pass nil to skip
// pipeline hand-off (tests).
func New(uploadDir string, db *store.Store, runner Runner, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		ytdlpPath: "yt-dlp",
		uploadDir: uploadDir,
		db:        db,
		log:       logger.With("component", "youtube"),
	}
	if runner != nil {
		s.run = func(callID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()
			if _, err := runner.ProcessFile(ctx, callID); err != nil {
				s.log.Error("background pipeline run failed", "call_id", callID, "error", err)
			}
		}
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ExtractVideoID pulls the 11-character video id out of url.
func ExtractVideoID(url string) (string, error) {
	for _, re := range videoIDRe {
		if m := re.FindStringSubmatch(url); m != nil {
			return m[1], nil
		}
	}
	return "", apperr.Validation("invalid YouTube URL %q", url)
}

// Accepted describes an ingested video whose pipeline run has started.
type Accepted struct {
	CallID  string `json:"call_id"`
	VideoID string `json:"video_id"`
	Title   string `json:"title"`
	Status  string `json:"status"`
}

// Process validates url, downloads the audio track, creates the call row,
// and kicks off the pipeline in the background. Returns as soon as the
// audio is stored.
func (s *Service) Process(ctx context.Context, url string) (*Accepted, error) {
	videoID, err := ExtractVideoID(url)
	if err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(s.ytdlpPath); err != nil {
		return nil, apperr.Unavailable("yt-dlp is not installed")
	}

	title := s.title(ctx, url)
	s.log.Info("ingesting YouTube video", "video_id", videoID, "title", title)

	callID := uuid.NewString()
	now := time.Now()
	dir := filepath.Join(s.uploadDir, now.Format("2006"), now.Format("01"), now.Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, err, "create upload directory")
	}
	audioPath := filepath.Join(dir, callID+".wav")

	if err := s.download(ctx, url, audioPath); err != nil {
		os.Remove(audioPath)
		return nil, err
	}

	fi, err := os.Stat(audioPath)
	if err != nil || fi.Size() == 0 {
		os.Remove(audioPath)
		return nil, apperr.Transient("yt-dlp produced no audio for %s", videoID)
	}

	call := &store.Call{
		CallID:           callID,
		FilePath:         audioPath,
		OriginalFilename: safeFilename(title) + ".wav",
		FileSizeBytes:    fi.Size(),
		Status:           store.StatusUploaded,
	}
	if err := s.db.CreateCall(call); err != nil {
		os.Remove(audioPath)
		return nil, err
	}

	if s.run != nil {
		go s.run(callID)
	}
	return &Accepted{CallID: callID, VideoID: videoID, Title: title, Status: "processing"}, nil
}

// title asks yt-dlp for the video title without downloading. Failures fall
// back to a generic name.
func (s *Service) title(ctx context.Context, url string) string {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, s.ytdlpPath,
		"--quiet", "--no-warnings", "--get-title", url).Output()
	if err != nil {
		return "YouTube Video"
	}
	t := strings.TrimSpace(string(out))
	if t == "" {
		return "YouTube Video"
	}
	return t
}

// download runs yt-dlp with an ffmpeg post-step that yields 16 kHz mono
// pcm_s16le WAV, the format the transcription server expects.
func (s *Service) download(ctx context.Context, url, outPath string) error {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	// yt-dlp appends the extension itself.
	tmpl := strings.TrimSuffix(outPath, ".wav") + ".%(ext)s"
	cmd := exec.CommandContext(ctx, s.ytdlpPath,
		"--quiet", "--no-warnings",
		"-f", "bestaudio/best",
		"-x", "--audio-format", "wav",
		"--audio-quality", "192",
		"--postprocessor-args", "ffmpeg:-ar 16000 -ac 1 -c:a pcm_s16le",
		"-o", tmpl,
		url,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		switch {
		case strings.Contains(msg, "403") || strings.Contains(msg, "Forbidden"):
			return apperr.Validation("YouTube blocked the download (HTTP 403); try a different video")
		case strings.Contains(msg, "400") || strings.Contains(msg, "Bad Request"):
			return apperr.Validation("YouTube rejected the download request (HTTP 400)")
		case ctx.Err() != nil:
			return apperr.Transient("yt-dlp timed out after %s", downloadTimeout)
		default:
			return apperr.Transient("yt-dlp failed: %s", firstLine(msg))
		}
	}
	return nil
}

// safeFilename keeps the title usable as an original_filename value.
func safeFilename(title string) string {
	title = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, title)
	title = strings.TrimSpace(title)
	if title == "" {
		return "youtube_video"
	}
	if len(title) > 120 {
		title = title[:120]
	}
	return title
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
