// Package pipeline orchestrates the end-to-end processing of one audio
// file: upload, audio analysis, transcription, NLP analysis, and storage.
// Stages run strictly in sequence; each has its own timer, retry budget,
// and failure isolation. A failed stage marks the call failed and stops
// the run, leaving everything already persisted in place.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/transcriptai/transcriptai/internal/apperr"
	"github.com/transcriptai/transcriptai/internal/events"
	"github.com/transcriptai/transcriptai/internal/media"
	"github.com/transcriptai/transcriptai/internal/monitor"
	"github.com/transcriptai/transcriptai/internal/nlp"
	"github.com/transcriptai/transcriptai/internal/observe"
	"github.com/transcriptai/transcriptai/internal/resilience"
	"github.com/transcriptai/transcriptai/internal/store"
	"github.com/transcriptai/transcriptai/internal/transcribe"
	"github.com/transcriptai/transcriptai/internal/upload"
	"github.com/transcriptai/transcriptai/pkg/whispercpp"
)

// Stage names, in execution order.
const (
	StageUpload        = "upload"
	StageAudio         = "audio_processing"
	StageTranscription = "transcription"
	StageNLP           = "nlp_analysis"
	StageStorage       = "database_storage"
)

// Media is the audio collaborator. *media.Processor implements it.
type Media interface {
	Analyze(ctx context.Context, path string) (media.Info, error)
	Convert(ctx context.Context, path, outDir string) (string, error)
	ExtractSegment(ctx context.Context, path, outDir string, startSec, durSec float64) (string, error)
}

// Config holds the orchestrator's tunables.
type Config struct {
	// ProcessedDir receives transcoded WAV files.
	ProcessedDir string

	// TranscriptsDir receives per-call transcript JSON sidecars.
	TranscriptsDir string

	// Progressive enables chunked transcription with SSE partials. When
	// false the file is transcoded once and transcribed in a single shot.
	Progressive bool

	// ChunkSec and StrideSec parameterize chunked transcription.
	ChunkSec  float64
	StrideSec float64

	// ForceLanguage skips auto-detection when non-empty.
	ForceLanguage string
}

// Pipeline is the orchestrator. Safe for concurrent use; each run keeps its
// state on its own stack.
type Pipeline struct {
	cfg     Config
	uploads *upload.Handler
	media   Media
	client  whispercpp.Transcriber
	driver  *transcribe.Driver
	nlp     *nlp.Analyzer
	db      *store.Store
	bus     *events.Bus
	mon     *monitor.Monitor
	breaker *resilience.Breaker
	metrics *observe.Metrics
	log     *slog.Logger
}

// New wires an orchestrator. breaker and metrics may be nil.
func New(cfg Config, uploads *upload.Handler, m Media, client whispercpp.Transcriber,
	analyzer *nlp.Analyzer, db *store.Store, bus *events.Bus, mon *monitor.Monitor,
	breaker *resilience.Breaker, metrics *observe.Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:     cfg,
		uploads: uploads,
		media:   m,
		client:  client,
		driver:  transcribe.New(m, client, cfg.ProcessedDir, logger),
		nlp:     analyzer,
		db:      db,
		bus:     bus,
		mon:     mon,
		breaker: breaker,
		metrics: metrics,
		log:     logger.With("component", "pipeline"),
	}
}

// StageTiming is the recorded outcome of one stage.
type StageTiming struct {
	Status          string  `json:"status"`
	DurationSeconds float64 `json:"duration_seconds"`
	Error           string  `json:"error,omitempty"`
}

// Result summarises a completed run.
type Result struct {
	CallID          string                 `json:"call_id"`
	Status          string                 `json:"status"`
	Text            string                 `json:"text"`
	Language        string                 `json:"language"`
	DurationSeconds *float64               `json:"duration_seconds,omitempty"`
	Intent          string                 `json:"intent,omitempty"`
	Sentiment       string                 `json:"sentiment,omitempty"`
	EscalationRisk  string                 `json:"escalation_risk,omitempty"`
	Timings         map[string]StageTiming `json:"timings"`
}

// run-scoped state passed between stages.
type runState struct {
	callID    string
	filename  string
	audioPath string
	wavPath   string
	info      media.Info
	haveInfo  bool
	text      string
	language  string
	analysis  *nlp.Result
}

// ProcessUpload runs the full pipeline on an incoming upload stream. The
// call row exists with status failed if any stage after upload breaks.
func (p *Pipeline) ProcessUpload(ctx context.Context, body io.Reader, filename string) (*Result, error) {
	rs := &runState{filename: filename}
	res := &Result{Status: "completed", Timings: map[string]StageTiming{}}

	if p.metrics != nil {
		p.metrics.ActivePipelines.Add(ctx, 1)
		defer p.metrics.ActivePipelines.Add(ctx, -1)
	}

	if err := p.stage(ctx, rs, res, StageUpload, func(ctx context.Context) error {
		saved, err := p.uploads.Save(body, filename)
		if err != nil {
			return err
		}
		rs.callID = saved.CallID
		rs.audioPath = saved.FilePath
		res.CallID = saved.CallID
		p.mon.StartPipeline(saved.CallID, filename)
		if p.metrics != nil {
			p.metrics.UploadBytes.Add(ctx, saved.Size)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return p.resume(ctx, rs, res)
}

// ProcessFile runs every stage except upload on an already-stored call.
// Used for ingested files such as YouTube downloads.
func (p *Pipeline) ProcessFile(ctx context.Context, callID string) (*Result, error) {
	call, err := p.db.GetCall(callID)
	if err != nil {
		return nil, err
	}
	rs := &runState{callID: callID, filename: call.OriginalFilename, audioPath: call.FilePath}
	res := &Result{CallID: callID, Status: "completed", Timings: map[string]StageTiming{}}
	p.mon.StartPipeline(callID, call.OriginalFilename)

	if p.metrics != nil {
		p.metrics.ActivePipelines.Add(ctx, 1)
		defer p.metrics.ActivePipelines.Add(ctx, -1)
	}
	return p.resume(ctx, rs, res)
}

func (p *Pipeline) resume(ctx context.Context, rs *runState, res *Result) (*Result, error) {
	type namedStage struct {
		name string
		fn   func(context.Context) error
	}
	stages := []namedStage{
		{StageAudio, func(ctx context.Context) error { return p.stageAudio(ctx, rs) }},
		{StageTranscription, func(ctx context.Context) error { return p.stageTranscription(ctx, rs) }},
		{StageNLP, func(ctx context.Context) error { return p.stageNLP(rs) }},
		{StageStorage, func(ctx context.Context) error { return p.stageStorage(ctx, rs) }},
	}
	for _, st := range stages {
		if err := p.stage(ctx, rs, res, st.name, st.fn); err != nil {
			return nil, err
		}
	}

	p.mon.CompletePipeline(rs.callID)
	if p.metrics != nil {
		p.metrics.PipelineRuns.Add(ctx, 1,
			metric.WithAttributes(attribute.String("status", "completed")))
	}

	res.Text = rs.text
	res.Language = rs.language
	if rs.haveInfo && rs.info.DurationSec > 0 {
		d := rs.info.DurationSec
		res.DurationSeconds = &d
	}
	if rs.analysis != nil {
		res.Intent = rs.analysis.Intent
		res.Sentiment = rs.analysis.Sentiment
		res.EscalationRisk = rs.analysis.EscalationRisk
	}
	return res, nil
}

// stage times fn, records the outcome, and terminalizes the call on failure.
func (p *Pipeline) stage(ctx context.Context, rs *runState, res *Result, name string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	timing := StageTiming{Status: "completed", DurationSeconds: elapsed.Seconds()}
	status := "completed"
	if err != nil {
		status = "failed"
		timing.Status = "failed"
		timing.Error = err.Error()
	}
	res.Timings[name] = timing

	if rs.callID != "" {
		p.mon.RecordStage(rs.callID, name, status, elapsed, err)
	}
	if p.metrics != nil {
		p.metrics.RecordStage(ctx, name, elapsed.Seconds(), err == nil)
	}

	if err == nil {
		return nil
	}

	p.log.Error("pipeline stage failed",
		"call_id", rs.callID, "stage", name, "error", err)
	if rs.callID != "" {
		if dbErr := p.db.UpdateCallStatus(rs.callID, store.StatusFailed, err.Error()); dbErr != nil {
			p.log.Warn("failed to mark call failed", "call_id", rs.callID, "error", dbErr)
		}
		p.mon.FailPipeline(rs.callID, name, err)
	}
	if p.metrics != nil {
		p.metrics.PipelineRuns.Add(ctx, 1,
			metric.WithAttributes(attribute.String("status", "failed")))
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (p *Pipeline) stageAudio(ctx context.Context, rs *runState) error {
	if err := p.db.UpdateCallStatus(rs.callID, store.StatusProcessing, ""); err != nil {
		return err
	}
	err := resilience.Retry(ctx, "audio_analysis", 3, func(ctx context.Context) error {
		info, err := p.media.Analyze(ctx, rs.audioPath)
		if err != nil {
			return err
		}
		rs.info = info
		rs.haveInfo = true
		return nil
	})
	if err != nil {
		return err
	}
	if rs.info.DurationSec > 0 {
		if err := p.db.SetCallDuration(rs.callID, rs.info.DurationSec); err != nil {
			p.log.Warn("failed to set duration", "call_id", rs.callID, "error", err)
		}
	}
	return nil
}

func (p *Pipeline) stageTranscription(ctx context.Context, rs *runState) error {
	if err := p.db.UpdateCallStatus(rs.callID, store.StatusTranscribing, ""); err != nil {
		return err
	}
	if p.breaker != nil && !p.breaker.Allow() {
		return apperr.Unavailable("transcription server unavailable")
	}

	var err error
	if p.cfg.Progressive {
		err = p.transcribeChunked(ctx, rs)
	} else {
		err = p.transcribeSingleShot(ctx, rs)
	}

	if p.breaker != nil {
		if err != nil {
			p.breaker.RecordFailure()
		} else {
			p.breaker.RecordSuccess()
		}
	}
	if err != nil {
		return err
	}

	if err := p.writeSidecar(rs); err != nil {
		p.log.Warn("failed to write transcript sidecar", "call_id", rs.callID, "error", err)
	}
	return p.db.UpdateCallStatus(rs.callID, store.StatusTranscribed, "")
}

// transcribeChunked drives the window loop and republishes each partial on
// the event bus keyed by call id. No retries: partially emitted windows
// must not be replayed.
func (p *Pipeline) transcribeChunked(ctx context.Context, rs *runState) error {
	parts, done := p.driver.Stream(ctx, transcribe.Job{
		AudioPath: rs.audioPath,
		ChunkSec:  p.cfg.ChunkSec,
		StrideSec: p.cfg.StrideSec,
		Language:  p.cfg.ForceLanguage,
	})
	for part := range parts {
		p.bus.Publish(rs.callID, events.Event{Type: events.TypePartial, Data: map[string]any{
			"type":        "partial",
			"call_id":     rs.callID,
			"chunk_index": part.ChunkIndex,
			"start_sec":   part.StartSec,
			"end_sec":     part.EndSec,
			"text":        part.Text,
		}})
	}
	summary := <-done
	p.bus.Complete(rs.callID)

	if !summary.OK {
		return apperr.Transient("chunked transcription failed: %s", summary.Error)
	}
	rs.text = summary.Text
	rs.language = summary.Language
	return nil
}

func (p *Pipeline) transcribeSingleShot(ctx context.Context, rs *runState) error {
	wavPath := rs.audioPath
	if converted, err := p.media.Convert(ctx, rs.audioPath, p.cfg.ProcessedDir); err == nil {
		wavPath = converted
		rs.wavPath = converted
	} else {
		p.log.Warn("transcode before transcription failed, using original",
			"call_id", rs.callID, "error", err)
	}

	start := time.Now()
	err := resilience.Retry(ctx, "transcription", 3, func(ctx context.Context) error {
		res := p.client.Transcribe(ctx, wavPath, whispercpp.TranscribeOptions{
			Language: p.cfg.ForceLanguage,
		})
		if !res.OK {
			return apperr.Transient("inference failed: %s", res.Err)
		}
		rs.text = res.Text
		rs.language = res.Language
		return nil
	})
	if p.metrics != nil {
		p.metrics.TranscriptionDuration.Record(ctx, time.Since(start).Seconds())
	}
	return err
}

func (p *Pipeline) stageNLP(rs *runState) error {
	if rs.text == "" {
		p.log.Warn("empty transcript, skipping NLP analysis", "call_id", rs.callID)
		return nil
	}
	res := p.nlp.Analyze(rs.text)
	rs.analysis = &res
	return nil
}

func (p *Pipeline) stageStorage(ctx context.Context, rs *runState) error {
	if err := resilience.Retry(ctx, "transcript_storage", 3, func(context.Context) error {
		return p.db.SaveTranscript(rs.callID, rs.text, rs.language, transcriptConfidence(rs.text))
	}); err != nil {
		return err
	}

	if rs.analysis != nil {
		if err := resilience.Retry(ctx, "analysis_storage", 3, func(context.Context) error {
			return p.db.SaveAnalysis(rs.callID, *rs.analysis)
		}); err != nil {
			return err
		}
	}

	return resilience.Retry(ctx, "status_update", 3, func(context.Context) error {
		return p.db.UpdateCallStatus(rs.callID, store.StatusCompleted, "")
	})
}

// sidecar is the on-disk transcript JSON alongside the database row.
type sidecar struct {
	CallID    string    `json:"call_id"`
	Text      string    `json:"text"`
	Language  string    `json:"language"`
	Timestamp time.Time `json:"timestamp"`
}

func (p *Pipeline) writeSidecar(rs *runState) error {
	if p.cfg.TranscriptsDir == "" {
		return nil
	}
	now := time.Now()
	dir := filepath.Join(p.cfg.TranscriptsDir, now.Format("2006"), now.Format("01"), now.Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(sidecar{
		CallID:    rs.callID,
		Text:      rs.text,
		Language:  rs.language,
		Timestamp: now,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, rs.callID+"_transcript.json"), raw, 0o644)
}

// Reanalyze re-runs only the NLP stage on a stored transcript and appends a
// fresh analysis row.
func (p *Pipeline) Reanalyze(callID string) (*nlp.Result, error) {
	tr, err := p.db.GetTranscript(callID)
	if err != nil {
		return nil, err
	}
	if tr.Text == "" {
		return nil, apperr.Validation("call %s has an empty transcript", callID)
	}
	res := p.nlp.Analyze(tr.Text)
	if err := p.db.SaveAnalysis(callID, res); err != nil {
		return nil, err
	}
	p.log.Info("reanalysis stored", "call_id", callID, "intent", res.Intent)
	return &res, nil
}

// Delete cascades: files first, then rows. File removal problems never
// abort the row deletion.
func (p *Pipeline) Delete(callID string) error {
	call, err := p.db.GetCall(callID)
	if err != nil {
		return err
	}
	upload.RemoveArtifacts(call.FilePath, p.cfg.ProcessedDir)
	return p.db.DeleteCall(callID)
}

// ClearAll removes every stored call and its files.
func (p *Pipeline) ClearAll(uploadRoot string) error {
	if uploadRoot != "" {
		entries, err := os.ReadDir(uploadRoot)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			p.log.Warn("failed to enumerate upload root", "error", err)
		}
		for _, e := range entries {
			os.RemoveAll(filepath.Join(uploadRoot, e.Name()))
		}
	}
	return p.db.ClearAll()
}

// transcriptConfidence mirrors the fixed confidence recorded for local
// server output; there is no per-token probability in the response.
func transcriptConfidence(text string) int {
	if text == "" {
		return 0
	}
	return 80
}
