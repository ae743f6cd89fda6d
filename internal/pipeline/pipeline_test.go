package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/transcriptai/transcriptai/internal/apperr"
	"github.com/transcriptai/transcriptai/internal/events"
	"github.com/transcriptai/transcriptai/internal/media"
	"github.com/transcriptai/transcriptai/internal/monitor"
	"github.com/transcriptai/transcriptai/internal/nlp"
	"github.com/transcriptai/transcriptai/internal/store"
	"github.com/transcriptai/transcriptai/internal/upload"
	"github.com/transcriptai/transcriptai/pkg/whispercpp"
)

// fakeMedia copies input bytes through conversions so the fake transcriber
// can answer by content.
type fakeMedia struct {
	duration    float64
	analyzeErr  error
	convertErr  error
	analyzeHits int
}

func (f *fakeMedia) Analyze(ctx context.Context, path string) (media.Info, error) {
	f.analyzeHits++
	if f.analyzeErr != nil {
		return media.Info{}, f.analyzeErr
	}
	return media.Info{DurationSec: f.duration, Format: "wav", SampleRate: 16000, Channels: 1}, nil
}

func (f *fakeMedia) Convert(ctx context.Context, path, outDir string) (string, error) {
	if f.convertErr != nil {
		return "", f.convertErr
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	out := filepath.Join(outDir, base+"_converted.wav")
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return "", err
	}
	return out, nil
}

func (f *fakeMedia) ExtractSegment(ctx context.Context, path, outDir string, startSec, durSec float64) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	out := filepath.Join(outDir, fmt.Sprintf("seg_%.1f.wav", startSec))
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return "", err
	}
	return out, nil
}

// scriptedTranscriber answers by file content, optionally failing the first
// n calls.
type scriptedTranscriber struct {
	byContent map[string]string
	failFirst int
	calls     int
}

func (s *scriptedTranscriber) Transcribe(ctx context.Context, audioPath string, opts whispercpp.TranscribeOptions) whispercpp.Result {
	s.calls++
	if s.calls <= s.failFirst {
		return whispercpp.Result{Err: "connection refused"}
	}
	data, err := os.ReadFile(audioPath)
	if err != nil {
		return whispercpp.Result{Err: err.Error()}
	}
	text, ok := s.byContent[string(data)]
	if !ok {
		return whispercpp.Result{Err: "no scripted answer"}
	}
	return whispercpp.Result{OK: true, Text: text, Language: "en"}
}

func (s *scriptedTranscriber) LoadModel(ctx context.Context, modelPath string) error { return nil }

func (s *scriptedTranscriber) Health(ctx context.Context) whispercpp.Status {
	return whispercpp.StatusReady
}

func (s *scriptedTranscriber) EnsureReady(ctx context.Context, timeout time.Duration) bool {
	return true
}

func quietProbe() monitor.SystemMetrics { return monitor.SystemMetrics{} }

type fixture struct {
	p   *Pipeline
	db  *store.Store
	bus *events.Bus
	mon *monitor.Monitor
	cfg Config
}

func newFixture(t *testing.T, progressive bool, m *fakeMedia, tr whispercpp.Transcriber) *fixture {
	t.Helper()
	db, err := store.OpenSQLite(":memory:", nil)
	if err != nil {
		t.Fatal(err)
	}
	root := t.TempDir()
	cfg := Config{
		ProcessedDir:   filepath.Join(root, "processed"),
		TranscriptsDir: filepath.Join(root, "transcripts"),
		Progressive:    progressive,
		ChunkSec:       30,
		StrideSec:      5,
	}
	if err := os.MkdirAll(cfg.ProcessedDir, 0o755); err != nil {
		t.Fatal(err)
	}
	bus := events.New(nil)
	mon := monitor.New(nil, monitor.WithSystemProbe(quietProbe))
	uploads := upload.NewHandler(filepath.Join(root, "uploads"), 1<<20, db, nil)
	p := New(cfg, uploads, m, tr, nlp.New(nil), db, bus, mon, nil, nil, nil)
	return &fixture{p: p, db: db, bus: bus, mon: mon, cfg: cfg}
}

func TestProcessUploadHappyPath(t *testing.T) {
	tr := &scriptedTranscriber{byContent: map[string]string{
		"audio-bytes": "I want to cancel my subscription immediately",
	}}
	f := newFixture(t, false, &fakeMedia{duration: 12.5}, tr)

	res, err := f.p.ProcessUpload(context.Background(), strings.NewReader("audio-bytes"), "complaint.wav")
	if err != nil {
		t.Fatalf("ProcessUpload() = %v", err)
	}
	if res.Status != "completed" {
		t.Errorf("status = %q, want completed", res.Status)
	}
	if res.Text != "I want to cancel my subscription immediately" {
		t.Errorf("text = %q", res.Text)
	}
	if res.DurationSeconds == nil || *res.DurationSeconds != 12.5 {
		t.Errorf("duration = %v, want 12.5", res.DurationSeconds)
	}
	if res.Intent == "" || res.Sentiment == "" {
		t.Errorf("analysis missing from result: %+v", res)
	}
	for _, stage := range []string{StageUpload, StageAudio, StageTranscription, StageNLP, StageStorage} {
		tm, ok := res.Timings[stage]
		if !ok || tm.Status != "completed" {
			t.Errorf("stage %s timing = %+v", stage, tm)
		}
	}

	call, err := f.db.GetCall(res.CallID)
	if err != nil {
		t.Fatalf("call row missing: %v", err)
	}
	if call.Status != store.StatusCompleted {
		t.Errorf("call status = %q, want completed", call.Status)
	}
	if call.DurationSeconds == nil || *call.DurationSeconds != 12.5 {
		t.Errorf("stored duration = %v", call.DurationSeconds)
	}
	trRow, err := f.db.GetTranscript(res.CallID)
	if err != nil {
		t.Fatal(err)
	}
	if trRow.Confidence != 80 {
		t.Errorf("confidence = %d, want 80", trRow.Confidence)
	}
	if an, err := f.db.LatestAnalysis(res.CallID); err != nil || an == nil {
		t.Errorf("analysis row missing: %v", err)
	}
}

func TestProcessUploadWritesSidecar(t *testing.T) {
	tr := &scriptedTranscriber{byContent: map[string]string{"x": "some words"}}
	f := newFixture(t, false, &fakeMedia{duration: 1}, tr)

	res, err := f.p.ProcessUpload(context.Background(), strings.NewReader("x"), "a.wav")
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	path := filepath.Join(f.cfg.TranscriptsDir,
		now.Format("2006"), now.Format("01"), now.Format("02"),
		res.CallID+"_transcript.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}
	var sc sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		t.Fatal(err)
	}
	if sc.CallID != res.CallID || sc.Text != "some words" || sc.Language != "en" {
		t.Errorf("sidecar = %+v", sc)
	}
}

func TestProcessUploadRetriesTranscription(t *testing.T) {
	tr := &scriptedTranscriber{
		byContent: map[string]string{"x": "recovered"},
		failFirst: 2,
	}
	f := newFixture(t, false, &fakeMedia{duration: 1}, tr)

	res, err := f.p.ProcessUpload(context.Background(), strings.NewReader("x"), "a.wav")
	if err != nil {
		t.Fatalf("ProcessUpload() = %v", err)
	}
	if res.Text != "recovered" {
		t.Errorf("text = %q", res.Text)
	}
	if tr.calls != 3 {
		t.Errorf("transcriber calls = %d, want 3", tr.calls)
	}
}

func TestProcessUploadTranscriptionExhaustsRetries(t *testing.T) {
	tr := &scriptedTranscriber{failFirst: 100}
	f := newFixture(t, false, &fakeMedia{duration: 1}, tr)

	_, err := f.p.ProcessUpload(context.Background(), strings.NewReader("x"), "a.wav")
	if err == nil {
		t.Fatal("ProcessUpload() = nil, want error")
	}
	if !strings.Contains(err.Error(), StageTranscription) {
		t.Errorf("error = %v, want transcription stage", err)
	}

	calls, _, err := f.db.ListResults(store.Query{})
	if err != nil || len(calls) != 1 {
		t.Fatalf("calls = %v, %v", calls, err)
	}
	if calls[0].Status != store.StatusFailed {
		t.Errorf("call status = %q, want failed", calls[0].Status)
	}
	hist := f.mon.History(10)
	if len(hist) != 1 || hist[0].FailedStep != StageTranscription {
		t.Errorf("history = %+v, want failed transcription record", hist)
	}
}

func TestProcessUploadAudioAnalysisRetries(t *testing.T) {
	m := &fakeMedia{analyzeErr: errors.New("ffprobe not found")}
	f := newFixture(t, false, m, &scriptedTranscriber{})

	_, err := f.p.ProcessUpload(context.Background(), strings.NewReader("x"), "a.wav")
	if err == nil {
		t.Fatal("ProcessUpload() = nil, want error")
	}
	if m.analyzeHits != 3 {
		t.Errorf("analyze attempts = %d, want 3", m.analyzeHits)
	}
}

func TestProcessUploadEmptyTranscriptSkipsNLP(t *testing.T) {
	tr := &scriptedTranscriber{byContent: map[string]string{"x": ""}}
	f := newFixture(t, false, &fakeMedia{duration: 1}, tr)

	res, err := f.p.ProcessUpload(context.Background(), strings.NewReader("x"), "a.wav")
	if err != nil {
		t.Fatalf("ProcessUpload() = %v", err)
	}
	if res.Intent != "" || res.Sentiment != "" {
		t.Errorf("analysis should be absent: %+v", res)
	}
	trRow, err := f.db.GetTranscript(res.CallID)
	if err != nil {
		t.Fatal(err)
	}
	if trRow.Confidence != 0 {
		t.Errorf("confidence = %d, want 0 for empty text", trRow.Confidence)
	}
	if an, _ := f.db.LatestAnalysis(res.CallID); an != nil {
		t.Errorf("analysis row = %+v, want none", an)
	}
	call, _ := f.db.GetCall(res.CallID)
	if call.Status != store.StatusCompleted {
		t.Errorf("status = %q, want completed", call.Status)
	}
}

func TestProcessUploadRejectsBadFilename(t *testing.T) {
	f := newFixture(t, false, &fakeMedia{}, &scriptedTranscriber{})
	_, err := f.p.ProcessUpload(context.Background(), strings.NewReader("x"), "notes.txt")
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("ProcessUpload(bad ext) = %v, want validation error", err)
	}
	calls, _, _ := f.db.ListResults(store.Query{})
	if len(calls) != 0 {
		t.Errorf("rejected upload must not create a call row, got %d", len(calls))
	}
}

func TestProgressivePublishesPartialsAndComplete(t *testing.T) {
	// A 12 second file with 10 second chunks produces two windows; the
	// fake extractor hands the same bytes to both, so both windows answer.
	tr := &scriptedTranscriber{byContent: map[string]string{"x": "chunk words"}}
	f := newFixture(t, true, &fakeMedia{duration: 12}, tr)
	f.p.cfg.ChunkSec = 10
	f.p.cfg.StrideSec = 0

	res, err := f.p.ProcessUpload(context.Background(), strings.NewReader("x"), "a.wav")
	if err != nil {
		t.Fatalf("ProcessUpload() = %v", err)
	}
	if res.Text == "" {
		t.Error("combined text is empty")
	}

	// The ring replays everything for a late subscriber.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var partials int
	var sawComplete bool
	for ev := range f.bus.Subscribe(ctx, res.CallID) {
		switch ev.Type {
		case events.TypePartial:
			partials++
			data := ev.Data.(map[string]any)
			if data["call_id"] != res.CallID {
				t.Errorf("partial call_id = %v", data["call_id"])
			}
		case events.TypeComplete:
			sawComplete = true
		}
	}
	if partials < 2 {
		t.Errorf("partials = %d, want >= 2", partials)
	}
	if !sawComplete {
		t.Error("no complete event published")
	}
}

func TestReanalyze(t *testing.T) {
	tr := &scriptedTranscriber{byContent: map[string]string{"x": "this is terrible and I am furious"}}
	f := newFixture(t, false, &fakeMedia{duration: 1}, tr)

	res, err := f.p.ProcessUpload(context.Background(), strings.NewReader("x"), "a.wav")
	if err != nil {
		t.Fatal(err)
	}

	out, err := f.p.Reanalyze(res.CallID)
	if err != nil {
		t.Fatalf("Reanalyze() = %v", err)
	}
	if out.Sentiment == "" {
		t.Errorf("reanalysis = %+v", out)
	}
	if _, err := f.p.Reanalyze("missing"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("Reanalyze(missing) = %v, want not_found", err)
	}
}

func TestDeleteRemovesRowsAndFiles(t *testing.T) {
	tr := &scriptedTranscriber{byContent: map[string]string{"x": "words"}}
	f := newFixture(t, false, &fakeMedia{duration: 1}, tr)

	res, err := f.p.ProcessUpload(context.Background(), strings.NewReader("x"), "a.wav")
	if err != nil {
		t.Fatal(err)
	}
	call, _ := f.db.GetCall(res.CallID)

	if err := f.p.Delete(res.CallID); err != nil {
		t.Fatalf("Delete() = %v", err)
	}
	if _, err := f.db.GetCall(res.CallID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Error("call row survived deletion")
	}
	if _, err := os.Stat(call.FilePath); !os.IsNotExist(err) {
		t.Error("audio file survived deletion")
	}
	// The converted derivative is gone too.
	matches, _ := filepath.Glob(filepath.Join(f.cfg.ProcessedDir, res.CallID+"*"))
	if len(matches) != 0 {
		t.Errorf("processed derivatives survived: %v", matches)
	}
}

func TestMonitorRecordsCompletedPipeline(t *testing.T) {
	tr := &scriptedTranscriber{byContent: map[string]string{"x": "fine"}}
	f := newFixture(t, false, &fakeMedia{duration: 1}, tr)

	res, err := f.p.ProcessUpload(context.Background(), strings.NewReader("x"), "a.wav")
	if err != nil {
		t.Fatal(err)
	}
	hist := f.mon.History(10)
	if len(hist) != 1 {
		t.Fatalf("history = %d entries, want 1", len(hist))
	}
	rec := hist[0]
	if rec.CallID != res.CallID || rec.Status != "completed" {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.Stages) != 5 {
		t.Errorf("stages recorded = %d, want 5", len(rec.Stages))
	}
	if len(f.mon.Active()) != 0 {
		t.Error("pipeline still listed as active after completion")
	}
}
