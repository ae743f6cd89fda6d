// Package live manages microphone capture sessions: ordered chunk intake
// over a stateless HTTP surface, progressive or batch-on-stop transcription,
// SSE partials, and finalization into persistent call records.
//
// Browser recorders emit a container header only in the first blob; chunk 0
// is therefore required to decode every later chunk. Progressive mode
// re-decodes header+chunk pairs and strips the chunk-0 baseline text so
// subscribers only see new words.
package live

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/google/uuid"

	"github.com/transcriptai/transcriptai/internal/apperr"
	"github.com/transcriptai/transcriptai/internal/events"
	"github.com/transcriptai/transcriptai/internal/media"
	"github.com/transcriptai/transcriptai/internal/nlp"
	"github.com/transcriptai/transcriptai/internal/store"
	"github.com/transcriptai/transcriptai/pkg/whispercpp"
)

const (
	// quiescenceWindow bounds the wait for in-flight pushes during stop.
	quiescenceWindow = 1500 * time.Millisecond

	// quiescencePoll is how often the chunk count is re-checked.
	quiescencePoll = 100 * time.Millisecond

	// baselineSimilarity is the Jaro-Winkler score above which a non-exact
	// chunk-0 baseline is still stripped from a merged transcription.
	baselineSimilarity = 0.88
)

// Transcriber is the inference dependency, satisfied by [whispercpp.Client].
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string, opts whispercpp.TranscribeOptions) whispercpp.Result
}

// Converter transcodes a container file to 16 kHz mono WAV and probes
// durations. Satisfied by [media.Processor].
type Converter interface {
	Convert(ctx context.Context, path, outDir string) (string, error)
	Analyze(ctx context.Context, path string) (media.Info, error)
}

// Persister is the slice of [store.Store] the finalizer needs.
type Persister interface {
	CreateCall(c *store.Call) error
	SaveTranscript(callID, text, language string, confidence int) error
	SaveAnalysis(callID string, res nlp.Result) error
	SetCallDuration(callID string, seconds float64) error
	UpdateCallStatus(callID, status, errorMessage string) error
}

type session struct {
	id      string
	dir     string
	created time.Time

	// mu serializes pushes and stop for this session; each session has a
	// single logical writer.
	mu       sync.Mutex
	chunks   []string
	partials []string
	baseline string
	stopped  bool
}

// Manager owns all live sessions in the process.
type Manager struct {
	root      string
	tr        Transcriber
	conv      Converter
	bus       *events.Bus
	db        Persister
	nlp       *nlp.Analyzer
	batchOnly bool
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// Config wires a [Manager].
type Config struct {
	// Root is the working directory for per-session chunk files.
	Root string

	// BatchOnly disables per-chunk transcription; everything happens on stop.
	BatchOnly bool
}

// NewManager creates a live session manager.
func NewManager(cfg Config, tr Transcriber, conv Converter, bus *events.Bus, db Persister, analyzer *nlp.Analyzer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		root:      cfg.Root,
		tr:        tr,
		conv:      conv,
		bus:       bus,
		db:        db,
		nlp:       analyzer,
		batchOnly: cfg.BatchOnly,
		log:       logger.With("component", "live"),
		sessions:  map[string]*session{},
	}
}

// Start opens a fresh session and returns its id.
func (m *Manager) Start() (string, error) {
	id := uuid.NewString()
	dir := filepath.Join(m.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperr.Wrap(apperr.KindFatal, err, "create session directory")
	}
	m.mu.Lock()
	m.sessions[id] = &session{id: id, dir: dir, created: time.Now()}
	m.mu.Unlock()
	m.log.Info("live session started", "session_id", id)
	return id, nil
}

func (m *Manager) get(id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperr.NotFound("session %s not found", id)
	}
	return s, nil
}

// Push appends one raw recorder chunk and, in progressive mode, transcribes
// it and publishes a partial event. The returned index is 0-based and
// monotonic. Transcode failures are acknowledged without a partial.
func (m *Manager) Push(ctx context.Context, sessionID string, body io.Reader, contentType, filename string) (int, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0, apperr.Conflict("session %s already stopped", sessionID)
	}

	idx := len(s.chunks)
	path := filepath.Join(s.dir, fmt.Sprintf("chunk_%04d%s", idx, chunkExt(contentType, filename)))
	f, err := os.Create(path)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindFatal, err, "store chunk")
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(path)
		return 0, apperr.Wrap(apperr.KindFatal, err, "store chunk")
	}
	if err := f.Close(); err != nil {
		return 0, apperr.Wrap(apperr.KindFatal, err, "store chunk")
	}

	s.chunks = append(s.chunks, path)
	s.partials = append(s.partials, "")

	if m.batchOnly {
		return idx, nil
	}
	m.transcribeChunkLocked(ctx, s, idx)
	return idx, nil
}

// transcribeChunkLocked handles one progressive chunk. Caller holds s.mu.
func (m *Manager) transcribeChunkLocked(ctx context.Context, s *session, idx int) {
	source := s.chunks[idx]
	cleanup := []string{}
	defer func() {
		for _, p := range cleanup {
			os.Remove(p)
		}
	}()

	if idx > 0 {
		// Headerless cluster: prepend chunk 0's container header.
		merged := filepath.Join(s.dir, fmt.Sprintf("merge_%04d%s", idx, filepath.Ext(s.chunks[0])))
		if err := concatFiles(merged, s.chunks[0], s.chunks[idx]); err != nil {
			m.log.Warn("chunk merge failed", "session_id", s.id, "chunk_index", idx, "error", err)
			return
		}
		cleanup = append(cleanup, merged)
		source = merged
	}

	wav, err := m.conv.Convert(ctx, source, s.dir)
	if err != nil {
		m.log.Warn("chunk transcode failed", "session_id", s.id, "chunk_index", idx, "error", err)
		return
	}
	if idx > 0 {
		cleanup = append(cleanup, wav)
	}

	res := m.tr.Transcribe(ctx, wav, whispercpp.TranscribeOptions{})
	if !res.OK {
		m.log.Warn("chunk transcription failed", "session_id", s.id, "chunk_index", idx, "error", res.Err)
		return
	}
	full := strings.TrimSpace(res.Text)

	text := full
	if idx == 0 {
		s.baseline = full
	} else {
		text = stripBaseline(full, s.baseline)
	}
	s.partials[idx] = text

	m.bus.Publish(s.id, events.Event{Type: events.TypePartial, Data: map[string]any{
		"type":        "partial",
		"call_id":     s.id,
		"chunk_index": idx,
		"text":        text,
	}})
	m.log.Info("chunk transcribed",
		"session_id", s.id, "chunk_index", idx,
		"full_len", len(full), "emit_len", len(text))
}

// stripBaseline removes the chunk-0 text from a merged transcription so only
// new words are emitted. When the baseline is not an exact prefix (the
// decoder may re-tokenize across the header boundary), a near-match by
// Jaro-Winkler similarity still strips it; otherwise the full text is
// returned and the client may see a duplicated span.
func stripBaseline(full, baseline string) string {
	if baseline == "" {
		return full
	}
	if strings.HasPrefix(full, baseline) {
		return strings.TrimSpace(full[len(baseline):])
	}
	words := strings.Fields(full)
	baseWords := strings.Fields(baseline)
	if len(words) >= len(baseWords) && len(baseWords) > 0 {
		prefix := strings.Join(words[:len(baseWords)], " ")
		if matchr.JaroWinkler(strings.ToLower(prefix), strings.ToLower(baseline), true) >= baselineSimilarity {
			return strings.Join(words[len(baseWords):], " ")
		}
	}
	return full
}

// StopResult is the outcome of finalizing a session.
type StopResult struct {
	SessionID       string   `json:"session_id"`
	CallID          string   `json:"call_id"`
	FinalText       string   `json:"final_text"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
	ChunkCount      int      `json:"chunks_count"`
}

// Stop finalizes the session: in batch-only mode it concatenates and
// transcribes everything now; in progressive mode it joins the recorded
// partials. Either way the result is persisted as a completed call (the
// session id doubles as the call id) before Stop returns, and a complete
// event is published for any subscribers.
func (m *Manager) Stop(ctx context.Context, sessionID string) (*StopResult, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}

	m.quiesce(s)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, apperr.Conflict("session %s already stopped", sessionID)
	}
	s.stopped = true

	defer func() {
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
	}()

	if len(s.chunks) == 0 {
		m.bus.Complete(sessionID)
		return &StopResult{SessionID: sessionID, CallID: sessionID}, nil
	}

	combined := filepath.Join(s.dir, "combined"+filepath.Ext(s.chunks[0]))
	if err := concatFiles(combined, s.chunks...); err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, err, "concatenate chunks")
	}

	audioPath := combined
	language := ""
	var finalText string

	if wav, err := m.conv.Convert(ctx, combined, s.dir); err == nil {
		audioPath = wav
	} else {
		m.log.Error("combined transcode failed", "session_id", sessionID, "error", err)
	}

	if m.batchOnly {
		res := m.tr.Transcribe(ctx, audioPath, whispercpp.TranscribeOptions{})
		if res.OK {
			finalText = strings.TrimSpace(res.Text)
			language = res.Language
		} else {
			m.log.Error("batch transcription failed", "session_id", sessionID, "error", res.Err)
		}
	} else {
		parts := make([]string, 0, len(s.partials))
		for _, p := range s.partials {
			if p != "" {
				parts = append(parts, p)
			}
		}
		finalText = strings.Join(parts, " ")
	}

	out := &StopResult{
		SessionID:  sessionID,
		CallID:     sessionID,
		FinalText:  finalText,
		ChunkCount: len(s.chunks),
	}
	m.persist(ctx, s, audioPath, finalText, language, out)

	m.bus.Complete(sessionID)
	m.log.Info("live session stopped",
		"session_id", sessionID, "chunks", len(s.chunks), "final_len", len(finalText))
	return out, nil
}

// persist creates the call, transcript, and analysis rows. Persistence
// problems degrade the record rather than failing the stop response.
func (m *Manager) persist(ctx context.Context, s *session, audioPath, finalText, language string, out *StopResult) {
	var size int64
	if st, err := os.Stat(audioPath); err == nil {
		size = st.Size()
	}
	call := &store.Call{
		CallID:           s.id,
		FilePath:         audioPath,
		OriginalFilename: fmt.Sprintf("live_mic_%s.wav", s.id),
		FileSizeBytes:    size,
		Status:           store.StatusUploaded,
	}
	if err := m.db.CreateCall(call); err != nil {
		m.log.Warn("failed to create call record", "session_id", s.id, "error", err)
		return
	}

	if err := m.db.SaveTranscript(s.id, finalText, language, confidenceFor(finalText)); err != nil {
		m.log.Warn("failed to store transcript", "session_id", s.id, "error", err)
	}

	if finalText != "" && m.nlp != nil {
		res := m.nlp.Analyze(finalText)
		if err := m.db.SaveAnalysis(s.id, res); err != nil {
			m.log.Warn("failed to store analysis", "session_id", s.id, "error", err)
		}
	}

	if info, err := m.conv.Analyze(ctx, audioPath); err == nil && info.DurationSec > 0 {
		d := info.DurationSec
		out.DurationSeconds = &d
		if err := m.db.SetCallDuration(s.id, d); err != nil {
			m.log.Warn("failed to set duration", "session_id", s.id, "error", err)
		}
	}

	if err := m.db.UpdateCallStatus(s.id, store.StatusCompleted, ""); err != nil {
		m.log.Warn("failed to mark call completed", "session_id", s.id, "error", err)
	}
}

// quiesce waits for in-flight pushes to settle: the chunk count must hold
// still for one poll interval, bounded by the quiescence window.
func (m *Manager) quiesce(s *session) {
	deadline := time.Now().Add(quiescenceWindow)
	last := m.chunkCount(s)
	for time.Now().Before(deadline) {
		time.Sleep(quiescencePoll)
		cur := m.chunkCount(s)
		if cur == last {
			return
		}
		last = cur
	}
}

func (m *Manager) chunkCount(s *session) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// confidenceFor mirrors the heuristic used for uploaded calls: a non-empty
// transcript from the local server is stored with fixed confidence.
func confidenceFor(text string) int {
	if text == "" {
		return 0
	}
	return 80
}

func chunkExt(contentType, filename string) string {
	if ext := filepath.Ext(filename); ext != "" {
		return ext
	}
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			switch mt {
			case "audio/webm", "video/webm":
				return ".webm"
			case "audio/ogg":
				return ".ogg"
			case "audio/wav", "audio/x-wav":
				return ".wav"
			}
		}
	}
	return ".webm"
}

func concatFiles(dst string, srcs ...string) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	for _, src := range srcs {
		in, err := os.Open(src)
		if err != nil {
			out.Close()
			return err
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			return err
		}
	}
	return out.Close()
}
