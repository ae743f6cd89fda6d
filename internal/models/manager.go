package models

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/transcriptai/transcriptai/internal/apperr"
	"github.com/transcriptai/transcriptai/internal/observe"
)

// ModelLoader hot-swaps the active model on the transcription server.
// Satisfied by [whispercpp.Client].
type ModelLoader interface {
	LoadModel(ctx context.Context, modelPath string) error
}

const (
	// maxConcurrentDownloads is the global cap across all models.
	maxConcurrentDownloads = 2

	// staleAfter is how long a downloading entry may go without a heartbeat
	// before reads normalize it to error.
	staleAfter = 15 * time.Minute

	// heartbeatInterval keeps updated_at fresh while progress is unknown.
	heartbeatInterval = 5 * time.Second

	// lockTimeout bounds per-model lock acquisition so a wedged worker
	// cannot deadlock the request path.
	lockTimeout = time.Second

	copyChunkSize = 1 << 20
)

// Manager owns the model catalog, the persisted job state, and the download
// workers. All methods are safe for concurrent use.
type Manager struct {
	catalog    []Spec
	modelsDir  string
	bundledDir string
	jobsPath   string
	prefPath   string
	loader     ModelLoader
	log        *slog.Logger
	metrics    *observe.Metrics
	httpc      *http.Client

	heartbeat time.Duration
	staleDur  time.Duration

	sem *semaphore.Weighted

	mu    sync.Mutex
	locks map[string]chan struct{}

	wg sync.WaitGroup
}

// ManagerOption customises a [Manager].
type ManagerOption func(*Manager)

// WithCatalog replaces the default model catalog.
func WithCatalog(catalog []Spec) ManagerOption {
	return func(m *Manager) { m.catalog = catalog }
}

// WithDownloadClient replaces the HTTP client used for downloads.
func WithDownloadClient(hc *http.Client) ManagerOption {
	return func(m *Manager) { m.httpc = hc }
}

// WithHeartbeat overrides the heartbeat interval and stale threshold.
func WithHeartbeat(interval, stale time.Duration) ManagerOption {
	return func(m *Manager) {
		m.heartbeat = interval
		m.staleDur = stale
	}
}

// WithBundledDir points at a read-only directory of models shipped with the
// desktop bundle. Bundled models count as downloaded.
func WithBundledDir(dir string) ManagerOption {
	return func(m *Manager) { m.bundledDir = dir }
}

// WithMetrics records download outcomes on the given instruments.
func WithMetrics(metrics *observe.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a manager persisting job state at jobsPath and the
// user's model preference at prefPath.
func NewManager(modelsDir, jobsPath, prefPath string, loader ModelLoader, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		catalog:   DefaultCatalog(),
		modelsDir: modelsDir,
		jobsPath:  jobsPath,
		prefPath:  prefPath,
		loader:    loader,
		log:       logger.With("component", "models"),
		httpc:     &http.Client{},
		heartbeat: heartbeatInterval,
		staleDur:  staleAfter,
		sem:       semaphore.NewWeighted(maxConcurrentDownloads),
		locks:     map[string]chan struct{}{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wait blocks until all in-flight download workers finish. Used on shutdown
// and in tests.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) spec(name string) (Spec, bool) {
	for _, s := range m.catalog {
		if s.Name == name {
			return s, true
		}
	}
	return Spec{}, false
}

// Path returns the on-disk location for a downloaded model, preferring the
// models directory over the bundled directory.
func (m *Manager) Path(name string) (string, bool) {
	s, ok := m.spec(name)
	if !ok {
		return "", false
	}
	p := filepath.Join(m.modelsDir, s.Filename())
	if fileExists(p) {
		return p, true
	}
	if m.bundledDir != "" {
		p = filepath.Join(m.bundledDir, s.Filename())
		if fileExists(p) {
			return p, true
		}
	}
	return "", false
}

func (m *Manager) cached(s Spec) bool {
	_, ok := m.Path(s.Name)
	return ok
}

// tryLock acquires the per-model lock, waiting at most lockTimeout.
func (m *Manager) tryLock(name string) bool {
	m.mu.Lock()
	ch, ok := m.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[name] = ch
	}
	m.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return true
	case <-time.After(lockTimeout):
		return false
	}
}

func (m *Manager) unlock(name string) {
	m.mu.Lock()
	ch := m.locks[name]
	m.mu.Unlock()
	<-ch
}

// markState rewrites one model's job record under the process-wide lock.
func (m *Manager) markState(name string, status Status, progress *float64, message, version string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := loadJobState(m.jobsPath, m.staleDur, time.Now())
	state[name] = jobRecord{
		Status:    status,
		Progress:  progress,
		Message:   message,
		Version:   version,
		UpdatedAt: time.Now().Format(time.RFC3339Nano),
	}
	if err := saveJobState(m.jobsPath, state); err != nil {
		m.log.Warn("failed to persist model job state", "error", err)
	}
}

func (m *Manager) jobState() map[string]jobRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return loadJobState(m.jobsPath, m.staleDur, time.Now())
}

// List reports every catalog model with on-disk presence overlaid on the
// persisted job record.
func (m *Manager) List() []Info {
	state := m.jobState()
	active := m.ActiveModel()

	infos := make([]Info, 0, len(m.catalog))
	for _, s := range m.catalog {
		rec := state[s.Name]
		cached := m.cached(s)

		info := Info{
			Name:      s.Name,
			SizeMB:    s.SizeMB,
			IsActive:  s.Name == active,
			Status:    rec.Status,
			Progress:  rec.Progress,
			Message:   rec.Message,
			Version:   rec.Version,
			UpdatedAt: rec.UpdatedAt,
		}
		if info.Status == "" {
			info.Status = StatusIdle
		}

		switch {
		case cached && rec.Version != "" && rec.Version != s.Version:
			info.Status = StatusNeedsUpdate
			info.Message = "Model cache outdated. Please re-download."
		case info.Status == StatusDownloading:
			// loadJobState already normalized stale entries.
		case info.Status == StatusError:
		case cached:
			info.Status = StatusDownloaded
			info.IsDownloaded = true
			one := 1.0
			info.Progress = &one
			if info.Version == "" {
				info.Version = s.Version
			}
		default:
			info.Status = StatusIdle
		}
		infos = append(infos, info)
	}
	return infos
}

// DownloadStatus is the immediate outcome of a download request.
type DownloadStatus string

const (
	// DownloadStarted means a background worker was scheduled.
	DownloadStarted DownloadStatus = "download_started"

	// AlreadyDownloaded means the model was cached and healthy.
	AlreadyDownloaded DownloadStatus = "downloaded"
)

// Download validates the model name and schedules a background download.
// Cached healthy models return [AlreadyDownloaded] without starting a
// worker. Conflicts (in-flight download for the same model, or global cap
// saturated) are reported as [apperr.KindConflict].
func (m *Manager) Download(name string) (DownloadStatus, error) {
	s, ok := m.spec(name)
	if !ok {
		return "", apperr.Validation("unknown model %q", name)
	}

	rec := m.jobState()[name]
	if rec.Status == StatusDownloading {
		return "", apperr.Conflict("download already in progress")
	}
	if m.cached(s) && rec.Status != StatusError && rec.Status != StatusNeedsUpdate {
		one := 1.0
		m.markState(name, StatusDownloaded, &one, "", s.Version)
		return AlreadyDownloaded, nil
	}

	if !m.sem.TryAcquire(1) {
		return "", apperr.Conflict("global download limit reached, please retry")
	}
	if !m.tryLock(name) {
		m.sem.Release(1)
		return "", apperr.Conflict("another download holds the model lock")
	}
	zero := 0.0
	m.markState(name, StatusDownloading, &zero, "", s.Version)
	m.unlock(name)

	m.wg.Add(1)
	go m.downloadWorker(s)
	return DownloadStarted, nil
}

// downloadWorker streams the model to a temp sibling and renames it into
// place. The global semaphore is released exactly once on every path.
func (m *Manager) downloadWorker(s Spec) {
	defer m.wg.Done()
	defer m.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), m.staleDur)
	defer cancel()

	done := make(chan struct{})
	heartbeatDone := make(chan struct{})
	var progress float64
	var progressMu sync.Mutex

	// Heartbeat so stale detection works even when progress is unknown.
	// It must fully stop before the terminal state is written so a late
	// tick cannot overwrite it.
	go func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(m.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				progressMu.Lock()
				p := progress
				progressMu.Unlock()
				m.markState(s.Name, StatusDownloading, &p, "", s.Version)
			}
		}
	}()

	err := m.fetch(ctx, s, func(written, total int64) {
		if total <= 0 {
			return
		}
		progressMu.Lock()
		progress = float64(written) / float64(total)
		progressMu.Unlock()
	})
	close(done)
	<-heartbeatDone

	status := "ok"
	if err != nil {
		status = "error"
		msg := "Download failed; please retry."
		if ctx.Err() != nil {
			msg = staleMessage
		}
		m.log.Error("model download failed", "model", s.Name, "error", err)
		m.markState(s.Name, StatusError, nil, msg, "")
	} else {
		one := 1.0
		m.markState(s.Name, StatusDownloaded, &one, "", s.Version)
		m.log.Info("model downloaded", "model", s.Name)
	}
	if m.metrics != nil {
		m.metrics.ModelDownloads.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("model", s.Name),
				attribute.String("status", status),
			))
	}
}

func (m *Manager) fetch(ctx context.Context, s Spec, onProgress func(written, total int64)) error {
	if err := os.MkdirAll(m.modelsDir, 0o755); err != nil {
		return err
	}
	final := filepath.Join(m.modelsDir, s.Filename())
	tmp := final + ".tmp"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return err
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s from model host", resp.Status)
	}

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	var written int64
	buf := make([]byte, copyChunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				os.Remove(tmp)
				return werr
			}
			written += int64(n)
			onProgress(written, resp.ContentLength)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			os.Remove(tmp)
			return rerr
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, final)
}

// preference is the persisted model selection.
type preference struct {
	ModelName string `json:"model_name"`
}

// ActiveModel returns the persisted selection, defaulting to "base".
func (m *Manager) ActiveModel() string {
	raw, err := os.ReadFile(m.prefPath)
	if err != nil {
		return "base"
	}
	var p preference
	if err := json.Unmarshal(raw, &p); err != nil || p.ModelName == "" {
		return "base"
	}
	return p.ModelName
}

// Select persists name as the preferred model and instructs the
// transcription server to hot-swap to it. The saved preference survives a
// failed hot-swap.
func (m *Manager) Select(ctx context.Context, name string) error {
	s, ok := m.spec(name)
	if !ok {
		return apperr.Validation("unknown model %q", name)
	}
	path, cached := m.Path(name)
	if !cached {
		return apperr.Validation("model not downloaded, please download first")
	}
	rec := m.jobState()[name]
	if rec.Status == StatusError || rec.Status == StatusNeedsUpdate {
		return apperr.Validation("model is unavailable, please re-download before selecting")
	}

	raw, err := json.Marshal(preference{ModelName: name})
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, err, "encode model preference")
	}
	tmp := m.prefPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return apperr.Wrap(apperr.KindFatal, err, "save model preference")
	}
	if err := os.Rename(tmp, m.prefPath); err != nil {
		return apperr.Wrap(apperr.KindFatal, err, "save model preference")
	}

	if err := m.loader.LoadModel(ctx, path); err != nil {
		return apperr.Wrap(apperr.KindUnavailable, err, "hot-swap model")
	}
	one := 1.0
	m.markState(name, StatusDownloaded, &one, "", s.Version)
	m.log.Info("active model changed", "model", name)
	return nil
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
