// Package monitor tracks pipeline executions in real time: an in-memory
// registry of active pipelines, a bounded history, per-stage latency and
// success statistics, and threshold-based alerts.
//
// Alerts are observational only. They are appended to a bounded ring for
// the API to expose and never block or fail a pipeline.
package monitor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	// historyCap bounds the completed-pipeline ring.
	historyCap = 1000

	// alertCap bounds the alert ring.
	alertCap = 100

	// windowCap bounds the per-stage rolling duration window.
	windowCap = 100

	maxStageSeconds    = 60
	maxPipelineSeconds = 300
	maxCPUPercent      = 90
	maxMemoryPercent   = 85
)

// TotalPipeline is the pseudo-stage name under which whole-pipeline
// durations are aggregated.
const TotalPipeline = "total_pipeline"

// StageRecord is the observed outcome of one stage within one pipeline.
type StageRecord struct {
	Status    string    `json:"status"`
	Duration  float64   `json:"duration_seconds"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PipelineRecord describes one pipeline, active or historical.
type PipelineRecord struct {
	CallID        string                 `json:"call_id"`
	Filename      string                 `json:"filename,omitempty"`
	StartTime     time.Time              `json:"start_time"`
	EndTime       *time.Time             `json:"end_time,omitempty"`
	TotalDuration float64                `json:"total_duration_seconds"`
	Status        string                 `json:"status"`
	FailedStep    string                 `json:"failed_step,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Stages        map[string]StageRecord `json:"stages"`
}

// Alert is one threshold violation.
type Alert struct {
	Type      string    `json:"type"`
	CallID    string    `json:"call_id,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// StageStats summarises one stage across recent pipelines.
type StageStats struct {
	Count       int       `json:"count"`
	AvgSeconds  float64   `json:"avg_seconds"`
	MinSeconds  float64   `json:"min_seconds"`
	MaxSeconds  float64   `json:"max_seconds"`
	SuccessRate float64   `json:"success_rate"`
	Recent      []float64 `json:"recent"`
}

// SystemMetrics is a point-in-time resource snapshot.
type SystemMetrics struct {
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryPercent     float64 `json:"memory_percent"`
	MemoryAvailableGB float64 `json:"memory_available_gb"`
	Error             string  `json:"error,omitempty"`
}

// PerformanceSummary is the aggregate view served by the monitor API.
type PerformanceSummary struct {
	Stages          map[string]StageStats `json:"stages"`
	System          SystemMetrics         `json:"system"`
	ActivePipelines int                   `json:"active_pipelines"`
	RecentAlerts    []Alert               `json:"recent_alerts"`
	Timestamp       time.Time             `json:"timestamp"`
}

type stageStat struct {
	durations []float64
	successes int
	errors    int
}

// systemProbe returns current CPU and memory usage. Replaced in tests.
type systemProbe func() SystemMetrics

// Monitor is safe for concurrent use.
type Monitor struct {
	log   *slog.Logger
	probe systemProbe

	mu      sync.Mutex
	active  map[string]*PipelineRecord
	history []PipelineRecord
	alerts  []Alert
	stats   map[string]*stageStat
}

// Option customises a [Monitor].
type Option func(*Monitor)

// WithSystemProbe replaces the gopsutil-backed resource probe.
func WithSystemProbe(probe func() SystemMetrics) Option {
	return func(m *Monitor) { m.probe = probe }
}

// New creates an empty monitor.
func New(logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		log:    logger.With("component", "monitor"),
		probe:  readSystemMetrics,
		active: map[string]*PipelineRecord{},
		stats:  map[string]*stageStat{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func readSystemMetrics() SystemMetrics {
	var sm SystemMetrics
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		sm.Error = "cpu probe failed"
	} else {
		sm.CPUPercent = percents[0]
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		sm.Error = "memory probe failed"
	} else {
		sm.MemoryPercent = vm.UsedPercent
		sm.MemoryAvailableGB = float64(vm.Available) / (1 << 30)
	}
	return sm
}

// StartPipeline registers a pipeline as active.
func (m *Monitor) StartPipeline(callID, filename string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[callID] = &PipelineRecord{
		CallID:    callID,
		Filename:  filename,
		StartTime: time.Now(),
		Status:    "running",
		Stages:    map[string]StageRecord{},
	}
}

// RecordStage records the outcome of one stage for an active pipeline and
// evaluates alert thresholds.
func (m *Monitor) RecordStage(callID, stage, status string, duration time.Duration, stageErr error) {
	seconds := duration.Seconds()
	errMsg := ""
	if stageErr != nil {
		errMsg = stageErr.Error()
	}

	m.mu.Lock()
	if rec, ok := m.active[callID]; ok {
		rec.Stages[stage] = StageRecord{
			Status:    status,
			Duration:  seconds,
			Error:     errMsg,
			Timestamp: time.Now(),
		}
	}

	st := m.stat(stage)
	st.durations = append(st.durations, seconds)
	if len(st.durations) > windowCap {
		st.durations = st.durations[1:]
	}
	if status == "completed" {
		st.successes++
	} else if status == "failed" {
		st.errors++
	}

	if seconds > maxStageSeconds {
		m.addAlertLocked(Alert{
			Type: "slow_operation", CallID: callID, Stage: stage,
			Value: seconds, Threshold: maxStageSeconds, Timestamp: time.Now(),
		})
	}
	m.mu.Unlock()

	m.checkSystem()
}

// CompletePipeline moves an active pipeline into history as completed.
func (m *Monitor) CompletePipeline(callID string) {
	m.finish(callID, "completed", "", nil)
}

// FailPipeline moves an active pipeline into history as failed, recording
// the stage that broke it.
func (m *Monitor) FailPipeline(callID, failedStep string, err error) {
	m.finish(callID, "failed", failedStep, err)
}

func (m *Monitor) finish(callID, status, failedStep string, err error) {
	m.mu.Lock()
	rec, ok := m.active[callID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.active, callID)

	now := time.Now()
	rec.EndTime = &now
	rec.TotalDuration = now.Sub(rec.StartTime).Seconds()
	rec.Status = status
	rec.FailedStep = failedStep
	if err != nil {
		rec.Error = err.Error()
	}

	m.history = append(m.history, *rec)
	if len(m.history) > historyCap {
		m.history = m.history[1:]
	}

	st := m.stat(TotalPipeline)
	st.durations = append(st.durations, rec.TotalDuration)
	if len(st.durations) > windowCap {
		st.durations = st.durations[1:]
	}
	if status == "completed" {
		st.successes++
	} else {
		st.errors++
	}

	if rec.TotalDuration > maxPipelineSeconds {
		m.addAlertLocked(Alert{
			Type: "slow_pipeline", CallID: callID,
			Value: rec.TotalDuration, Threshold: maxPipelineSeconds, Timestamp: now,
		})
	}
	m.mu.Unlock()

	if status == "failed" {
		m.log.Error("pipeline failed", "call_id", callID, "failed_step", failedStep, "error", err)
	} else {
		m.log.Info("pipeline completed", "call_id", callID, "duration_seconds", rec.TotalDuration)
	}
}

// checkSystem samples resource usage and raises alerts above thresholds.
func (m *Monitor) checkSystem() {
	sm := m.probe()
	if sm.Error != "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if sm.CPUPercent > maxCPUPercent {
		m.addAlertLocked(Alert{
			Type: "high_cpu", Value: sm.CPUPercent, Threshold: maxCPUPercent, Timestamp: time.Now(),
		})
	}
	if sm.MemoryPercent > maxMemoryPercent {
		m.addAlertLocked(Alert{
			Type: "high_memory", Value: sm.MemoryPercent, Threshold: maxMemoryPercent, Timestamp: time.Now(),
		})
	}
}

func (m *Monitor) addAlertLocked(a Alert) {
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > alertCap {
		m.alerts = m.alerts[1:]
	}
	m.log.Warn("pipeline alert",
		"type", a.Type, "call_id", a.CallID, "stage", a.Stage,
		"value", a.Value, "threshold", a.Threshold)
}

func (m *Monitor) stat(name string) *stageStat {
	st, ok := m.stats[name]
	if !ok {
		st = &stageStat{}
		m.stats[name] = st
	}
	return st
}

// Active returns a snapshot of currently running pipelines.
func (m *Monitor) Active() []PipelineRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PipelineRecord, 0, len(m.active))
	for _, rec := range m.active {
		cp := *rec
		cp.TotalDuration = time.Since(rec.StartTime).Seconds()
		cp.Stages = make(map[string]StageRecord, len(rec.Stages))
		for k, v := range rec.Stages {
			cp.Stages[k] = v
		}
		out = append(out, cp)
	}
	return out
}

// History returns up to limit most recent completed pipelines, newest last.
func (m *Monitor) History(limit int) []PipelineRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]PipelineRecord, limit)
	copy(out, m.history[len(m.history)-limit:])
	return out
}

// Alerts returns up to limit most recent alerts, newest last.
func (m *Monitor) Alerts(limit int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.alerts) {
		limit = len(m.alerts)
	}
	out := make([]Alert, limit)
	copy(out, m.alerts[len(m.alerts)-limit:])
	return out
}

// Summary aggregates per-stage statistics, current resource usage, the
// active count, and the last 10 alerts.
func (m *Monitor) Summary() PerformanceSummary {
	system := m.probe()

	m.mu.Lock()
	defer m.mu.Unlock()

	stages := make(map[string]StageStats, len(m.stats))
	for name, st := range m.stats {
		stats := StageStats{Count: len(st.durations)}
		if len(st.durations) > 0 {
			min, max, sum := st.durations[0], st.durations[0], 0.0
			for _, d := range st.durations {
				if d < min {
					min = d
				}
				if d > max {
					max = d
				}
				sum += d
			}
			stats.MinSeconds = min
			stats.MaxSeconds = max
			stats.AvgSeconds = sum / float64(len(st.durations))

			recent := st.durations
			if len(recent) > 10 {
				recent = recent[len(recent)-10:]
			}
			stats.Recent = append([]float64(nil), recent...)
		}
		if total := st.successes + st.errors; total > 0 {
			stats.SuccessRate = float64(st.successes) / float64(total)
		}
		stages[name] = stats
	}

	recentAlerts := m.alerts
	if len(recentAlerts) > 10 {
		recentAlerts = recentAlerts[len(recentAlerts)-10:]
	}

	return PerformanceSummary{
		Stages:          stages,
		System:          system,
		ActivePipelines: len(m.active),
		RecentAlerts:    append([]Alert(nil), recentAlerts...),
		Timestamp:       time.Now(),
	}
}
