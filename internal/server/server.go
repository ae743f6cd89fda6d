// Package server assembles the HTTP surface: upload and pipeline routes,
// live microphone sessions, SSE streaming, model management, monitoring,
// and the probe endpoints. Handlers stay thin; domain logic lives in the
// packages they call into.
package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/transcriptai/transcriptai/internal/apperr"
	"github.com/transcriptai/transcriptai/internal/config"
	"github.com/transcriptai/transcriptai/internal/events"
	"github.com/transcriptai/transcriptai/internal/health"
	"github.com/transcriptai/transcriptai/internal/live"
	"github.com/transcriptai/transcriptai/internal/media"
	"github.com/transcriptai/transcriptai/internal/models"
	"github.com/transcriptai/transcriptai/internal/monitor"
	"github.com/transcriptai/transcriptai/internal/observe"
	"github.com/transcriptai/transcriptai/internal/pipeline"
	"github.com/transcriptai/transcriptai/internal/store"
	"github.com/transcriptai/transcriptai/internal/upload"
	"github.com/transcriptai/transcriptai/internal/youtube"
)

// Server wires the handlers to their collaborators.
type Server struct {
	cfg     config.Settings
	uploads *upload.Handler
	pipe    *pipeline.Pipeline
	live    *live.Manager
	models  *models.Manager
	yt      *youtube.Service
	mon     *monitor.Monitor
	db      *store.Store
	bus     *events.Bus
	probe   *media.Processor
	health  *health.Handler
	metrics *observe.Metrics
	log     *slog.Logger
}

// Deps bundles the collaborators for [New]. Probe and Metrics may be nil.
type Deps struct {
	Uploads *upload.Handler
	Pipe    *pipeline.Pipeline
	Live    *live.Manager
	Models  *models.Manager
	YouTube *youtube.Service
	Monitor *monitor.Monitor
	Store   *store.Store
	Bus     *events.Bus
	Probe   *media.Processor
	Health  *health.Handler
	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// New creates the server. Call [Server.Router] for the handler.
func New(cfg config.Settings, d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		uploads: d.Uploads,
		pipe:    d.Pipe,
		live:    d.Live,
		models:  d.Models,
		yt:      d.YouTube,
		mon:     d.Monitor,
		db:      d.Store,
		bus:     d.Bus,
		probe:   d.Probe,
		health:  d.Health,
		metrics: d.Metrics,
		log:     logger.With("component", "server"),
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if s.metrics != nil {
		r.Use(observe.GinMiddleware(s.metrics))
	}

	if s.health != nil {
		s.health.Register(r)
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	{
		if s.health != nil {
			api.GET("/health", s.health.Summary)
		}

		api.POST("/upload", s.handleUpload)
		api.GET("/calls/:call_id/status", s.handleCallStatus)
		api.GET("/calls/:call_id/audio", s.handleCallAudio)

		api.POST("/pipeline/upload", s.handlePipelineUpload)
		api.GET("/pipeline/results", s.handleListResults)
		api.GET("/pipeline/results/:id", s.handleResultDetail)
		api.DELETE("/pipeline/results/:id", s.handleDeleteResult)
		api.DELETE("/pipeline/results", s.handleClearResults)
		api.GET("/pipeline/results/:id/export", s.handleExport)
		api.POST("/pipeline/reanalyze/:id", s.handleReanalyze)

		api.GET("/transcription/stream", s.handleStream)

		api.POST("/live/start", s.handleLiveStart)
		api.POST("/live/chunk", s.handleLiveChunk)
		api.POST("/live/stop", s.handleLiveStop)

		api.GET("/models", s.handleListModels)
		api.POST("/models/download", s.handleModelDownload)
		api.POST("/models/select", s.handleModelSelect)

		api.GET("/monitor/active", s.handleMonitorActive)
		api.GET("/monitor/history", s.handleMonitorHistory)
		api.GET("/monitor/performance", s.handleMonitorPerformance)
		api.GET("/monitor/alerts", s.handleMonitorAlerts)

		api.POST("/youtube/process", s.handleYouTube)
	}
	return r
}

// fail maps the error taxonomy onto HTTP statuses and emits the uniform
// error body.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

var errMissingFile = errors.New("multipart field \"file\" is required")
