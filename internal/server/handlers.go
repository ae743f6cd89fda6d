package server

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/transcriptai/transcriptai/internal/apperr"
	"github.com/transcriptai/transcriptai/internal/events"
	"github.com/transcriptai/transcriptai/internal/export"
	"github.com/transcriptai/transcriptai/internal/store"
)

// handleUpload stores the file and probes its duration without running the
// pipeline. The caller polls /calls/{id}/status afterwards.
func (s *Server) handleUpload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		s.fail(c, apperr.Validation("%s", errMissingFile))
		return
	}
	defer file.Close()

	saved, err := s.uploads.Save(file, header.Filename)
	if err != nil {
		s.fail(c, err)
		return
	}

	var duration *float64
	if s.probe != nil {
		if info, err := s.probe.Analyze(c.Request.Context(), saved.FilePath); err == nil && info.DurationSec > 0 {
			duration = &info.DurationSec
			if err := s.db.SetCallDuration(saved.CallID, info.DurationSec); err != nil {
				s.log.Warn("failed to store duration", "call_id", saved.CallID, "error", err)
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"call_id":          saved.CallID,
		"filename":         header.Filename,
		"file_size_bytes":  saved.Size,
		"duration_seconds": duration,
		"status":           store.StatusUploaded,
	})
}

func (s *Server) handleCallStatus(c *gin.Context) {
	call, err := s.db.GetCall(c.Param("call_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	body := gin.H{
		"call_id":    call.CallID,
		"status":     call.Status,
		"created_at": call.CreatedAt,
		"updated_at": call.UpdatedAt,
	}
	if call.ErrorMessage != "" {
		body["error_message"] = call.ErrorMessage
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleCallAudio(c *gin.Context) {
	call, err := s.db.GetCall(c.Param("call_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.FileAttachment(call.FilePath, call.OriginalFilename)
}

// handlePipelineUpload runs the full pipeline synchronously and returns the
// finished result.
func (s *Server) handlePipelineUpload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		s.fail(c, apperr.Validation("%s", errMissingFile))
		return
	}
	defer file.Close()

	res, err := s.pipe.ProcessUpload(c.Request.Context(), file, header.Filename)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleListResults(c *gin.Context) {
	q := store.Query{
		Status:    c.Query("status"),
		Sort:      c.Query("sort"),
		Direction: c.Query("direction"),
	}
	if v := c.Query("date_from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.fail(c, apperr.Validation("date_from: invalid RFC 3339 timestamp"))
			return
		}
		q.DateFrom = &ts
	}
	if v := c.Query("date_to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.fail(c, apperr.Validation("date_to: invalid RFC 3339 timestamp"))
			return
		}
		q.DateTo = &ts
	}
	q.Limit = intQuery(c, "limit", 50)
	q.Offset = intQuery(c, "offset", 0)

	results, total, err := s.db.ListResults(q)
	if err != nil {
		s.fail(c, err)
		return
	}
	page := 1
	if q.Limit > 0 {
		page = q.Offset/q.Limit + 1
	}
	c.JSON(http.StatusOK, gin.H{
		"results":   results,
		"total":     total,
		"page":      page,
		"page_size": q.Limit,
	})
}

func (s *Server) handleResultDetail(c *gin.Context) {
	res, err := s.db.ResultDetail(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleDeleteResult(c *gin.Context) {
	id := c.Param("id")
	if err := s.pipe.Delete(id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) handleClearResults(c *gin.Context) {
	if err := s.pipe.ClearAll(s.cfg.UploadDir()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

func (s *Server) handleExport(c *gin.Context) {
	id := c.Param("id")
	call, err := s.db.GetCall(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	tr, err := s.db.GetTranscript(id)
	if err != nil {
		s.fail(c, err)
		return
	}

	doc, err := export.Render(c.DefaultQuery("format", "txt"), tr.Text, c.Query("title"), call.OriginalFilename)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+doc.Filename+`"`)
	c.Data(http.StatusOK, doc.ContentType, doc.Content)
}

func (s *Server) handleReanalyze(c *gin.Context) {
	res, err := s.pipe.Reanalyze(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": c.Param("id"), "analysis": res})
}

// handleStream is the SSE subscription endpoint. Every subscriber gets an
// initial ping, then the replayed ring, then live events until complete.
func (s *Server) handleStream(c *gin.Context) {
	if !s.cfg.LiveTranscription {
		s.fail(c, apperr.NotFound("live transcription is disabled"))
		return
	}
	callID := c.Query("call_id")
	if callID == "" {
		s.fail(c, apperr.Validation("call_id query parameter is required"))
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	sub := s.bus.Subscribe(ctx, callID)

	write := func(frame string) bool {
		if _, err := io.WriteString(c.Writer, frame); err != nil {
			return false
		}
		c.Writer.Flush()
		return true
	}
	if !write(events.Format(events.TypePing, gin.H{})) {
		return
	}
	for ev := range sub {
		if !write(events.Format(ev.Type, ev.Data)) {
			return
		}
		if ev.Type == events.TypeComplete {
			return
		}
	}
}

func (s *Server) handleLiveStart(c *gin.Context) {
	if !s.cfg.LiveMic {
		s.fail(c, apperr.NotFound("live microphone is disabled"))
		return
	}
	id, err := s.live.Start()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id})
}

func (s *Server) handleLiveChunk(c *gin.Context) {
	if !s.cfg.LiveMic {
		s.fail(c, apperr.NotFound("live microphone is disabled"))
		return
	}
	sessionID := c.Query("session_id")
	if sessionID == "" {
		s.fail(c, apperr.Validation("session_id query parameter is required"))
		return
	}

	var body io.Reader
	contentType := c.ContentType()
	filename := ""
	if file, header, err := c.Request.FormFile("file"); err == nil {
		defer file.Close()
		body = file
		filename = header.Filename
		contentType = header.Header.Get("Content-Type")
	} else {
		// Raw body fallback for recorders that post the blob directly.
		body = c.Request.Body
	}

	idx, err := s.live.Push(c.Request.Context(), sessionID, body, contentType, filename)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "chunk_index": idx, "batch_only": s.cfg.LiveBatchOnly})
}

func (s *Server) handleLiveStop(c *gin.Context) {
	if !s.cfg.LiveMic {
		s.fail(c, apperr.NotFound("live microphone is disabled"))
		return
	}
	sessionID := c.Query("session_id")
	if sessionID == "" {
		s.fail(c, apperr.Validation("session_id query parameter is required"))
		return
	}
	out, err := s.live.Stop(c.Request.Context(), sessionID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models":       s.models.List(),
		"active_model": s.models.ActiveModel(),
	})
}

type modelRequest struct {
	ModelName string `json:"model_name"`
}

func (s *Server) handleModelDownload(c *gin.Context) {
	var req modelRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ModelName == "" {
		s.fail(c, apperr.Validation("model_name is required"))
		return
	}
	status, err := s.models.Download(req.ModelName)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"model_name": req.ModelName, "status": status})
}

func (s *Server) handleModelSelect(c *gin.Context) {
	var req modelRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ModelName == "" {
		s.fail(c, apperr.Validation("model_name is required"))
		return
	}
	if err := s.models.Select(c.Request.Context(), req.ModelName); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"model_name": req.ModelName, "active": true})
}

func (s *Server) handleMonitorActive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"active": s.mon.Active()})
}

func (s *Server) handleMonitorHistory(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	c.JSON(http.StatusOK, gin.H{"history": s.mon.History(limit)})
}

func (s *Server) handleMonitorPerformance(c *gin.Context) {
	c.JSON(http.StatusOK, s.mon.Summary())
}

func (s *Server) handleMonitorAlerts(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	c.JSON(http.StatusOK, gin.H{"alerts": s.mon.Alerts(limit)})
}

type youtubeRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleYouTube(c *gin.Context) {
	var req youtubeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.URL == "" {
		s.fail(c, apperr.Validation("url is required"))
		return
	}
	acc, err := s.yt.Process(c.Request.Context(), req.URL)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, acc)
}

func intQuery(c *gin.Context, name string, def int) int {
	v := c.Query(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
