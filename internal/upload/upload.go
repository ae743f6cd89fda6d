// Package upload validates and stores incoming audio files. Files land
// under a date-partitioned tree (uploads/YYYY/MM/DD) renamed after their
// call id, streamed to disk in fixed-size blocks so arbitrarily large
// uploads never sit in memory.
package upload

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/transcriptai/transcriptai/internal/apperr"
	"github.com/transcriptai/transcriptai/internal/store"
)

// chunkSize is the streaming block size for writes.
const chunkSize = 8 << 20

// allowedExtensions is the accepted audio set, lowercase with dot.
var allowedExtensions = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".m4a":  true,
	".flac": true,
	".ogg":  true,
	".aac":  true,
}

// CallCreator is the slice of [store.Store] the handler needs.
type CallCreator interface {
	CreateCall(c *store.Call) error
}

// Handler validates and persists uploads.
type Handler struct {
	uploadDir string
	maxBytes  int64
	db        CallCreator
	log       *slog.Logger
}

// NewHandler creates an upload handler rooted at uploadDir.
func NewHandler(uploadDir string, maxBytes int64, db CallCreator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		uploadDir: uploadDir,
		maxBytes:  maxBytes,
		db:        db,
		log:       logger.With("component", "upload"),
	}
}

// Validate checks the declared filename and size before any bytes are
// accepted. size may be zero when the transport does not know it up front;
// the streaming save enforces the cap regardless.
func (h *Handler) Validate(filename string, size int64) error {
	if filename == "" {
		return apperr.Validation("filename is required")
	}
	if strings.Contains(filename, "..") || strings.ContainsAny(filename, `/\`) {
		return apperr.Validation("filename must not contain path separators")
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		return apperr.Validation("unsupported audio format %q", ext)
	}
	if size > h.maxBytes {
		return apperr.Validation("file exceeds the %d byte limit", h.maxBytes)
	}
	return nil
}

// Saved describes a stored upload.
type Saved struct {
	CallID   string
	FilePath string
	Size     int64
}

// Save streams body to disk and creates the call row with status uploaded.
// A partial file is removed on any failure.
func (h *Handler) Save(body io.Reader, filename string) (*Saved, error) {
	if err := h.Validate(filename, 0); err != nil {
		return nil, err
	}

	callID := uuid.NewString()
	now := time.Now()
	dir := filepath.Join(h.uploadDir, now.Format("2006"), now.Format("01"), now.Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, err, "create upload directory")
	}

	ext := strings.ToLower(filepath.Ext(filename))
	path := filepath.Join(dir, callID+ext)

	size, err := h.stream(body, path)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	if size == 0 {
		os.Remove(path)
		return nil, apperr.Validation("uploaded file is empty")
	}

	call := &store.Call{
		CallID:           callID,
		FilePath:         path,
		OriginalFilename: filename,
		FileSizeBytes:    size,
		Status:           store.StatusUploaded,
	}
	if err := h.db.CreateCall(call); err != nil {
		os.Remove(path)
		return nil, err
	}

	h.log.Info("upload stored",
		"call_id", callID, "filename", filename, "bytes", size)
	return &Saved{CallID: callID, FilePath: path, Size: size}, nil
}

// stream copies body to path in chunkSize blocks, enforcing the size cap.
func (h *Handler) stream(body io.Reader, path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindFatal, err, "create upload file")
	}

	var total int64
	buf := make([]byte, chunkSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > h.maxBytes {
				f.Close()
				return 0, apperr.Validation("file exceeds the %d byte limit", h.maxBytes)
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return 0, apperr.Wrap(apperr.KindFatal, werr, "write upload")
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			return 0, apperr.Wrap(apperr.KindTransient, rerr, "read upload stream")
		}
	}
	if err := f.Close(); err != nil {
		return 0, apperr.Wrap(apperr.KindFatal, err, "flush upload")
	}
	return total, nil
}

// RemoveArtifacts deletes the stored file for a call plus any processed
// derivatives. Missing files are not an error.
func RemoveArtifacts(filePath, processedDir string) {
	if filePath != "" {
		os.Remove(filePath)
	}
	if processedDir == "" || filePath == "" {
		return
	}
	base := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	matches, err := filepath.Glob(filepath.Join(processedDir, fmt.Sprintf("%s*", base)))
	if err != nil {
		return
	}
	for _, m := range matches {
		os.Remove(m)
	}
}
