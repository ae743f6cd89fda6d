// Package health provides liveness and readiness probes plus the root
// health summary consumed by the desktop shell.
//
//   - /healthz — liveness; always 200 while the process serves HTTP.
//   - /readyz  — readiness; 200 only when every registered [Checker]
//     passes (database reachable, transcription server responding).
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/transcriptai/transcriptai/internal/store"
	"github.com/transcriptai/transcriptai/pkg/whispercpp"
)

// checkTimeout bounds one readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// StoreChecker pings the database.
func StoreChecker(db *store.Store) Checker {
	return Checker{Name: "database", Check: func(context.Context) error { return db.Ping() }}
}

// TranscriberChecker asks the transcription server for its status. Offline
// is a failure; a loading model is not, requests queue behind it.
func TranscriberChecker(client whispercpp.Transcriber) Checker {
	return Checker{Name: "transcriber", Check: func(ctx context.Context) error {
		if st := client.Health(ctx); st == whispercpp.StatusOffline {
			return errTranscriberOffline
		}
		return nil
	}}
}

var errTranscriberOffline = &offlineError{}

type offlineError struct{}

func (*offlineError) Error() string { return "transcription server is offline" }

// Handler serves the probe endpoints. The checker list is fixed at
// construction time; evaluation is sequential.
type Handler struct {
	version  string
	checkers []Checker
}

// New creates a handler reporting version in the root summary.
func New(version string, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{version: version, checkers: c}
}

type probeResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Healthz always reports ok.
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, probeResult{Status: "ok"})
}

// Readyz runs every checker with a [checkTimeout] deadline derived from the
// request context and reports 503 when any fails.
func (h *Handler) Readyz(c *gin.Context) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, chk := range h.checkers {
		ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
		err := chk.Check(ctx)
		cancel()

		if err != nil {
			checks[chk.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[chk.Name] = "ok"
		}
	}

	res := probeResult{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, res)
}

// Summary is the root health endpoint for the desktop shell. It never
// fails; mode distinguishes the local single-user deployment.
func (h *Handler) Summary(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"mode":    "local",
		"version": h.version,
	})
}

// Register adds the probe routes to r.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)
}
