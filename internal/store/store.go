// Package store is the persistence layer: GORM models for calls,
// transcripts, and analyses, plus the result queries behind the results
// endpoints. Desktop mode uses SQLite under the data directory; server mode
// uses Postgres.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/transcriptai/transcriptai/internal/apperr"
	"github.com/transcriptai/transcriptai/internal/nlp"
)

// Call statuses, in pipeline order.
const (
	StatusUploaded     = "uploaded"
	StatusProcessing   = "processing"
	StatusTranscribing = "transcribing"
	StatusTranscribed  = "transcribed"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
)

// Call is one ingested audio item.
type Call struct {
	ID               uint   `gorm:"primaryKey"`
	CallID           string `gorm:"uniqueIndex;size:64;not null"`
	FilePath         string
	OriginalFilename string
	FileSizeBytes    int64
	DurationSeconds  *float64
	Status           string `gorm:"index;size:32"`
	ErrorMessage     string
	CreatedAt        time.Time `gorm:"index"`
	UpdatedAt        time.Time
}

// Transcript holds at most one transcription per call.
type Transcript struct {
	ID         uint   `gorm:"primaryKey"`
	CallID     string `gorm:"uniqueIndex;size:64;not null"`
	Text       string
	Language   string `gorm:"size:16"`
	Confidence int    // 0..100
	CreatedAt  time.Time
}

// Analysis is one NLP result for a call. Re-analysis appends rows.
type Analysis struct {
	ID               uint   `gorm:"primaryKey"`
	CallID           string `gorm:"index;size:64;not null"`
	Intent           string
	IntentConfidence int // 0..100
	Sentiment        string `gorm:"size:16"`
	SentimentScore   int    // -100..100
	EscalationRisk   string `gorm:"size:16"`
	RiskScore        int
	UrgencyLevel     string `gorm:"size:16"`
	ComplianceRisk   string `gorm:"size:16"`
	Keywords         string // JSON array
	Topics           string // JSON array
	CreatedAt        time.Time
}

// Store wraps the database handle. Safe for concurrent use.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

// OpenSQLite opens (and migrates) the desktop-mode SQLite database at path.
func OpenSQLite(path string, log *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return newStore(db, log)
}

// OpenPostgres opens (and migrates) the server-mode Postgres database.
func OpenPostgres(dsn string, log *slog.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return newStore(db, log)
}

func gormConfig() *gorm.Config {
	return &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
}

func newStore(db *gorm.DB, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&Call{}, &Transcript{}, &Analysis{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db, log: log.With("component", "store")}, nil
}

// Ping verifies the underlying connection, for readiness checks.
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateCall inserts a new call row.
func (s *Store) CreateCall(c *Call) error {
	if err := s.db.Create(c).Error; err != nil {
		return fmt.Errorf("create call %s: %w", c.CallID, err)
	}
	return nil
}

// GetCall fetches a call by its public id.
func (s *Store) GetCall(callID string) (*Call, error) {
	var c Call
	err := s.db.Where("call_id = ?", callID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("call %s not found", callID)
	}
	if err != nil {
		return nil, fmt.Errorf("get call %s: %w", callID, err)
	}
	return &c, nil
}

// UpdateCallStatus sets the call's status, and the error message when one
// is given.
func (s *Store) UpdateCallStatus(callID, status, errorMessage string) error {
	updates := map[string]any{"status": status, "updated_at": time.Now()}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	}
	res := s.db.Model(&Call{}).Where("call_id = ?", callID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update call %s status: %w", callID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("call %s not found", callID)
	}
	return nil
}

// SetCallDuration records the probed duration in seconds.
func (s *Store) SetCallDuration(callID string, seconds float64) error {
	return s.db.Model(&Call{}).Where("call_id = ?", callID).
		Update("duration_seconds", seconds).Error
}

// SaveTranscript stores the transcript for a call, replacing any prior one
// (explicit re-runs only; the pipeline writes it once).
func (s *Store) SaveTranscript(callID, text, language string, confidence int) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("call_id = ?", callID).Delete(&Transcript{}).Error; err != nil {
			return err
		}
		return tx.Create(&Transcript{
			CallID:     callID,
			Text:       text,
			Language:   language,
			Confidence: confidence,
		}).Error
	})
}

// GetTranscript fetches the transcript for a call.
func (s *Store) GetTranscript(callID string) (*Transcript, error) {
	var tr Transcript
	err := s.db.Where("call_id = ?", callID).First(&tr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("no transcript for call %s", callID)
	}
	if err != nil {
		return nil, fmt.Errorf("get transcript %s: %w", callID, err)
	}
	return &tr, nil
}

// SaveAnalysis appends an NLP result row for the call.
func (s *Store) SaveAnalysis(callID string, res nlp.Result) error {
	keywords, err := json.Marshal(res.Keywords)
	if err != nil {
		return err
	}
	topics, err := json.Marshal(res.Topics)
	if err != nil {
		return err
	}
	a := Analysis{
		CallID:           callID,
		Intent:           res.Intent,
		IntentConfidence: int(res.IntentConfidence * 100),
		Sentiment:        res.Sentiment,
		SentimentScore:   res.SentimentScore,
		EscalationRisk:   res.EscalationRisk,
		RiskScore:        res.RiskScore,
		UrgencyLevel:     res.UrgencyLevel,
		ComplianceRisk:   res.ComplianceRisk,
		Keywords:         string(keywords),
		Topics:           string(topics),
	}
	if err := s.db.Create(&a).Error; err != nil {
		return fmt.Errorf("save analysis for %s: %w", callID, err)
	}
	return nil
}

// LatestAnalysis returns the most recent analysis row for a call, or nil
// when none exists.
func (s *Store) LatestAnalysis(callID string) (*Analysis, error) {
	var a Analysis
	err := s.db.Where("call_id = ?", callID).
		Order("id DESC").First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest analysis for %s: %w", callID, err)
	}
	return &a, nil
}
