package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/transcriptai/transcriptai/internal/apperr"
)

// Query filters and orders a results listing.
type Query struct {
	Status   string
	DateFrom *time.Time
	DateTo   *time.Time

	// Sort names the order column. Only "created_at" is supported; anything
	// else silently falls back to it.
	Sort      string
	Direction string // "asc" or "desc"; default "desc"

	Limit  int
	Offset int
}

// TranscriptView is the transcript part of a result row.
type TranscriptView struct {
	Text       string `json:"text"`
	Language   string `json:"language"`
	Confidence int    `json:"confidence"`
}

// AnalysisView is the latest-analysis part of a result row.
type AnalysisView struct {
	Intent           string   `json:"intent"`
	IntentConfidence int      `json:"intent_confidence"`
	Sentiment        string   `json:"sentiment"`
	SentimentScore   int      `json:"sentiment_score"`
	EscalationRisk   string   `json:"escalation_risk"`
	RiskScore        int      `json:"risk_score"`
	UrgencyLevel     string   `json:"urgency_level"`
	ComplianceRisk   string   `json:"compliance_risk"`
	Keywords         []string `json:"keywords"`
	Topics           []string `json:"topics"`
}

// Result is one row of a results listing. Transcript and Analysis are nil
// when the call has no such child rows.
type Result struct {
	CallID           string          `json:"call_id"`
	OriginalFilename string          `json:"original_filename"`
	Status           string          `json:"status"`
	DurationSeconds  *float64        `json:"duration_seconds"`
	FileSizeBytes    int64           `json:"file_size_bytes"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Transcript       *TranscriptView `json:"transcript"`
	Analysis         *AnalysisView   `json:"analysis"`
}

// ListResults returns one page of results plus the total row count for the
// filter set. Ordering is stable: created_at (nulls last) with an id
// tiebreaker in the same direction, which pagination depends on.
func (s *Store) ListResults(q Query) ([]Result, int64, error) {
	dir := "DESC"
	if q.Direction == "asc" {
		dir = "ASC"
	}
	// Only created_at is sortable; other fields fall back silently.
	if q.Sort != "" && q.Sort != "created_at" {
		s.log.Debug("unsupported sort field, falling back to created_at", "sort", q.Sort)
	}

	base := s.db.Model(&Call{})
	if q.Status != "" {
		base = base.Where("status = ?", q.Status)
	}
	if q.DateFrom != nil {
		base = base.Where("created_at >= ?", *q.DateFrom)
	}
	if q.DateTo != nil {
		base = base.Where("created_at <= ?", *q.DateTo)
	}

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count results: %w", err)
	}

	var calls []Call
	err := base.Session(&gorm.Session{}).
		Order("created_at IS NULL").
		Order("created_at " + dir).
		Order("id " + dir).
		Limit(q.Limit).
		Offset(q.Offset).
		Find(&calls).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list results: %w", err)
	}

	results := make([]Result, 0, len(calls))
	for i := range calls {
		row, err := s.buildResult(&calls[i])
		if err != nil {
			return nil, 0, err
		}
		results = append(results, *row)
	}
	return results, total, nil
}

// ResultDetail returns the full result row for one call.
func (s *Store) ResultDetail(callID string) (*Result, error) {
	call, err := s.GetCall(callID)
	if err != nil {
		return nil, err
	}
	return s.buildResult(call)
}

func (s *Store) buildResult(call *Call) (*Result, error) {
	row := &Result{
		CallID:           call.CallID,
		OriginalFilename: call.OriginalFilename,
		Status:           call.Status,
		DurationSeconds:  call.DurationSeconds,
		FileSizeBytes:    call.FileSizeBytes,
		ErrorMessage:     call.ErrorMessage,
		CreatedAt:        call.CreatedAt,
		UpdatedAt:        call.UpdatedAt,
	}

	var tr Transcript
	err := s.db.Where("call_id = ?", call.CallID).First(&tr).Error
	switch {
	case err == nil:
		row.Transcript = &TranscriptView{Text: tr.Text, Language: tr.Language, Confidence: tr.Confidence}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("load transcript for %s: %w", call.CallID, err)
	}

	latest, err := s.LatestAnalysis(call.CallID)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		view := &AnalysisView{
			Intent:           latest.Intent,
			IntentConfidence: latest.IntentConfidence,
			Sentiment:        latest.Sentiment,
			SentimentScore:   latest.SentimentScore,
			EscalationRisk:   latest.EscalationRisk,
			RiskScore:        latest.RiskScore,
			UrgencyLevel:     latest.UrgencyLevel,
			ComplianceRisk:   latest.ComplianceRisk,
			Keywords:         []string{},
			Topics:           []string{},
		}
		// Malformed JSON in either column leaves the empty slice.
		json.Unmarshal([]byte(latest.Keywords), &view.Keywords)
		json.Unmarshal([]byte(latest.Topics), &view.Topics)
		row.Analysis = view
	}
	return row, nil
}

// DeleteCall removes the call row and its children. Disk cleanup is the
// caller's job and happens before the rows go away.
func (s *Store) DeleteCall(callID string) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("call_id = ?", callID).Delete(&Analysis{}).Error; err != nil {
			return err
		}
		if err := tx.Where("call_id = ?", callID).Delete(&Transcript{}).Error; err != nil {
			return err
		}
		res := tx.Where("call_id = ?", callID).Delete(&Call{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound("call %s not found", callID)
	}
	return err
}

// ClearAll wipes children first, then all calls.
func (s *Store) ClearAll() error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Analysis{}).Error; err != nil {
			return err
		}
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Transcript{}).Error; err != nil {
			return err
		}
		return tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Call{}).Error
	})
}
