package models

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SubmissionMode enumerates how a submission should be evaluated.
type SubmissionMode string

const (
	// SubmissionModeRun checks the submission and reports syntax errors only.
	SubmissionModeRun SubmissionMode = "RUN"
	// SubmissionModeDiagnose checks the submission and returns feedback.
	SubmissionModeDiagnose SubmissionMode = "DIAGNOSE"
	// SubmissionModeSubmit checks the submission without feedback; the attempt counts.
	SubmissionModeSubmit SubmissionMode = "SUBMIT"
)

// ParseSubmissionMode converts the API representation into a SubmissionMode.
func ParseSubmissionMode(value string) (SubmissionMode, error) {
	mode := SubmissionMode(strings.ToUpper(strings.TrimSpace(value)))
	if !mode.Valid() {
		return "", fmt.Errorf("unknown submission mode %q", value)
	}
	return mode, nil
}

// Valid reports whether the mode is one of the supported modes.
func (m SubmissionMode) Valid() bool {
	switch m {
	case SubmissionModeRun, SubmissionModeDiagnose, SubmissionModeSubmit:
		return true
	default:
		return false
	}
}

// Value stores the mode in its lowercase database form.
func (m SubmissionMode) Value() (driver.Value, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("unknown submission mode %q", string(m))
	}
	return strings.ToLower(string(m)), nil
}

// Scan reads the lowercase database form.
func (m *SubmissionMode) Scan(value interface{}) error {
	var raw string
	switch v := value.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("unsupported submission mode value %T", value)
	}

	mode, err := ParseSubmissionMode(raw)
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// Submission is a unit of gradeable work together with its evaluation result.
type Submission struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID           *string        `gorm:"size:255;index" json:"user_id"`
	AssignmentID     *string        `gorm:"size:255;index" json:"assignment_id"`
	TaskID           int64          `gorm:"not null;index" json:"task_id"`
	Task             *Task          `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	SubmissionTime   time.Time      `gorm:"not null;index" json:"submission_time"`
	Language         string         `gorm:"size:2;not null" json:"language"`
	FeedbackLevel    int            `gorm:"not null" json:"feedback_level"`
	Mode             SubmissionMode `gorm:"size:16;not null;index" json:"mode"`
	Payload          datatypes.JSON `json:"submission"`
	EvaluationResult *GradingResult `gorm:"type:jsonb;serializer:json" json:"evaluation_result,omitempty"`
}

// BeforeCreate assigns the server generated identifier.
func (s *Submission) BeforeCreate(_ *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// HasResult reports whether grading has completed for the submission.
func (s Submission) HasResult() bool {
	return s.EvaluationResult != nil
}
