package models

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"
)

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusDraft            TaskStatus = "DRAFT"
	TaskStatusReadyForApproval TaskStatus = "READY_FOR_APPROVAL"
	TaskStatusApproved         TaskStatus = "APPROVED"
)

// Valid reports whether the status is known.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusDraft, TaskStatusReadyForApproval, TaskStatusApproved:
		return true
	default:
		return false
	}
}

// Value stores the status in its lowercase database form.
func (s TaskStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown task status %q", string(s))
	}
	return strings.ToLower(string(s)), nil
}

// Scan reads the lowercase database form.
func (s *TaskStatus) Scan(value interface{}) error {
	var raw string
	switch v := value.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("unsupported task status value %T", value)
	}

	status := TaskStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !status.Valid() {
		return fmt.Errorf("unknown task status %q", raw)
	}
	*s = status
	return nil
}

// Task is the read-only view of a gradeable task. Tasks are administered elsewhere.
type Task struct {
	ID        int64      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	MaxPoints float64    `gorm:"type:numeric(7,2);not null" json:"max_points"`
	Status    TaskStatus `gorm:"size:32;not null" json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
