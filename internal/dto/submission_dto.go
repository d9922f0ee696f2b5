package dto

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// SubmitSubmissionRequest is the body of POST /api/submission.
type SubmitSubmissionRequest struct {
	UserID        *string         `json:"user_id" validate:"omitempty,max=255"`
	AssignmentID  *string         `json:"assignment_id" validate:"omitempty,max=255"`
	TaskID        int64           `json:"task_id" validate:"required,gt=0"`
	Language      string          `json:"language" validate:"required,oneof=de en"`
	FeedbackLevel *int            `json:"feedback_level" validate:"required,min=0,max=3"`
	Mode          string          `json:"mode" validate:"required,oneof=RUN DIAGNOSE SUBMIT"`
	Submission    json.RawMessage `json:"submission" validate:"required"`
}

// SubmissionQuery carries paging, sorting and the optional listing filters.
type SubmissionQuery struct {
	Page             int
	Size             int
	Sort             []string
	UserFilter       *string
	TaskFilter       *int64
	AssignmentFilter *string
	ModeFilter       *string
}

// SubmissionResponse describes a stored submission.
type SubmissionResponse struct {
	ID               uuid.UUID             `json:"id"`
	UserID           *string               `json:"user_id"`
	AssignmentID     *string               `json:"assignment_id"`
	TaskID           int64                 `json:"task_id"`
	SubmissionTime   time.Time             `json:"submission_time"`
	Language         string                `json:"language"`
	FeedbackLevel    int                   `json:"feedback_level"`
	Mode             models.SubmissionMode `json:"mode"`
	Submission       json.RawMessage       `json:"submission"`
	EvaluationResult *models.GradingResult `json:"evaluation_result,omitempty"`
}

// NewSubmissionResponse builds a response DTO from a model. The evaluation result is
// copied so the response never aliases the stored value.
func NewSubmissionResponse(submission models.Submission) SubmissionResponse {
	response := SubmissionResponse{
		ID:             submission.ID,
		UserID:         submission.UserID,
		AssignmentID:   submission.AssignmentID,
		TaskID:         submission.TaskID,
		SubmissionTime: submission.SubmissionTime,
		Language:       submission.Language,
		FeedbackLevel:  submission.FeedbackLevel,
		Mode:           submission.Mode,
		Submission:     json.RawMessage(submission.Payload),
	}
	if submission.EvaluationResult != nil {
		result := submission.EvaluationResult.Clone()
		response.EvaluationResult = &result
	}
	return response
}

// SubmissionPage is a single page of the submission listing.
type SubmissionPage struct {
	Content       []SubmissionResponse `json:"content"`
	Page          int                  `json:"page"`
	Size          int                  `json:"size"`
	TotalElements int64                `json:"total_elements"`
	TotalPages    int                  `json:"total_pages"`
}

// GradingResultResponse is returned by synchronous execution. ID is empty when the
// submission was not persisted.
type GradingResultResponse struct {
	ID     *uuid.UUID           `json:"id,omitempty"`
	Result models.GradingResult `json:"result"`
}

// EnqueueResponse is returned when grading runs in the background.
type EnqueueResponse struct {
	ID uuid.UUID `json:"id"`
}
