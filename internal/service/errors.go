package service

import "errors"

var (
	// ErrSubmissionNotFound indicates that no submission exists for the identifier.
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrTaskNotFound indicates that the referenced task does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrGradingFailed wraps failures raised by the grader itself.
	ErrGradingFailed = errors.New("grading failed")
	// ErrInvalidGradingResult indicates a grader returned a structurally invalid result.
	ErrInvalidGradingResult = errors.New("grader returned an invalid result")
	// ErrInvalidPayload indicates the submission payload was rejected before persistence.
	ErrInvalidPayload = errors.New("invalid submission payload")
	// ErrInvalidSort indicates an unsupported sort expression in a listing request.
	ErrInvalidSort = errors.New("invalid sort expression")
	// ErrInvalidFilter indicates an unusable listing filter value.
	ErrInvalidFilter = errors.New("invalid filter")
)
