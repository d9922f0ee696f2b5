package service

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/repository"
)

type memorySubmissionRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]models.Submission
	creates int
	err     error
}

func newMemorySubmissionRepo() *memorySubmissionRepo {
	return &memorySubmissionRepo{records: make(map[uuid.UUID]models.Submission)}
}

func (r *memorySubmissionRepo) Create(_ context.Context, submission *models.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if submission.ID == uuid.Nil {
		submission.ID = uuid.New()
	}
	r.records[submission.ID] = *submission
	r.creates++
	return nil
}

func (r *memorySubmissionRepo) FindByID(_ context.Context, id uuid.UUID) (models.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return models.Submission{}, r.err
	}
	submission, ok := r.records[id]
	if !ok {
		return models.Submission{}, gorm.ErrRecordNotFound
	}
	return submission, nil
}

func (r *memorySubmissionRepo) Save(_ context.Context, submission *models.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.records[submission.ID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if stored.EvaluationResult != nil {
		return repository.ErrResultAlreadyRecorded
	}
	result := submission.EvaluationResult.Clone()
	stored.EvaluationResult = &result
	r.records[submission.ID] = stored
	return nil
}

func (r *memorySubmissionRepo) DeleteByID(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
	return nil
}

func (r *memorySubmissionRepo) FindPage(_ context.Context, filter repository.SubmissionFilter, page repository.PageRequest) ([]models.Submission, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matches := make([]models.Submission, 0, len(r.records))
	for _, record := range r.records {
		if filter.UserID != nil && (record.UserID == nil || *record.UserID != *filter.UserID) {
			continue
		}
		if filter.TaskID != nil && record.TaskID != *filter.TaskID {
			continue
		}
		if filter.AssignmentID != nil && (record.AssignmentID == nil || *record.AssignmentID != *filter.AssignmentID) {
			continue
		}
		if filter.Mode != nil && record.Mode != *filter.Mode {
			continue
		}
		matches = append(matches, record)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].SubmissionTime.After(matches[j].SubmissionTime) })

	start := page.Page * page.Size
	if start > len(matches) {
		start = len(matches)
	}
	end := start + page.Size
	if end > len(matches) {
		end = len(matches)
	}
	return matches[start:end], int64(len(matches)), nil
}

func (r *memorySubmissionRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type stubTaskRepo struct {
	tasks map[int64]models.Task
}

func (s stubTaskRepo) GetReference(_ context.Context, id int64) (models.Task, error) {
	task, ok := s.tasks[id]
	if !ok {
		return models.Task{}, gorm.ErrRecordNotFound
	}
	return task, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	notified []uuid.UUID
}

func (n *recordingNotifier) Subscribe(uuid.UUID) (<-chan struct{}, func()) {
	return make(chan struct{}), func() {}
}

func (n *recordingNotifier) Notify(_ context.Context, id uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = append(n.notified, id)
}

func (n *recordingNotifier) Start(context.Context) {}
