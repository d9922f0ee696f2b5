package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// TaskRepository resolves tasks owned by the task administration side.
type TaskRepository interface {
	GetReference(ctx context.Context, id int64) (models.Task, error)
}

// NewTaskRepository constructs a task repository.
func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &taskRepository{db: db}
}

type taskRepository struct {
	db *gorm.DB
}

// GetReference loads the task handle a submission is attached to and fails with
// gorm.ErrRecordNotFound if the task does not exist.
func (r *taskRepository) GetReference(ctx context.Context, id int64) (models.Task, error) {
	var task models.Task
	if err := r.db.WithContext(ctx).Select("id", "max_points", "status").First(&task, id).Error; err != nil {
		return models.Task{}, err
	}
	return task, nil
}
