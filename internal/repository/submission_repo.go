package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// ErrResultAlreadyRecorded indicates the submission already carries an evaluation result.
var ErrResultAlreadyRecorded = errors.New("evaluation result already recorded")

// SubmissionFilter narrows submission queries. Nil fields are not applied.
type SubmissionFilter struct {
	UserID       *string
	TaskID       *int64
	AssignmentID *string
	Mode         *models.SubmissionMode
}

// SortOrder orders query results by a database column.
type SortOrder struct {
	Column string
	Desc   bool
}

// PageRequest selects a zero-based page of results.
type PageRequest struct {
	Page int
	Size int
	Sort []SortOrder
}

// SubmissionRepository is the persistence boundary for submission records.
type SubmissionRepository interface {
	Create(ctx context.Context, submission *models.Submission) error
	FindByID(ctx context.Context, id uuid.UUID) (models.Submission, error)
	Save(ctx context.Context, submission *models.Submission) error
	DeleteByID(ctx context.Context, id uuid.UUID) error
	FindPage(ctx context.Context, filter SubmissionFilter, page PageRequest) ([]models.Submission, int64, error)
}

type submissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository instantiates the repository.
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{db: db}
}

func (r *submissionRepository) Create(ctx context.Context, submission *models.Submission) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Create(submission).Error
}

func (r *submissionRepository) FindByID(ctx context.Context, id uuid.UUID) (models.Submission, error) {
	var submission models.Submission
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&submission).Error; err != nil {
		return models.Submission{}, err
	}
	return submission, nil
}

// Save records the evaluation result of an existing submission. The result column is
// written at most once and a deleted submission is never recreated.
func (r *submissionRepository) Save(ctx context.Context, submission *models.Submission) error {
	if submission.ID == uuid.Nil {
		return fmt.Errorf("save submission: missing identifier")
	}
	if submission.EvaluationResult == nil {
		return fmt.Errorf("save submission %s: missing evaluation result", submission.ID)
	}

	db := r.db.WithContext(ctx)
	result := db.Model(&models.Submission{ID: submission.ID}).
		Where("evaluation_result IS NULL").
		Select("evaluation_result").
		Updates(&models.Submission{EvaluationResult: submission.EvaluationResult})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := db.Model(&models.Submission{}).Where("id = ?", submission.ID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return gorm.ErrRecordNotFound
	}
	return ErrResultAlreadyRecorded
}

func (r *submissionRepository) DeleteByID(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Submission{}).Error
}

func (r *submissionRepository) FindPage(ctx context.Context, filter SubmissionFilter, page PageRequest) ([]models.Submission, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Submission{})

	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.TaskID != nil {
		query = query.Where("task_id = ?", *filter.TaskID)
	}
	if filter.AssignmentID != nil {
		query = query.Where("assignment_id = ?", *filter.AssignmentID)
	}
	if filter.Mode != nil {
		query = query.Where("mode = ?", *filter.Mode)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if len(page.Sort) == 0 {
		query = query.Order(clause.OrderByColumn{Column: clause.Column{Name: "submission_time"}, Desc: true})
	}
	for _, order := range page.Sort {
		query = query.Order(clause.OrderByColumn{Column: clause.Column{Name: order.Column}, Desc: order.Desc})
	}
	query = query.Order("id")

	if page.Size > 0 {
		query = query.Limit(page.Size)
		if page.Page > 0 {
			query = query.Offset(page.Page * page.Size)
		}
	}

	var submissions []models.Submission
	if err := query.Find(&submissions).Error; err != nil {
		return nil, 0, err
	}

	return submissions, total, nil
}
