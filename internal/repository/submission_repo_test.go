package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

func setupSubmissionTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.Task{}, &models.Submission{}))
	return db
}

func strPtr(value string) *string { return &value }

func newSubmission(taskID int64, user, assignment string, mode models.SubmissionMode, at time.Time) models.Submission {
	submission := models.Submission{
		TaskID:         taskID,
		SubmissionTime: at,
		Language:       "en",
		FeedbackLevel:  2,
		Mode:           mode,
		Payload:        datatypes.JSON(`{"query":"SELECT 1"}`),
	}
	if user != "" {
		submission.UserID = strPtr(user)
	}
	if assignment != "" {
		submission.AssignmentID = strPtr(assignment)
	}
	return submission
}

func TestSubmissionRepositoryCreateAssignsIdentifier(t *testing.T) {
	db := setupSubmissionTestDB(t)
	repo := NewSubmissionRepository(db)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.Task{ID: 7, MaxPoints: 10, Status: models.TaskStatusApproved}).Error)

	submission := newSubmission(7, "alice", "quiz-1", models.SubmissionModeSubmit, time.Now().UTC())
	require.NoError(t, repo.Create(ctx, &submission))
	require.NotEqual(t, uuid.Nil, submission.ID)

	stored, err := repo.FindByID(ctx, submission.ID)
	require.NoError(t, err)
	require.Equal(t, int64(7), stored.TaskID)
	require.Equal(t, "alice", *stored.UserID)
	require.Equal(t, models.SubmissionModeSubmit, stored.Mode)
	require.Nil(t, stored.EvaluationResult)
	require.JSONEq(t, `{"query":"SELECT 1"}`, string(stored.Payload))

	var rawMode string
	require.NoError(t, db.Raw("SELECT mode FROM submissions WHERE id = ?", submission.ID).Scan(&rawMode).Error)
	require.Equal(t, "submit", rawMode)
}

func TestSubmissionRepositoryFindByIDMissing(t *testing.T) {
	repo := NewSubmissionRepository(setupSubmissionTestDB(t))

	_, err := repo.FindByID(context.Background(), uuid.New())
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestSubmissionRepositorySaveWritesResultOnce(t *testing.T) {
	db := setupSubmissionTestDB(t)
	repo := NewSubmissionRepository(db)
	ctx := context.Background()

	submission := newSubmission(1, "bob", "", models.SubmissionModeDiagnose, time.Now().UTC())
	require.NoError(t, repo.Create(ctx, &submission))

	points := 2.0
	first := models.GradingResult{MaxPoints: 10, Points: 7.5, Criteria: []models.Criterion{{Name: "Syntax", Points: &points, Passed: true, Feedback: "ok"}}}
	submission.EvaluationResult = &first
	require.NoError(t, repo.Save(ctx, &submission))

	second := models.GradingResult{MaxPoints: 10, Points: 1, Criteria: []models.Criterion{}}
	submission.EvaluationResult = &second
	require.ErrorIs(t, repo.Save(ctx, &submission), ErrResultAlreadyRecorded)

	stored, err := repo.FindByID(ctx, submission.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.EvaluationResult)
	require.Equal(t, 7.5, stored.EvaluationResult.Points)
	require.Equal(t, "Syntax", stored.EvaluationResult.Criteria[0].Name)
	require.Equal(t, 2.0, *stored.EvaluationResult.Criteria[0].Points)
}

func TestSubmissionRepositorySaveDoesNotResurrectDeletedRecord(t *testing.T) {
	db := setupSubmissionTestDB(t)
	repo := NewSubmissionRepository(db)
	ctx := context.Background()

	submission := newSubmission(1, "", "", models.SubmissionModeRun, time.Now().UTC())
	require.NoError(t, repo.Create(ctx, &submission))
	require.NoError(t, repo.DeleteByID(ctx, submission.ID))

	submission.EvaluationResult = &models.GradingResult{MaxPoints: 1, Criteria: []models.Criterion{}}
	require.ErrorIs(t, repo.Save(ctx, &submission), gorm.ErrRecordNotFound)

	var count int64
	require.NoError(t, db.Model(&models.Submission{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestSubmissionRepositoryDeleteIsIdempotent(t *testing.T) {
	repo := NewSubmissionRepository(setupSubmissionTestDB(t))
	ctx := context.Background()

	submission := newSubmission(1, "", "", models.SubmissionModeRun, time.Now().UTC())
	require.NoError(t, repo.Create(ctx, &submission))

	require.NoError(t, repo.DeleteByID(ctx, submission.ID))
	require.NoError(t, repo.DeleteByID(ctx, submission.ID))
	require.NoError(t, repo.DeleteByID(ctx, uuid.New()))
}

func TestSubmissionRepositoryFindPageAppliesFiltersConjunctively(t *testing.T) {
	repo := NewSubmissionRepository(setupSubmissionTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	fixtures := []models.Submission{
		newSubmission(7, "alice", "a1", models.SubmissionModeSubmit, now.Add(-3*time.Minute)),
		newSubmission(7, "bob", "a1", models.SubmissionModeSubmit, now.Add(-2*time.Minute)),
		newSubmission(8, "alice", "a2", models.SubmissionModeRun, now.Add(-time.Minute)),
		newSubmission(7, "alice", "a2", models.SubmissionModeDiagnose, now),
	}
	for i := range fixtures {
		require.NoError(t, repo.Create(ctx, &fixtures[i]))
	}

	taskID := int64(7)
	items, total, err := repo.FindPage(ctx, SubmissionFilter{UserID: strPtr("alice"), TaskID: &taskID}, PageRequest{Size: 10})
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
	require.Len(t, items, 2)
	require.Equal(t, fixtures[3].ID, items[0].ID, "newest submission first by default")
	require.Equal(t, fixtures[0].ID, items[1].ID)

	mode := models.SubmissionModeSubmit
	items, total, err = repo.FindPage(ctx, SubmissionFilter{Mode: &mode, AssignmentID: strPtr("a1")}, PageRequest{Size: 10})
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
	for _, item := range items {
		require.Equal(t, models.SubmissionModeSubmit, item.Mode)
		require.Equal(t, "a1", *item.AssignmentID)
	}

	items, total, err = repo.FindPage(ctx, SubmissionFilter{}, PageRequest{Page: 1, Size: 3, Sort: []SortOrder{{Column: "submission_time"}}})
	require.NoError(t, err)
	require.Equal(t, int64(4), total)
	require.Len(t, items, 1)
	require.Equal(t, fixtures[3].ID, items[0].ID)
}
