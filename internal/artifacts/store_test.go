package artifacts

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/strata-labs/deepresearch/internal/models"
)

func mockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewFromDB(db, "sqlite3", zap.NewNop()), mock
}

func terminalTask() *models.Task {
	now := time.Now()
	return &models.Task{
		ID:     "task-1",
		Status: models.StatusCompleted,
		Request: models.ResearchRequest{
			Query: "grid-scale storage economics",
			Params: models.ResearchParams{
				Budget: 10, MaxIterations: 2, Scope: models.ScopeFocused,
				Sources: models.SourceFlags{WebSearch: true},
			},
		},
		Progress:    100,
		CreatedAt:   now,
		CompletedAt: &now,
		Result:      &models.ResearchResult{Summary: "summary"},
	}
}

func TestSaveUpsertsTaskRow(t *testing.T) {
	store, mock := mockStore(t)
	task := terminalTask()

	mock.ExpectExec(`INSERT INTO research_tasks`).
		WithArgs(task.ID, task.Status, task.Request.Params.Scope, task.Request.Query,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.Save(context.Background(), task))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadRehydratesTask(t *testing.T) {
	store, mock := mockStore(t)
	task := terminalTask()
	raw, err := json.Marshal(task)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT task_json FROM research_tasks WHERE id = \?`).
		WithArgs(task.ID).
		WillReturnRows(sqlmock.NewRows([]string{"task_json"}).AddRow(string(raw)))

	got, err := store.Load(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, task.Status, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "summary", got.Result.Summary)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadMissingTask(t *testing.T) {
	store, mock := mockStore(t)
	mock.ExpectQuery(`SELECT task_json FROM research_tasks WHERE id = \?`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"task_json"}))

	_, err := store.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPurgeBefore(t *testing.T) {
	store, mock := mockStore(t)
	cutoff := time.Now().Add(-30 * 24 * time.Hour)

	mock.ExpectExec(`DELETE FROM research_tasks WHERE created_at < \?`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := store.PurgeBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
