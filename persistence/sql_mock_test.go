package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupMockSQLStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)

	s, err := NewSQLStore(db, zap.NewNop())
	require.NoError(t, err)
	return s, mock
}

func TestSQLStore_Postgres_FindWorkflowNotFound(t *testing.T) {
	s, mock := setupMockSQLStore(t)

	mock.ExpectQuery(`SELECT \* FROM "orch_workflows" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.FindWorkflow(context.Background(), "wf-x")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Postgres_SaveUsage(t *testing.T) {
	s, mock := setupMockSQLStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "orch_usage_records"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.SaveUsage(context.Background(), &UsageRecord{
		ID: "u-1", UserID: "alice", Provider: "openai", Tokens: 12, Cost: 0.01, Timestamp: time.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Postgres_DeleteCheckpointsOlderThan(t *testing.T) {
	s, mock := setupMockSQLStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "orch_checkpoints" WHERE created_at < \$1`).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	n, err := s.DeleteCheckpointsOlderThan(context.Background(), time.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Postgres_SaveCheckpointDuplicate(t *testing.T) {
	s, mock := setupMockSQLStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT count\(\*\) FROM "orch_checkpoints" WHERE id = \$1`).
		WithArgs("cp-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	err := s.SaveCheckpoint(context.Background(), &CheckpointRecord{ID: "cp-1", WorkflowID: "wf"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}
