package journey

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/pathware/flowengine/types"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 conn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	return NewStore(db, zap.NewNop()), mock
}

// The stage pointer update must be guarded by the version the caller read.
func TestApplyTransitionGuardsOnVersion(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	e := &Enrollment{
		ID:           "e1",
		TemplateID:   "onboarding",
		CurrentStage: "intake",
		Status:       EnrollmentActive,
		Version:      4,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "enrollments" SET`)).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), 5, "e1", 4).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "stage_transitions"`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tr, err := store.ApplyTransition(context.Background(), e, "screening", EnrollmentActive, "intake complete", "tester")
	require.NoError(t, err)
	assert.Equal(t, "intake", tr.FromStage)
	assert.Equal(t, "screening", tr.ToStage)
	assert.Equal(t, 5, e.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A stale version means another writer advanced the enrollment first. The
// update matches zero rows and the transaction rolls back without touching
// the transition log.
func TestApplyTransitionStaleVersionRollsBack(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	e := &Enrollment{
		ID:           "e1",
		TemplateID:   "onboarding",
		CurrentStage: "intake",
		Status:       EnrollmentActive,
		Version:      4,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "enrollments" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := store.ApplyTransition(context.Background(), e, "screening", EnrollmentActive, "intake complete", "tester")
	require.Error(t, err)
	assert.Equal(t, types.ErrConcurrencyConflict, types.GetErrorCode(err))
	assert.Equal(t, 4, e.Version, "caller's copy is untouched on conflict")
	assert.Equal(t, "intake", e.CurrentStage)
	assert.NoError(t, mock.ExpectationsWereMet())
}
