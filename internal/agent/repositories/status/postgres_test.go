package status

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/recwarden/agent/internal/agent/models"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

func TestUpsert_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^\s*INSERT\s+INTO\s+resource_status\s*\(resource_id,\s*state,\s*is_recording,\s*queue_depth,\s*last_heartbeat,\s*error_count\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3,\s*\$4,\s*\$5,\s*\$6\)\s*ON\s+CONFLICT\s*\(resource_id\)\s*DO\s+UPDATE\s+SET`

	hb := time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC)
	mock.ExpectExec(q).
		WithArgs("cam-1", "active", true, 2, hb, int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Upsert(context.Background(), &models.StatusSnapshot{
		ResourceID:    "cam-1",
		State:         "active",
		IsRecording:   true,
		QueueDepth:    2,
		LastHeartbeat: hb,
	})
	if err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
}

func TestUpsert_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT\s+INTO\s+resource_status`).
		WillReturnError(errors.New("db down"))

	err := repo.Upsert(context.Background(), &models.StatusSnapshot{ResourceID: "cam-1"})
	if err == nil || !regexp.MustCompile(`db error: .*db down`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}
