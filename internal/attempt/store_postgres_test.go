package attempt_test

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/p-n-ai/pai-cat/internal/attempt"
	"github.com/p-n-ai/pai-cat/internal/platform/database"
)

func startPostgres(t *testing.T) *database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	ctx := context.Background()
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("cat"),
		postgres.WithUsername("cat"),
		postgres.WithPassword("cat"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	db, err := database.New(ctx, dsn, 4, 1)
	if err != nil {
		t.Fatalf("database.New() error = %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func TestPostgresStore(t *testing.T) {
	db := startPostgres(t)
	store, err := attempt.NewPostgresStore(db.Pool)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	// Migrations are idempotent.
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	testStoreContract(t, store)

	t.Run("event logger", func(t *testing.T) {
		ctx := context.Background()
		a := newStartedAttempt(t, "subject-events", t0)
		if err := store.Create(ctx, a); err != nil {
			t.Fatal(err)
		}

		logger := attempt.NewPostgresEventLogger(db.Pool)
		err := logger.LogEvent(ctx, attempt.Event{
			AttemptID: a.ID,
			SubjectID: a.SubjectID,
			EventType: attempt.EventAttemptStarted,
			Data:      map[string]any{"pool_id": a.ItemPoolID},
			CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("LogEvent() error = %v", err)
		}

		var n int
		if err := db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM cat_events WHERE attempt_id = $1::uuid`, a.ID).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("events stored = %d, want 1", n)
		}
	})
}

func TestNewPostgresStore_NilPool(t *testing.T) {
	if _, err := attempt.NewPostgresStore(nil); err == nil {
		t.Error("NewPostgresStore(nil) should fail")
	}
}
