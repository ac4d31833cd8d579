package attempt_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/p-n-ai/pai-cat/internal/attempt"
	"github.com/p-n-ai/pai-cat/internal/cat"
)

// newStartedAttempt returns an in-progress attempt with a fresh uuid.
func newStartedAttempt(t *testing.T, subjectID string, created time.Time) *attempt.Attempt {
	t.Helper()
	cfg := cat.DefaultConfig()
	cfg.TimeLimit = time.Hour
	a := attempt.New(uuid.NewString(), subjectID, "pool-1", cfg, created)
	if _, err := a.Start(ladderPool(-2, -1, 0, 1, 2), created); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return a
}

// testStoreContract exercises the behavior every Store implementation shares.
func testStoreContract(t *testing.T, store attempt.Store) {
	ctx := context.Background()
	pool := ladderPool(-2, -1, 0, 1, 2)

	t.Run("create and get", func(t *testing.T) {
		a := newStartedAttempt(t, "subject-a", t0)
		if err := store.Create(ctx, a); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if a.Version != 1 {
			t.Errorf("Version after Create = %d, want 1", a.Version)
		}

		got, err := store.Get(ctx, a.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.SubjectID != "subject-a" || got.Status != attempt.StatusInProgress || got.Version != 1 {
			t.Errorf("Get() = %+v", got)
		}
		if got.CurrentItemID != a.CurrentItemID {
			t.Errorf("CurrentItemID = %q, want %q", got.CurrentItemID, a.CurrentItemID)
		}
		if got.Config != a.Config {
			t.Errorf("Config = %+v, want %+v", got.Config, a.Config)
		}
		if !got.CurrentEstimate.IsPrior() {
			t.Errorf("CurrentEstimate = %+v, want prior", got.CurrentEstimate)
		}
		if got.ExpiresAt == nil || !got.ExpiresAt.Equal(*a.ExpiresAt) {
			t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, a.ExpiresAt)
		}

		if err := store.Create(ctx, a); !errors.Is(err, attempt.ErrConflict) {
			t.Errorf("second Create() error = %v, want ErrConflict", err)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		if _, err := store.Get(ctx, uuid.NewString()); !errors.Is(err, attempt.ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("save bumps version and appends responses", func(t *testing.T) {
		a := newStartedAttempt(t, "subject-b", t0)
		if err := store.Create(ctx, a); err != nil {
			t.Fatal(err)
		}

		out, err := a.Submit(pool, a.CurrentItemID, false, 1200, t0.Add(time.Minute))
		if err != nil {
			t.Fatal(err)
		}
		if err := store.Save(ctx, a, 1); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		if a.Version != 2 {
			t.Errorf("Version after Save = %d, want 2", a.Version)
		}
		if _, err := a.Submit(pool, out.Next.ID, true, 800, t0.Add(2*time.Minute)); err != nil {
			t.Fatal(err)
		}
		if err := store.Save(ctx, a, 2); err != nil {
			t.Fatalf("second Save() error = %v", err)
		}

		got, err := store.Get(ctx, a.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Version != 3 || len(got.Responses) != 2 {
			t.Fatalf("stored version %d with %d responses, want 3 and 2", got.Version, len(got.Responses))
		}
		first := got.Responses[0]
		if first.ItemID != a.Responses[0].ItemID || first.Correct || first.DurationMs != 1200 {
			t.Errorf("first response = %+v", first)
		}
		if first.Params != a.Responses[0].Params || first.ItemVersion != a.Responses[0].ItemVersion {
			t.Errorf("response snapshot not preserved: %+v", first)
		}
		if !first.AnsweredAt.Equal(t0.Add(time.Minute)) {
			t.Errorf("AnsweredAt = %v", first.AnsweredAt)
		}
		if got.CurrentEstimate.Theta != a.CurrentEstimate.Theta {
			t.Errorf("theta = %v, want %v", got.CurrentEstimate.Theta, a.CurrentEstimate.Theta)
		}
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		a := newStartedAttempt(t, "subject-c", t0)
		if err := store.Create(ctx, a); err != nil {
			t.Fatal(err)
		}
		stale, err := store.Get(ctx, a.ID)
		if err != nil {
			t.Fatal(err)
		}

		if _, err := a.Submit(pool, a.CurrentItemID, true, 0, t0); err != nil {
			t.Fatal(err)
		}
		if err := store.Save(ctx, a, 1); err != nil {
			t.Fatal(err)
		}

		if _, err := stale.Submit(pool, stale.CurrentItemID, false, 0, t0); err != nil {
			t.Fatal(err)
		}
		err = store.Save(ctx, stale, 1)
		if !errors.Is(err, attempt.ErrConflict) {
			t.Fatalf("stale Save() error = %v, want ErrConflict", err)
		}

		got, _ := store.Get(ctx, a.ID)
		if len(got.Responses) != 1 || !got.Responses[0].Correct {
			t.Errorf("stale write leaked: %+v", got.Responses)
		}
	})

	t.Run("save missing", func(t *testing.T) {
		a := newStartedAttempt(t, "subject-d", t0)
		if err := store.Save(ctx, a, 1); !errors.Is(err, attempt.ErrNotFound) {
			t.Errorf("Save() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("completed round trip", func(t *testing.T) {
		a := newStartedAttempt(t, "subject-e", t0)
		if err := store.Create(ctx, a); err != nil {
			t.Fatal(err)
		}
		if !a.Expire(t0.Add(2 * time.Hour)) {
			t.Fatal("Expire() did not close the attempt")
		}
		if err := store.Save(ctx, a, 1); err != nil {
			t.Fatal(err)
		}

		got, err := store.Get(ctx, a.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != attempt.StatusCompleted || got.TerminationReason != cat.ReasonTimedOut {
			t.Errorf("status %s reason %s", got.Status, got.TerminationReason)
		}
		if got.Result == nil || *got.Result != *a.Result {
			t.Errorf("Result = %+v, want %+v", got.Result, a.Result)
		}
		if got.CompletedAt == nil {
			t.Error("CompletedAt not stored")
		}
		if err := got.Validate(); err != nil {
			t.Errorf("stored attempt invalid: %v", err)
		}

		// Completed attempts cannot be reopened.
		got.Status = attempt.StatusInProgress
		if err := store.Save(ctx, got, got.Version); !errors.Is(err, attempt.ErrInvalidState) {
			t.Errorf("reopen error = %v, want ErrInvalidState", err)
		}
	})

	t.Run("list filters", func(t *testing.T) {
		base := t0.Add(24 * time.Hour)
		var ids []string
		for i := 0; i < 3; i++ {
			a := newStartedAttempt(t, "subject-list", base.Add(time.Duration(i)*time.Minute))
			if err := store.Create(ctx, a); err != nil {
				t.Fatal(err)
			}
			ids = append(ids, a.ID)
		}

		got, err := store.List(ctx, attempt.ListFilter{SubjectID: "subject-list"})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("List() returned %d, want 3", len(got))
		}
		for i, a := range got {
			if a.ID != ids[i] {
				t.Errorf("List()[%d] = %s, want %s (oldest first)", i, a.ID, ids[i])
			}
		}

		limited, err := store.List(ctx, attempt.ListFilter{SubjectID: "subject-list", Limit: 2})
		if err != nil || len(limited) != 2 {
			t.Errorf("List(limit 2) = %d, %v", len(limited), err)
		}

		done, err := store.List(ctx, attempt.ListFilter{SubjectID: "subject-list", Status: attempt.StatusCompleted})
		if err != nil || len(done) != 0 {
			t.Errorf("List(completed) = %d, %v", len(done), err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, attempt.NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := attempt.NewMemoryStore()
	ctx := context.Background()
	a := newStartedAttempt(t, "s", t0)
	if err := store.Create(ctx, a); err != nil {
		t.Fatal(err)
	}

	got, _ := store.Get(ctx, a.ID)
	got.SubjectID = "changed"
	got.Responses = append(got.Responses, got.Responses...)

	again, _ := store.Get(ctx, a.ID)
	if again.SubjectID != "s" {
		t.Error("Get() returned a shared attempt")
	}
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	store, err := attempt.OpenSQLite(ctx, "file:"+filepath.Join(t.TempDir(), "attempts.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer store.Close()

	testStoreContract(t, store)
}
