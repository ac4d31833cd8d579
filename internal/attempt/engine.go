package attempt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/p-n-ai/pai-cat/internal/cat"
	"github.com/p-n-ai/pai-cat/internal/irt"
	"github.com/p-n-ai/pai-cat/internal/itembank"
	"github.com/p-n-ai/pai-cat/internal/scoring"
)

const defaultMaxRetries = 3

// EngineConfig holds dependencies for the attempt engine.
type EngineConfig struct {
	Store  Store
	Bank   itembank.Bank
	Scorer scoring.Scorer // defaults to scoring.NewRegistry()
	Events EventLogger    // defaults to NopEventLogger
	// Defaults supply every setting a caller leaves out of its overrides.
	Defaults   cat.Config
	MaxRetries int              // optimistic save retries (default 3)
	Now        func() time.Time // defaults to time.Now
	NewID      func() string    // defaults to uuid.NewString
}

// Engine drives attempts: it loads them, applies state-machine transitions
// and saves them with optimistic concurrency.
type Engine struct {
	store      Store
	bank       itembank.Bank
	scorer     scoring.Scorer
	events     EventLogger
	defaults   cat.Config
	maxRetries int
	now        func() time.Time
	newID      func() string
}

// StartResult is returned by StartAttempt. Next is nil when the attempt
// completed immediately.
type StartResult struct {
	Attempt *Attempt
	Next    *irt.Item
}

// SubmitResult is returned by SubmitAnswer and SubmitScored.
type SubmitResult struct {
	Attempt   *Attempt
	Recorded  bool
	Correct   bool
	Next      *irt.Item
	Completed bool
	Reason    cat.TerminationReason
	Result    *cat.Result
}

// NewEngine creates an attempt engine.
func NewEngine(cfg EngineConfig) *Engine {
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	scorer := cfg.Scorer
	if scorer == nil {
		scorer = scoring.NewRegistry()
	}
	events := cfg.Events
	if events == nil {
		events = NopEventLogger{}
	}
	defaults := cfg.Defaults
	if defaults == (cat.Config{}) {
		defaults = cat.DefaultConfig()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Engine{
		store:      store,
		bank:       cfg.Bank,
		scorer:     scorer,
		events:     events,
		defaults:   defaults,
		maxRetries: maxRetries,
		now:        now,
		newID:      newID,
	}
}

// Defaults returns the config used to fill caller configs.
func (e *Engine) Defaults() cat.Config {
	return e.defaults
}

// StartAttempt creates an attempt for subjectID on poolID and presents the
// first item. Settings left nil in overrides come from the engine defaults.
func (e *Engine) StartAttempt(ctx context.Context, subjectID, poolID string, overrides cat.Overrides) (StartResult, error) {
	if subjectID == "" {
		return StartResult{}, fmt.Errorf("%w: subject id is required", cat.ErrInvalidConfig)
	}
	cfg := overrides.Apply(e.defaults)
	if err := cfg.Validate(); err != nil {
		return StartResult{}, err
	}

	pool, err := e.bank.GetItems(ctx, poolID)
	if err != nil {
		return StartResult{}, fmt.Errorf("loading pool %s: %w", poolID, err)
	}

	now := e.now()
	a := New(e.newID(), subjectID, poolID, cfg, now)
	out, err := a.Start(pool, now)
	if err != nil {
		return StartResult{}, err
	}
	if err := e.store.Create(ctx, a); err != nil {
		return StartResult{}, fmt.Errorf("creating attempt: %w", err)
	}

	slog.Info("attempt started",
		"attempt_id", a.ID,
		"subject_id", subjectID,
		"pool_id", poolID,
		"pool_size", len(pool),
	)
	e.logEvent(ctx, a, EventAttemptStarted, map[string]any{
		"pool_id":   poolID,
		"pool_size": len(pool),
		"config":    cfg,
	})
	if out.Completed {
		e.logCompleted(ctx, a)
	}

	return StartResult{Attempt: a.Clone(), Next: out.Next}, nil
}

// SubmitAnswer scores raw against the item and records it.
func (e *Engine) SubmitAnswer(ctx context.Context, attemptID, itemID string, raw json.RawMessage, durationMs int64) (SubmitResult, error) {
	return e.submit(ctx, attemptID, itemID, func(item irt.Item) (bool, error) {
		return e.scorer.Score(item, raw)
	}, durationMs)
}

// SubmitScored records an answer that was scored by the caller.
func (e *Engine) SubmitScored(ctx context.Context, attemptID, itemID string, correct bool, durationMs int64) (SubmitResult, error) {
	return e.submit(ctx, attemptID, itemID, func(irt.Item) (bool, error) {
		return correct, nil
	}, durationMs)
}

func (e *Engine) submit(ctx context.Context, attemptID, itemID string, score ScoreFunc, durationMs int64) (SubmitResult, error) {
	var (
		pool    []irt.Item
		lastErr error
	)
	for try := 0; try <= e.maxRetries; try++ {
		if err := ctx.Err(); err != nil {
			return SubmitResult{}, err
		}

		a, err := e.store.Get(ctx, attemptID)
		if err != nil {
			return SubmitResult{}, err
		}
		if pool == nil {
			pool, err = e.bank.GetItems(ctx, a.ItemPoolID)
			if err != nil {
				return SubmitResult{}, fmt.Errorf("loading pool %s: %w", a.ItemPoolID, err)
			}
		}

		expected := a.Version
		out, err := a.SubmitWith(pool, itemID, score, durationMs, e.now())
		if err != nil {
			return SubmitResult{}, err
		}

		if err := e.store.Save(ctx, a, expected); err != nil {
			if errors.Is(err, ErrConflict) {
				lastErr = err
				slog.Debug("attempt save conflict, retrying",
					"attempt_id", attemptID,
					"try", try+1,
					"error", err,
				)
				continue
			}
			return SubmitResult{}, fmt.Errorf("saving attempt: %w", err)
		}

		res := SubmitResult{
			Attempt:   a.Clone(),
			Recorded:  out.Recorded,
			Next:      out.Next,
			Completed: out.Completed,
			Reason:    out.Reason,
			Result:    out.Result,
		}
		if out.Recorded {
			last := a.Responses[len(a.Responses)-1]
			res.Correct = last.Correct
			e.logEvent(ctx, a, EventAnswerSubmitted, map[string]any{
				"item_id":        last.ItemID,
				"item_version":   last.ItemVersion,
				"correct":        last.Correct,
				"duration_ms":    last.DurationMs,
				"theta":          a.CurrentEstimate.Theta,
				"standard_error": a.CurrentEstimate.StandardError,
				"items":          len(a.Responses),
			})
		}
		if out.Completed {
			e.logCompleted(ctx, a)
		}
		return res, nil
	}

	slog.Warn("attempt save conflicts exhausted retries",
		"attempt_id", attemptID,
		"retries", e.maxRetries,
		"error", lastErr,
	)
	return SubmitResult{}, fmt.Errorf("%w: attempt %s after %d retries", ErrConcurrentModification, attemptID, e.maxRetries)
}

// GetAttemptState returns the attempt. An in-progress attempt past its
// deadline is reported as TIMED_OUT in the returned copy only; the stored
// attempt is finalized by the next write.
func (e *Engine) GetAttemptState(ctx context.Context, attemptID string) (*Attempt, error) {
	a, err := e.store.Get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	a.Expire(e.now())
	return a, nil
}

// ListAttempts returns stored attempts matching filter in creation order.
func (e *Engine) ListAttempts(ctx context.Context, filter ListFilter) ([]*Attempt, error) {
	return e.store.List(ctx, filter)
}

// ExpireOverdue persists TIMED_OUT for in-progress attempts past their
// deadline and returns how many it closed. Conflicts are skipped; the
// attempt was written concurrently and will be seen again on the next run.
func (e *Engine) ExpireOverdue(ctx context.Context) (int, error) {
	attempts, err := e.store.List(ctx, ListFilter{Status: StatusInProgress})
	if err != nil {
		return 0, fmt.Errorf("listing attempts: %w", err)
	}

	now := e.now()
	closed := 0
	for _, a := range attempts {
		expected := a.Version
		if !a.Expire(now) {
			continue
		}
		if err := e.store.Save(ctx, a, expected); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return closed, fmt.Errorf("saving attempt %s: %w", a.ID, err)
		}
		closed++
		e.logCompleted(ctx, a)
	}
	return closed, nil
}

func (e *Engine) logCompleted(ctx context.Context, a *Attempt) {
	data := map[string]any{
		"reason": a.TerminationReason,
		"items":  len(a.Responses),
	}
	if a.Result != nil {
		data["theta"] = a.Result.Theta
		data["score"] = a.Result.Score
		data["passed"] = a.Result.Passed
	}
	slog.Info("attempt completed",
		"attempt_id", a.ID,
		"reason", a.TerminationReason,
		"items", len(a.Responses),
	)
	e.logEvent(ctx, a, EventAttemptCompleted, data)
}

func (e *Engine) logEvent(ctx context.Context, a *Attempt, eventType string, data map[string]any) {
	err := e.events.LogEvent(ctx, Event{
		AttemptID: a.ID,
		SubjectID: a.SubjectID,
		EventType: eventType,
		Data:      data,
		CreatedAt: e.now(),
	})
	if err != nil {
		slog.Warn("failed to log attempt event",
			"attempt_id", a.ID,
			"type", eventType,
			"error", err,
		)
	}
}
