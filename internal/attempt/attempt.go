// Package attempt runs adaptive test attempts: the attempt state machine, its
// persistence and the engine that drives it for callers.
package attempt

import (
	"fmt"
	"math"
	"time"

	"github.com/p-n-ai/pai-cat/internal/cat"
	"github.com/p-n-ai/pai-cat/internal/irt"
)

// Status is the lifecycle state of an attempt.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
)

func (s Status) rank() int {
	switch s {
	case StatusNotStarted:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted:
		return 2
	}
	return -1
}

// Attempt is one subject's run through an adaptive test.
type Attempt struct {
	ID                string                `json:"id"`
	SubjectID         string                `json:"subject_id"`
	ItemPoolID        string                `json:"item_pool_id"`
	Config            cat.Config            `json:"config"`
	Status            Status                `json:"status"`
	Responses         []irt.Response        `json:"responses"`
	CurrentEstimate   irt.Estimate          `json:"current_estimate"`
	CurrentItemID     string                `json:"current_item_id,omitempty"`
	TerminationReason cat.TerminationReason `json:"termination_reason,omitempty"`
	Result            *cat.Result           `json:"result,omitempty"`
	Version           int                   `json:"version"`
	CreatedAt         time.Time             `json:"created_at"`
	StartedAt         *time.Time            `json:"started_at,omitempty"`
	CompletedAt       *time.Time            `json:"completed_at,omitempty"`
	ExpiresAt         *time.Time            `json:"expires_at,omitempty"`
}

// Outcome is what a transition hands back to the caller.
type Outcome struct {
	// Next is the item to present, nil once the attempt is completed.
	Next *irt.Item
	// Recorded is false when the answer arrived after expiry and was dropped.
	Recorded  bool
	Completed bool
	Reason    cat.TerminationReason
	Result    *cat.Result
}

// New creates a NOT_STARTED attempt.
func New(id, subjectID, itemPoolID string, cfg cat.Config, now time.Time) *Attempt {
	return &Attempt{
		ID:              id,
		SubjectID:       subjectID,
		ItemPoolID:      itemPoolID,
		Config:          cfg,
		Status:          StatusNotStarted,
		Responses:       []irt.Response{},
		CurrentEstimate: cfg.Estimator().Prior(),
		CreatedAt:       now,
	}
}

// Start moves the attempt to IN_PROGRESS and selects the first item at the
// prior. An empty pool completes the attempt immediately.
func (a *Attempt) Start(pool []irt.Item, now time.Time) (Outcome, error) {
	if a.Status != StatusNotStarted {
		return Outcome{}, fmt.Errorf("%w: start requires %s, attempt is %s", ErrInvalidState, StatusNotStarted, a.Status)
	}

	a.CurrentEstimate = a.Config.Estimator().Prior()
	a.Status = StatusInProgress
	started := now
	a.StartedAt = &started
	if a.Config.TimeLimit > 0 {
		expires := now.Add(a.Config.TimeLimit)
		a.ExpiresAt = &expires
	}

	next, ok := cat.SelectNext(pool, a.CurrentEstimate, nil, nil)
	if !ok {
		a.finalize(cat.ReasonNoMoreItems, now)
		return a.completedOutcome(false), nil
	}
	a.CurrentItemID = next.ID
	return Outcome{Next: &next}, nil
}

// ScoreFunc decides correctness for an item once the attempt has accepted it.
type ScoreFunc func(item irt.Item) (bool, error)

// Submit records a scored answer and advances the attempt.
func (a *Attempt) Submit(pool []irt.Item, itemID string, correct bool, durationMs int64, now time.Time) (Outcome, error) {
	return a.SubmitWith(pool, itemID, func(irt.Item) (bool, error) { return correct, nil }, durationMs, now)
}

// SubmitWith is Submit with scoring deferred until the state, duplicate and
// pool checks have passed. A scoring error leaves the attempt unchanged.
func (a *Attempt) SubmitWith(pool []irt.Item, itemID string, score ScoreFunc, durationMs int64, now time.Time) (Outcome, error) {
	switch a.Status {
	case StatusCompleted:
		return Outcome{}, fmt.Errorf("%w: attempt %s completed with %s", ErrAttemptClosed, a.ID, a.TerminationReason)
	case StatusInProgress:
	default:
		return Outcome{}, fmt.Errorf("%w: submit requires %s, attempt is %s", ErrInvalidState, StatusInProgress, a.Status)
	}

	if a.Expired(now) {
		a.finalize(cat.ReasonTimedOut, now)
		return a.completedOutcome(false), nil
	}

	if a.Answered(itemID) {
		return Outcome{}, fmt.Errorf("%w: %s", ErrDuplicateItem, itemID)
	}
	item, ok := findItem(pool, itemID)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	}

	correct, err := score(item)
	if err != nil {
		return Outcome{}, err
	}

	a.Responses = append(a.Responses, irt.NewResponse(item, correct, now, durationMs))
	a.CurrentEstimate = a.Config.Estimator().Estimate(a.Responses)

	decision := a.Config.Policy().Evaluate(a.CurrentEstimate, len(a.Responses))
	if !decision.Continue {
		a.finalize(decision.Reason, now)
		return a.completedOutcome(true), nil
	}

	next, ok := cat.SelectNext(pool, a.CurrentEstimate, cat.ExcludedSet(a.Responses), cat.CategoryCounts(a.Responses))
	if !ok {
		a.finalize(cat.ReasonNoMoreItems, now)
		return a.completedOutcome(true), nil
	}
	a.CurrentItemID = next.ID
	return Outcome{Next: &next, Recorded: true}, nil
}

// Expire completes an in-progress attempt whose time limit has passed. It
// reports whether the attempt changed.
func (a *Attempt) Expire(now time.Time) bool {
	if a.Status != StatusInProgress || !a.Expired(now) {
		return false
	}
	a.finalize(cat.ReasonTimedOut, now)
	return true
}

// Expired reports whether the attempt has a time limit that has passed.
func (a *Attempt) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

// Answered reports whether itemID already has a response.
func (a *Attempt) Answered(itemID string) bool {
	for _, r := range a.Responses {
		if r.ItemID == itemID {
			return true
		}
	}
	return false
}

// Validate checks the attempt invariants.
func (a *Attempt) Validate() error {
	if a.Status.rank() < 0 {
		return fmt.Errorf("unknown status %q", a.Status)
	}
	seen := make(map[string]bool, len(a.Responses))
	for _, r := range a.Responses {
		if seen[r.ItemID] {
			return fmt.Errorf("duplicate response for item %s", r.ItemID)
		}
		seen[r.ItemID] = true
	}
	theta := a.CurrentEstimate.Theta
	if math.IsNaN(theta) || math.IsInf(theta, 0) || !a.Config.Domain.Contains(theta) {
		return fmt.Errorf("theta %g outside domain [%g, %g]", theta, a.Config.Domain.Min, a.Config.Domain.Max)
	}
	completed := a.Status == StatusCompleted
	if completed != a.TerminationReason.Valid() {
		return fmt.Errorf("termination reason %q inconsistent with status %s", a.TerminationReason, a.Status)
	}
	if completed != (a.Result != nil) {
		return fmt.Errorf("result presence inconsistent with status %s", a.Status)
	}
	return nil
}

// CanTransition reports whether moving from one status to another keeps the
// lifecycle monotonic.
func CanTransition(from, to Status) bool {
	return from.rank() >= 0 && to.rank() >= from.rank()
}

// Clone returns a deep copy.
func (a *Attempt) Clone() *Attempt {
	c := *a
	c.Responses = append([]irt.Response(nil), a.Responses...)
	if a.Result != nil {
		r := *a.Result
		c.Result = &r
	}
	c.StartedAt = copyTime(a.StartedAt)
	c.CompletedAt = copyTime(a.CompletedAt)
	c.ExpiresAt = copyTime(a.ExpiresAt)
	return &c
}

func (a *Attempt) finalize(reason cat.TerminationReason, now time.Time) {
	result := cat.Finalize(a.CurrentEstimate, len(a.Responses), a.Config.Domain, a.Config.PassingScore)
	a.Status = StatusCompleted
	a.TerminationReason = reason
	a.Result = &result
	a.CurrentItemID = ""
	completed := now
	a.CompletedAt = &completed
}

func (a *Attempt) completedOutcome(recorded bool) Outcome {
	return Outcome{
		Recorded:  recorded,
		Completed: true,
		Reason:    a.TerminationReason,
		Result:    a.Result,
	}
}

func findItem(pool []irt.Item, id string) (irt.Item, bool) {
	for _, it := range pool {
		if it.ID == id {
			return it, true
		}
	}
	return irt.Item{}, false
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
