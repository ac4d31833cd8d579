package attempt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Event types emitted by the engine.
const (
	EventAttemptStarted   = "attempt_started"
	EventAnswerSubmitted  = "answer_submitted"
	EventAttemptCompleted = "attempt_completed"
)

// Event is an analytics record of one attempt transition.
type Event struct {
	AttemptID string         `json:"attempt_id"`
	SubjectID string         `json:"subject_id"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func (ev Event) check() error {
	var errs []error
	if ev.AttemptID == "" {
		errs = append(errs, errors.New("attempt_id is required"))
	}
	switch ev.EventType {
	case EventAttemptStarted, EventAnswerSubmitted, EventAttemptCompleted:
	case "":
		errs = append(errs, errors.New("event_type is required"))
	default:
		errs = append(errs, fmt.Errorf("unknown event_type %q", ev.EventType))
	}
	return errors.Join(errs...)
}

// EventLogger receives engine events. The engine logs a failed LogEvent and
// carries on.
type EventLogger interface {
	LogEvent(ctx context.Context, ev Event) error
}

// NopEventLogger drops events.
type NopEventLogger struct{}

func (NopEventLogger) LogEvent(context.Context, Event) error { return nil }

// MemoryEventLogger keeps events in process, in arrival order.
type MemoryEventLogger struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryEventLogger() *MemoryEventLogger {
	return &MemoryEventLogger{}
}

func (l *MemoryEventLogger) LogEvent(_ context.Context, ev Event) error {
	if err := ev.check(); err != nil {
		return err
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

// Events returns a copy of everything logged so far.
func (l *MemoryEventLogger) Events() []Event {
	return l.ForAttempt("")
}

// ForAttempt returns the events of one attempt; an empty id returns all.
func (l *MemoryEventLogger) ForAttempt(attemptID string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, 0, len(l.events))
	for _, ev := range l.events {
		if attemptID == "" || ev.AttemptID == attemptID {
			out = append(out, ev)
		}
	}
	return out
}

// PostgresEventLogger appends events to cat_events.
type PostgresEventLogger struct {
	pool *pgxpool.Pool
}

func NewPostgresEventLogger(pool *pgxpool.Pool) *PostgresEventLogger {
	return &PostgresEventLogger{pool: pool}
}

func (l *PostgresEventLogger) LogEvent(ctx context.Context, ev Event) error {
	if l == nil || l.pool == nil {
		return errors.New("postgres event logger has no pool")
	}
	if err := ev.check(); err != nil {
		return err
	}

	data := []byte("{}")
	if len(ev.Data) > 0 {
		var err error
		if data, err = json.Marshal(ev.Data); err != nil {
			return fmt.Errorf("encoding %s data: %w", ev.EventType, err)
		}
	}
	at := ev.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}

	// Events outlive a cancelled request; only the write itself is bounded.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dbTimeout)
	defer cancel()

	if _, err := l.pool.Exec(ctx,
		`INSERT INTO cat_events (attempt_id, subject_id, event_type, data, created_at)
		 VALUES ($1::uuid, $2, $3, $4::jsonb, $5)`,
		ev.AttemptID, ev.SubjectID, ev.EventType, string(data), at,
	); err != nil {
		return fmt.Errorf("inserting %s for attempt %s: %w", ev.EventType, ev.AttemptID, err)
	}

	slog.Debug("attempt event stored", "attempt_id", ev.AttemptID, "type", ev.EventType)
	return nil
}
