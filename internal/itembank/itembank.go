// Package itembank supplies calibrated item pools to the engine. Pools are
// loaded from YAML or JSON files, validated against a schema, completed with
// default IRT parameters and optionally cached in Redis.
package itembank

import (
	"context"
	"errors"

	"github.com/p-n-ai/pai-cat/internal/irt"
)

// ErrPoolNotFound indicates no pool with the requested id exists.
var ErrPoolNotFound = errors.New("item pool not found")

// Bank looks up the items of a pool.
type Bank interface {
	GetItems(ctx context.Context, poolID string) ([]irt.Item, error)
}

// Pool is a named, validated set of items.
type Pool struct {
	ID    string     `json:"id"`
	Title string     `json:"title,omitempty"`
	Items []irt.Item `json:"items"`
}

// StaticBank serves fixed pools. Useful for tests and the simulator.
type StaticBank map[string][]irt.Item

func (b StaticBank) GetItems(_ context.Context, poolID string) ([]irt.Item, error) {
	items, ok := b[poolID]
	if !ok {
		return nil, ErrPoolNotFound
	}
	return append([]irt.Item(nil), items...), nil
}
