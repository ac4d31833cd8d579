package itembank

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/p-n-ai/pai-cat/internal/irt"
	"github.com/p-n-ai/pai-cat/internal/platform/cache"
)

// JSONCache is the subset of cache.Cache used by CachedBank.
type JSONCache interface {
	GetJSON(ctx context.Context, name string, v any) error
	SetJSON(ctx context.Context, name string, v any, ttl time.Duration) error
}

// CachedBank is a read-through cache in front of another Bank. Cache errors
// are logged and fall through to the source.
type CachedBank struct {
	source Bank
	cache  JSONCache
	ttl    time.Duration
}

// NewCachedBank wraps source with c. A zero ttl caches pools until evicted.
func NewCachedBank(source Bank, c JSONCache, ttl time.Duration) *CachedBank {
	return &CachedBank{source: source, cache: c, ttl: ttl}
}

func poolKey(poolID string) string {
	return "pool:" + poolID
}

func (b *CachedBank) GetItems(ctx context.Context, poolID string) ([]irt.Item, error) {
	var items []irt.Item
	err := b.cache.GetJSON(ctx, poolKey(poolID), &items)
	if err == nil {
		return items, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		slog.Warn("item pool cache read failed", "pool_id", poolID, "error", err)
	}

	items, err = b.source.GetItems(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if err := b.cache.SetJSON(ctx, poolKey(poolID), items, b.ttl); err != nil {
		slog.Warn("item pool cache write failed", "pool_id", poolID, "error", err)
	}
	return items, nil
}
