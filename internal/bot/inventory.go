package bot

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"steve/internal/logging"
)

const inventoryCacheTTL = 5 * time.Second

// InventorySource reads inventory snapshots.
type InventorySource interface {
	Inventory(ctx context.Context) ([]InventoryItem, error)
}

// InventoryProvider caches inventory reads for a short TTL so the executor's
// progress computation and verification paths do not hammer the bot HTTP
// interface inside a single cycle.
type InventoryProvider struct {
	source InventorySource
	cache  *expirable.LRU[string, []InventoryItem]
	logger logging.Logger
}

const inventoryCacheKey = "inventory"

// NewInventoryProvider wraps source with a TTL cache.
func NewInventoryProvider(source InventorySource, logger logging.Logger) *InventoryProvider {
	return &InventoryProvider{
		source: source,
		cache:  expirable.NewLRU[string, []InventoryItem](4, nil, inventoryCacheTTL),
		logger: logging.OrNop(logger),
	}
}

// Snapshot returns the current inventory, served from cache within the TTL.
func (p *InventoryProvider) Snapshot(ctx context.Context) ([]InventoryItem, error) {
	if items, ok := p.cache.Get(inventoryCacheKey); ok {
		return items, nil
	}
	items, err := p.source.Inventory(ctx)
	if err != nil {
		return nil, err
	}
	p.cache.Add(inventoryCacheKey, items)
	return items, nil
}

// Invalidate drops the cached snapshot; called after dispatching actions
// that mutate inventory.
func (p *InventoryProvider) Invalidate() {
	p.cache.Remove(inventoryCacheKey)
}

// CountByName sums stack counts per item name.
func CountByName(items []InventoryItem) map[string]int {
	counts := make(map[string]int, len(items))
	for _, item := range items {
		counts[item.Name] += item.Count
	}
	return counts
}

// TotalCount sums all stack counts.
func TotalCount(items []InventoryItem) int {
	total := 0
	for _, item := range items {
		total += item.Count
	}
	return total
}
