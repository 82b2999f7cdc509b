package cache

import (
	"context"
	"sync"
)

// InMemoryEventDeduper is a mutex-guarded deduper for tests.
type InMemoryEventDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewInMemoryEventDeduper creates an empty in-memory deduper.
func NewInMemoryEventDeduper() *InMemoryEventDeduper {
	return &InMemoryEventDeduper{seen: make(map[string]struct{})}
}

func (d *InMemoryEventDeduper) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[provider+"\x00"+eventID]
	return ok, nil
}

func (d *InMemoryEventDeduper) Mark(ctx context.Context, provider, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[provider+"\x00"+eventID] = struct{}{}
	return nil
}
