package server

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/fairdraw/fairdraw/internal/platform/timeouts"
	"github.com/fairdraw/fairdraw/internal/services/draw/domain"
	"github.com/fairdraw/fairdraw/internal/services/draw/storage"
)

// drawCache mirrors the persistent draw set for list-style reads. The
// snapshot is replaced wholesale on every change-feed delivery, never merged,
// so readers always observe the store as of some single point in time.
// Correctness-sensitive operations bypass it and read the store directly.
type drawCache struct {
	mu     sync.RWMutex
	draws  []domain.Draw
	loaded bool
}

func newDrawCache() *drawCache {
	return &drawCache{}
}

// replace installs a new snapshot sorted by descending creation timestamp.
func (c *drawCache) replace(draws []domain.Draw) {
	sorted := make([]domain.Draw, len(draws))
	copy(sorted, draws)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreationTimestamp > sorted[j].CreationTimestamp
	})

	c.mu.Lock()
	c.draws = sorted
	c.loaded = true
	c.mu.Unlock()
}

func (c *drawCache) snapshot() ([]domain.Draw, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.draws, c.loaded
}

// snapshotOrLoad serves the cached snapshot, falling back to one synchronous
// store read when the feed worker has not populated the cache yet.
func (c *drawCache) snapshotOrLoad(ctx context.Context, draws storage.DrawStore) ([]domain.Draw, error) {
	if snapshot, loaded := c.snapshot(); loaded {
		return snapshot, nil
	}
	listed, err := draws.ListDraws(ctx)
	if err != nil {
		return nil, err
	}
	c.replace(listed)
	snapshot, _ := c.snapshot()
	return snapshot, nil
}

// runFeedWorker keeps the cache aligned with the store's change feed until
// ctx ends. Feed failures only degrade list freshness: the worker logs,
// waits, and re-subscribes.
func (g *gateway) runFeedWorker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		feed, cancel := g.draws.Subscribe(ctx)

		// Refresh once per subscription so a reconnect catches anything
		// missed while detached.
		if err := g.refreshDrawList(ctx); err != nil {
			log.Printf("draw: change-feed refresh failed err=%v", err)
			cancel()
			if !waitFeedRetry(ctx) {
				return
			}
			continue
		}

		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-feed:
			}
			if err := g.refreshDrawList(ctx); err != nil {
				log.Printf("draw: change-feed refresh failed err=%v", err)
				break
			}
		}

		cancel()
		if !waitFeedRetry(ctx) {
			return
		}
	}
}

// refreshDrawList replaces the cache snapshot and pushes the new list to
// every connected client.
func (g *gateway) refreshDrawList(ctx context.Context) error {
	draws, err := g.draws.ListDraws(ctx)
	if err != nil {
		return err
	}
	g.cache.replace(draws)

	snapshot, _ := g.cache.snapshot()
	g.clients.broadcast(wsFrame{
		Type:    frameGetDrawList,
		Payload: mustJSON(drawListPayload{Draws: snapshot}),
	})
	return nil
}

func waitFeedRetry(ctx context.Context) bool {
	timer := time.NewTimer(timeouts.FeedRetry)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
