package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
	"github.com/ste316/rag-nivola-service-portal/internal/infrastructure/keylock"
)

// DocumentCache serializes writers per hash. The sweep and full-table reads
// hold gate exclusively so they never observe a half-applied batch.
type DocumentCache struct {
	gate sync.RWMutex
	keys *keylock.Map

	mu      sync.Mutex
	entries map[string]*domain.CacheEntry
}

func NewDocumentCache() *DocumentCache {
	return &DocumentCache{
		keys:    keylock.New(),
		entries: make(map[string]*domain.CacheEntry),
	}
}

func (c *DocumentCache) entry(hash string, create bool) *domain.CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hash]
	if !ok && create {
		e = &domain.CacheEntry{Hash: hash}
		c.entries[hash] = e
	}
	return e
}

func (c *DocumentCache) UpsertMany(ctx context.Context, candidates []domain.CacheCandidate, today time.Time) error {
	if err := domain.ValidateCacheCandidates(candidates); err != nil {
		return err
	}
	c.gate.RLock()
	defer c.gate.RUnlock()

	day := domain.Day(today)
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.upsertOne(cand, day)
	}
	return nil
}

func (c *DocumentCache) upsertOne(cand domain.CacheCandidate, day time.Time) {
	unlock := c.keys.Lock(cand.Hash)
	defer unlock()

	e := c.entry(cand.Hash, true)
	e.TimesUsed++
	e.LastUsed = day
	e.Data = cand.Data
	e.Link = cand.Link
	e.Category = cand.Category
	if cand.Votes != nil {
		e.PositiveVotes = cand.Votes.Positive
		e.NegativeVotes = cand.Votes.Negative
	}
}

func (c *DocumentCache) GetByIDs(ctx context.Context, ids []string) (map[string]domain.CacheEntry, error) {
	if err := domain.ValidateCacheIDs(ids); err != nil {
		return nil, err
	}
	c.gate.RLock()
	defer c.gate.RUnlock()

	out := make(map[string]domain.CacheEntry, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		unlock := c.keys.Lock(id)
		if e := c.entry(id, false); e != nil {
			out[id] = *e
		}
		unlock()
	}
	return out, nil
}

// GetAll returns entries ordered by hash.
func (c *DocumentCache) GetAll(ctx context.Context) ([]domain.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.gate.Lock()
	defer c.gate.Unlock()

	out := make([]domain.CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out, nil
}

func (c *DocumentCache) RecordVote(ctx context.Context, hash string, direction domain.VoteDirection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.gate.RLock()
	defer c.gate.RUnlock()
	unlock := c.keys.Lock(hash)
	defer unlock()

	e := c.entry(hash, false)
	if e == nil {
		return domain.WrapError(domain.ErrNotFound, "record vote", fmt.Errorf("cache id=%s", hash))
	}
	switch direction {
	case domain.VoteUp:
		e.PositiveVotes++
	case domain.VoteDown:
		e.NegativeVotes++
	default:
		return domain.WrapError(domain.ErrInvalidInput, "record vote", fmt.Errorf("unknown direction %q", direction))
	}
	return nil
}

// SweepExpired removes entries whose last use is at least expiryDays before today.
func (c *DocumentCache) SweepExpired(ctx context.Context, expiryDays int, today time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.gate.Lock()
	defer c.gate.Unlock()

	removed := 0
	for hash, e := range c.entries {
		if domain.DaysBetween(e.LastUsed, today) >= expiryDays {
			delete(c.entries, hash)
			removed++
		}
	}
	return removed, nil
}
