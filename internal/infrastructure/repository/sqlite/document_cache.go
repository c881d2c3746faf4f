package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
)

// DocumentCache keeps the usage ledger in the cache table. Dates are stored
// as YYYY-MM-DD text so they compare lexically.
type DocumentCache struct {
	db *sql.DB

	// gate is held exclusively by the sweep.
	gate sync.RWMutex
}

func NewDocumentCache(db *sql.DB) *DocumentCache {
	return &DocumentCache{db: db}
}

const upsertCacheQuery = `
INSERT INTO cache (id, data, link, category, last_used, time_used, positive_vote, negative_vote)
VALUES (?1, ?2, ?3, ?4, ?5, 1, COALESCE(?6, 0), COALESCE(?7, 0))
ON CONFLICT(id) DO UPDATE SET
	data = excluded.data,
	link = excluded.link,
	category = excluded.category,
	last_used = excluded.last_used,
	time_used = cache.time_used + 1,
	positive_vote = COALESCE(?6, cache.positive_vote),
	negative_vote = COALESCE(?7, cache.negative_vote)
`

func (c *DocumentCache) UpsertMany(ctx context.Context, candidates []domain.CacheCandidate, today time.Time) error {
	if err := domain.ValidateCacheCandidates(candidates); err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}
	c.gate.RLock()
	defer c.gate.RUnlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, upsertCacheQuery)
	if err != nil {
		return fmt.Errorf("prepare cache upsert: %w", err)
	}
	defer stmt.Close()

	day := domain.FormatDate(today)
	for _, cand := range candidates {
		var pos, neg any
		if cand.Votes != nil {
			pos, neg = cand.Votes.Positive, cand.Votes.Negative
		}
		if _, err := stmt.ExecContext(ctx, cand.Hash, cand.Data, cand.Link, cand.Category, day, pos, neg); err != nil {
			return fmt.Errorf("upsert cache entry %s: %w", cand.Hash, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert tx: %w", err)
	}
	return nil
}

func (c *DocumentCache) GetByIDs(ctx context.Context, ids []string) (map[string]domain.CacheEntry, error) {
	if err := domain.ValidateCacheIDs(ids); err != nil {
		return nil, err
	}
	out := make(map[string]domain.CacheEntry, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	entries, err := c.query(ctx, "get cache entries", `
SELECT id, data, COALESCE(link, ''), COALESCE(category, ''), last_used, time_used, positive_vote, negative_vote
FROM cache WHERE id IN (`+inPlaceholders(len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		out[e.Hash] = e
	}
	return out, nil
}

func (c *DocumentCache) GetAll(ctx context.Context) ([]domain.CacheEntry, error) {
	return c.query(ctx, "list cache entries", `
SELECT id, data, COALESCE(link, ''), COALESCE(category, ''), last_used, time_used, positive_vote, negative_vote
FROM cache ORDER BY id
`)
}

func (c *DocumentCache) RecordVote(ctx context.Context, hash string, direction domain.VoteDirection) error {
	var query string
	switch direction {
	case domain.VoteUp:
		query = `UPDATE cache SET positive_vote = positive_vote + 1 WHERE id = ?`
	case domain.VoteDown:
		query = `UPDATE cache SET negative_vote = negative_vote + 1 WHERE id = ?`
	default:
		return domain.WrapError(domain.ErrInvalidInput, "record vote", fmt.Errorf("unknown direction %q", direction))
	}
	c.gate.RLock()
	defer c.gate.RUnlock()

	res, err := c.db.ExecContext(ctx, query, hash)
	if err != nil {
		return fmt.Errorf("record vote: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record vote rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrNotFound, "record vote", fmt.Errorf("cache id=%s", hash))
	}
	return nil
}

// SweepExpired deletes entries whose last use is on or before today minus
// expiryDays.
func (c *DocumentCache) SweepExpired(ctx context.Context, expiryDays int, today time.Time) (int, error) {
	c.gate.Lock()
	defer c.gate.Unlock()

	cutoff := domain.FormatDate(domain.Day(today).AddDate(0, 0, -expiryDays))
	res, err := c.db.ExecContext(ctx, `DELETE FROM cache WHERE last_used <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired cache entries: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep rows affected: %w", err)
	}
	return int(removed), nil
}

func (c *DocumentCache) query(ctx context.Context, op, query string, args ...any) ([]domain.CacheEntry, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]domain.CacheEntry, 0)
	for rows.Next() {
		var (
			e        domain.CacheEntry
			lastUsed string
		)
		if err := rows.Scan(&e.Hash, &e.Data, &e.Link, &e.Category, &lastUsed, &e.TimesUsed, &e.PositiveVotes, &e.NegativeVotes); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		parsed, err := domain.ParseDate(lastUsed)
		if err != nil {
			return nil, err
		}
		e.LastUsed = parsed
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache entries: %w", err)
	}
	return out, nil
}
