package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
)

type CacheRepository struct {
	db *sql.DB
}

func NewCacheRepository(db *sql.DB) *CacheRepository {
	return &CacheRepository{db: db}
}

const upsertCacheQuery = `
INSERT INTO cache (id, data, link, category, last_used, time_used, positive_vote, negative_vote)
VALUES ($1, $2, $3, $4, $5, 1, COALESCE($6::integer, 0), COALESCE($7::integer, 0))
ON CONFLICT (id) DO UPDATE SET
	data = EXCLUDED.data,
	link = EXCLUDED.link,
	category = EXCLUDED.category,
	last_used = EXCLUDED.last_used,
	time_used = cache.time_used + 1,
	positive_vote = COALESCE($6::integer, cache.positive_vote),
	negative_vote = COALESCE($7::integer, cache.negative_vote)
`

func (r *CacheRepository) UpsertMany(ctx context.Context, candidates []domain.CacheCandidate, today time.Time) error {
	if err := domain.ValidateCacheCandidates(candidates); err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	// Rows are touched in hash order so concurrent batches cannot deadlock.
	ordered := make([]domain.CacheCandidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Hash < ordered[j].Hash })

	tx, err := r.db.BeginTx(ctx, nil)
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

	day := domain.Day(today)
	for _, c := range ordered {
		var pos, neg any
		if c.Votes != nil {
			pos, neg = c.Votes.Positive, c.Votes.Negative
		}
		if _, err := stmt.ExecContext(ctx, c.Hash, c.Data, nullableString(c.Link), nullableString(c.Category), day, pos, neg); err != nil {
			return fmt.Errorf("upsert cache entry %s: %w", c.Hash, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert tx: %w", err)
	}
	return nil
}

func (r *CacheRepository) GetByIDs(ctx context.Context, ids []string) (map[string]domain.CacheEntry, error) {
	if err := domain.ValidateCacheIDs(ids); err != nil {
		return nil, err
	}
	out := make(map[string]domain.CacheEntry, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := `
SELECT id, data, COALESCE(link, ''), COALESCE(category, ''), last_used, time_used, positive_vote, negative_vote
FROM cache WHERE id IN (` + placeholders(1, len(ids)) + `)`
	entries, err := r.queryEntries(ctx, "get cache entries", query, stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		out[e.Hash] = e
	}
	return out, nil
}

func (r *CacheRepository) GetAll(ctx context.Context) ([]domain.CacheEntry, error) {
	return r.queryEntries(ctx, "list cache entries", `
SELECT id, data, COALESCE(link, ''), COALESCE(category, ''), last_used, time_used, positive_vote, negative_vote
FROM cache ORDER BY id
`)
}

func (r *CacheRepository) RecordVote(ctx context.Context, hash string, direction domain.VoteDirection) error {
	var query string
	switch direction {
	case domain.VoteUp:
		query = `UPDATE cache SET positive_vote = positive_vote + 1 WHERE id = $1`
	case domain.VoteDown:
		query = `UPDATE cache SET negative_vote = negative_vote + 1 WHERE id = $1`
	default:
		return domain.WrapError(domain.ErrInvalidInput, "record vote", fmt.Errorf("unknown direction %q", direction))
	}

	res, err := r.db.ExecContext(ctx, query, hash)
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

// SweepExpired deletes entries unused for at least expiryDays. The table lock
// keeps upserts out until the delete commits.
func (r *CacheRepository) SweepExpired(ctx context.Context, expiryDays int, today time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin sweep tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `LOCK TABLE cache IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return 0, fmt.Errorf("lock cache table: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
DELETE FROM cache WHERE ($1::date - last_used) >= $2
`, domain.Day(today), expiryDays)
	if err != nil {
		return 0, fmt.Errorf("delete expired cache entries: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit sweep tx: %w", err)
	}
	return int(removed), nil
}

func (r *CacheRepository) queryEntries(ctx context.Context, op, query string, args ...any) ([]domain.CacheEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]domain.CacheEntry, 0)
	for rows.Next() {
		var e domain.CacheEntry
		if err := rows.Scan(&e.Hash, &e.Data, &e.Link, &e.Category, &e.LastUsed, &e.TimesUsed, &e.PositiveVotes, &e.NegativeVotes); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		e.LastUsed = domain.Day(e.LastUsed)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache entries: %w", err)
	}
	return out, nil
}
