package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
	"github.com/ste316/rag-nivola-service-portal/internal/core/ports"
)

const DefaultCacheExpiryDays = 30

// CacheUseCase maintains the document usage ledger.
type CacheUseCase struct {
	cache      ports.DocumentCache
	events     ports.EventPublisher
	exporter   ports.TableExporter
	expiryDays int

	now func() time.Time
}

func NewCacheUseCase(cache ports.DocumentCache, events ports.EventPublisher, exporter ports.TableExporter, expiryDays int) *CacheUseCase {
	if expiryDays <= 0 {
		expiryDays = DefaultCacheExpiryDays
	}
	return &CacheUseCase{
		cache:      cache,
		events:     events,
		exporter:   exporter,
		expiryDays: expiryDays,
		now:        time.Now,
	}
}

func (uc *CacheUseCase) ExpiryDays() int {
	return uc.expiryDays
}

func (uc *CacheUseCase) RecordUsage(ctx context.Context, event domain.UsageEvent) error {
	return applyUsage(ctx, uc.cache, event, uc.now)
}

func (uc *CacheUseCase) ApplyVote(ctx context.Context, event domain.VoteEvent) error {
	return applyVote(ctx, uc.cache, event)
}

// SubmitVote checks that the document is cached and hands the vote to the
// event pipeline.
func (uc *CacheUseCase) SubmitVote(ctx context.Context, hash, direction string) error {
	dir, err := domain.ParseVoteDirection(direction)
	if err != nil {
		return err
	}
	if err := domain.ValidateCacheIDs([]string{hash}); err != nil {
		return err
	}
	found, err := uc.cache.GetByIDs(ctx, []string{hash})
	if err != nil {
		return fmt.Errorf("lookup cache entry: %w", err)
	}
	if _, ok := found[hash]; !ok {
		return domain.WrapError(domain.ErrNotFound, "submit vote", fmt.Errorf("id=%s", hash))
	}

	event := domain.VoteEvent{Hash: hash, Direction: dir, OccurredAt: uc.now().UTC()}
	if uc.events == nil {
		return uc.ApplyVote(ctx, event)
	}
	if err := uc.events.PublishVote(ctx, event); err != nil {
		return fmt.Errorf("publish vote: %w", err)
	}
	return nil
}

func (uc *CacheUseCase) Sweep(ctx context.Context) (int, error) {
	today := domain.Day(uc.now())
	removed, err := uc.cache.SweepExpired(ctx, uc.expiryDays, today)
	if err != nil {
		return 0, fmt.Errorf("sweep expired cache entries: %w", err)
	}
	slog.Info("cache_sweep_completed",
		"removed", removed,
		"expiry_days", uc.expiryDays,
		"today", domain.FormatDate(today),
	)
	return removed, nil
}

func (uc *CacheUseCase) Entries(ctx context.Context, ids []string) (map[string]domain.CacheEntry, error) {
	if err := domain.ValidateCacheIDs(ids); err != nil {
		return nil, err
	}
	return uc.cache.GetByIDs(ctx, ids)
}

func (uc *CacheUseCase) Table(ctx context.Context) (domain.CacheTable, error) {
	entries, err := uc.cache.GetAll(ctx)
	if err != nil {
		return domain.CacheTable{}, fmt.Errorf("load cache entries: %w", err)
	}
	return domain.NewCacheTable(entries), nil
}

func (uc *CacheUseCase) ExportXLSX(ctx context.Context, w io.Writer) error {
	if uc.exporter == nil {
		return fmt.Errorf("export cache: no exporter configured")
	}
	table, err := uc.Table(ctx)
	if err != nil {
		return err
	}
	if err := uc.exporter.Export(table, w); err != nil {
		return fmt.Errorf("export cache: %w", err)
	}
	return nil
}

func applyUsage(ctx context.Context, cache ports.DocumentCache, event domain.UsageEvent, now func() time.Time) error {
	if len(event.Candidates) == 0 {
		return nil
	}
	if err := domain.ValidateCacheCandidates(event.Candidates); err != nil {
		return err
	}
	when := event.OccurredAt
	if when.IsZero() {
		when = now()
	}
	if err := cache.UpsertMany(ctx, event.Candidates, domain.Day(when)); err != nil {
		return fmt.Errorf("upsert cache entries: %w", err)
	}
	return nil
}

func applyVote(ctx context.Context, cache ports.DocumentCache, event domain.VoteEvent) error {
	if err := domain.ValidateCacheIDs([]string{event.Hash}); err != nil {
		return err
	}
	dir, err := domain.ParseVoteDirection(string(event.Direction))
	if err != nil {
		return err
	}
	if err := cache.RecordVote(ctx, event.Hash, dir); err != nil {
		return fmt.Errorf("record vote: %w", err)
	}
	return nil
}
