package usecase

import (
	"context"
	"time"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
	"github.com/ste316/rag-nivola-service-portal/internal/core/ports"
)

// InlineEventPublisher applies cache events synchronously. It stands in for
// the message bus when no broker is configured.
type InlineEventPublisher struct {
	cache ports.DocumentCache
	now   func() time.Time
}

func NewInlineEventPublisher(cache ports.DocumentCache) *InlineEventPublisher {
	return &InlineEventPublisher{cache: cache, now: time.Now}
}

func (p *InlineEventPublisher) PublishUsage(ctx context.Context, event domain.UsageEvent) error {
	return applyUsage(ctx, p.cache, event, p.now)
}

func (p *InlineEventPublisher) PublishVote(ctx context.Context, event domain.VoteEvent) error {
	return applyVote(ctx, p.cache, event)
}
