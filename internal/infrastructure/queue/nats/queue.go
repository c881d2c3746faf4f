package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
	"github.com/ste316/rag-nivola-service-portal/internal/infrastructure/resilience"
)

const (
	DefaultUsageSubject = "rag.cache.usage"
	DefaultVoteSubject  = "rag.cache.vote"
	workerQueueGroup    = "cache-workers"
)

// Queue publishes cache usage and vote events and runs the worker side
// subscription for both subjects.
type Queue struct {
	conn         *nats.Conn
	usageSubject string
	voteSubject  string
	executor     *resilience.Executor
}

type Options struct {
	UsageSubject         string
	VoteSubject          string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func New(url string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("rag-nivola-service-portal"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newQueue(conn, options), nil
}

func newQueue(conn *nats.Conn, options Options) *Queue {
	usage := options.UsageSubject
	if usage == "" {
		usage = DefaultUsageSubject
	}
	vote := options.VoteSubject
	if vote == "" {
		vote = DefaultVoteSubject
	}
	return &Queue{
		conn:         conn,
		usageSubject: usage,
		voteSubject:  vote,
		executor:     options.ResilienceExecutor,
	}
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishUsage(ctx context.Context, event domain.UsageEvent) error {
	if event.ChatID == "" && len(event.Candidates) == 0 {
		return domain.WrapError(domain.ErrInvalidInput, "publish usage", fmt.Errorf("empty usage event"))
	}
	return q.publish(ctx, q.usageSubject, event)
}

func (q *Queue) PublishVote(ctx context.Context, event domain.VoteEvent) error {
	if event.Hash == "" {
		return domain.WrapError(domain.ErrInvalidInput, "publish vote", fmt.Errorf("vote event without id"))
	}
	return q.publish(ctx, q.voteSubject, event)
}

func (q *Queue) publish(ctx context.Context, subject string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	call := func(_ context.Context) error {
		if err := q.conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return mapPublishError(err)
	}
	return nil
}

// SubscribeCacheEvents joins the worker queue group on both subjects and
// blocks until ctx is done, then drains.
func (q *Queue) SubscribeCacheEvents(
	ctx context.Context,
	onUsage func(context.Context, domain.UsageEvent) error,
	onVote func(context.Context, domain.VoteEvent) error,
) error {
	usageSub, err := q.conn.QueueSubscribe(q.usageSubject, workerQueueGroup, func(msg *nats.Msg) {
		var event domain.UsageEvent
		dispatch(ctx, msg, &event, func(hctx context.Context) error { return onUsage(hctx, event) })
	})
	if err != nil {
		return fmt.Errorf("nats subscribe usage: %w", err)
	}
	voteSub, err := q.conn.QueueSubscribe(q.voteSubject, workerQueueGroup, func(msg *nats.Msg) {
		var event domain.VoteEvent
		dispatch(ctx, msg, &event, func(hctx context.Context) error { return onVote(hctx, event) })
	})
	if err != nil {
		_ = usageSub.Unsubscribe()
		return fmt.Errorf("nats subscribe vote: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	drainErr := errors.Join(usageSub.Drain(), voteSub.Drain())
	if drainErr != nil {
		return fmt.Errorf("nats drain subscription: %w", drainErr)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func dispatch(ctx context.Context, msg *nats.Msg, target any, handle func(context.Context) error) {
	if err := json.Unmarshal(msg.Data, target); err != nil {
		slog.Error("cache_event_decode_failed", "subject", msg.Subject, "error", err)
		return
	}

	// Messages delivered while draining still commit.
	handlerCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := handle(handlerCtx); err != nil {
		slog.Error("cache_event_handler_failed", "subject", msg.Subject, "error", err)
	}
}
