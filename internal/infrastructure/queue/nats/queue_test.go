package nats

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
)

func TestClassifyNATSError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
		record    bool
	}{
		{name: "nil", err: nil},
		{name: "canceled", err: context.Canceled},
		{name: "no servers", err: nats.ErrNoServers, retryable: true, record: true},
		{name: "timeout", err: nats.ErrTimeout, retryable: true, record: true},
		{name: "closed", err: nats.ErrConnectionClosed, retryable: true, record: true},
		{name: "deadline", err: context.DeadlineExceeded, record: true},
		{name: "payload", err: nats.ErrMaxPayload},
		{name: "bad subject", err: nats.ErrBadSubject},
		{name: "unknown", err: errors.New("boom"), record: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyNATSError(tc.err)
			if got.Retryable != tc.retryable || got.RecordFailure != tc.record {
				t.Fatalf("classifyNATSError(%v) = %+v", tc.err, got)
			}
		})
	}
}

func TestMapPublishError(t *testing.T) {
	err := mapPublishError(errors.Join(errors.New("publish"), nats.ErrConnectionClosed))
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected ErrTemporary, got %v", err)
	}
	err = mapPublishError(fmt.Errorf("nats publish: %w", nats.ErrMaxPayload))
	if !domain.IsKind(err, domain.ErrInvalidInput) || domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected permanent ErrInvalidInput, got %v", err)
	}
	if err := mapPublishError(nats.ErrBadSubject); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad subject, got %v", err)
	}
	plain := errors.New("unexpected")
	if got := mapPublishError(plain); got != plain {
		t.Fatalf("expected unclassified error unchanged, got %v", got)
	}
}

func TestNewQueueDefaultsSubjects(t *testing.T) {
	q := newQueue(nil, Options{})
	if q.usageSubject != DefaultUsageSubject || q.voteSubject != DefaultVoteSubject {
		t.Fatalf("unexpected subjects %q %q", q.usageSubject, q.voteSubject)
	}
	q = newQueue(nil, Options{UsageSubject: "u", VoteSubject: "v"})
	if q.usageSubject != "u" || q.voteSubject != "v" {
		t.Fatalf("unexpected subjects %q %q", q.usageSubject, q.voteSubject)
	}
}

func TestPublishRejectsEmptyEvents(t *testing.T) {
	q := newQueue(nil, Options{})
	if err := q.PublishVote(context.Background(), domain.VoteEvent{}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := q.PublishUsage(context.Background(), domain.UsageEvent{}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
