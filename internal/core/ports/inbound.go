package ports

import (
	"context"
	"io"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
)

// ChatService is the inbound contract for question answering turns.
type ChatService interface {
	NewChat(ctx context.Context) (string, error)
	Ask(ctx context.Context, chatID, question string) (*domain.TurnResult, error)
}

// ConversationReader is the inbound read/admin model for stored conversations.
type ConversationReader interface {
	Conversation(ctx context.Context, id string) (*domain.Conversation, error)
	Conversations(ctx context.Context, ids []string) ([]domain.Conversation, error)
	AllConversations(ctx context.Context, limit int) ([]domain.Conversation, error)
	DeleteConversation(ctx context.Context, id string) (bool, error)
}

// CacheService is the inbound contract for the document usage cache.
type CacheService interface {
	RecordUsage(ctx context.Context, event domain.UsageEvent) error
	ApplyVote(ctx context.Context, event domain.VoteEvent) error
	SubmitVote(ctx context.Context, hash, direction string) error
	Sweep(ctx context.Context) (int, error)
	Entries(ctx context.Context, ids []string) (map[string]domain.CacheEntry, error)
	Table(ctx context.Context) (domain.CacheTable, error)
	ExportXLSX(ctx context.Context, w io.Writer) error
}
