package ports

import (
	"context"
	"io"
	"time"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
)

// SearchAdapter runs one similarity search against the corpus.
type SearchAdapter interface {
	Search(ctx context.Context, query string, k int) ([]domain.Hit, error)
}

// LanguageModel produces the assistant reply for a conversation.
type LanguageModel interface {
	Complete(ctx context.Context, systemPrompt string, messages []domain.Message, params domain.GenerationParams) (string, error)
}

// ConversationStore owns conversations keyed by id. Each mutating operation
// is atomic with respect to other callers on the same id.
type ConversationStore interface {
	GetOrCreate(ctx context.Context, id string) (*domain.Conversation, error)
	AppendMessages(ctx context.Context, id string, messages []domain.Message) error
	MergeEvidence(ctx context.Context, id string, evidence domain.EvidenceMap) (domain.EvidenceMap, error)
	Get(ctx context.Context, id string) (*domain.Conversation, error)
	GetMany(ctx context.Context, ids []string) ([]domain.Conversation, error)
	List(ctx context.Context, limit int) ([]domain.Conversation, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// DocumentCache owns cache entries keyed by content hash.
type DocumentCache interface {
	UpsertMany(ctx context.Context, candidates []domain.CacheCandidate, today time.Time) error
	GetByIDs(ctx context.Context, ids []string) (map[string]domain.CacheEntry, error)
	GetAll(ctx context.Context) ([]domain.CacheEntry, error)
	RecordVote(ctx context.Context, hash string, direction domain.VoteDirection) error
	SweepExpired(ctx context.Context, expiryDays int, today time.Time) (int, error)
}

// EventPublisher emits cache usage and feedback events.
type EventPublisher interface {
	PublishUsage(ctx context.Context, event domain.UsageEvent) error
	PublishVote(ctx context.Context, event domain.VoteEvent) error
}

// EventSubscriber consumes cache events until ctx is done.
type EventSubscriber interface {
	SubscribeCacheEvents(ctx context.Context, onUsage func(context.Context, domain.UsageEvent) error, onVote func(context.Context, domain.VoteEvent) error) error
}

// PromptSource provides the current system prompt.
type PromptSource interface {
	SystemPrompt() string
}

// ResponseArchive keeps raw model replies for offline inspection.
type ResponseArchive interface {
	Save(ctx context.Context, key string, data io.Reader) error
}

// TableExporter renders the cache table into a spreadsheet.
type TableExporter interface {
	Export(table domain.CacheTable, w io.Writer) error
}
