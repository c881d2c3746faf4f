// Package memory keeps conversations and cache entries in process memory.
// It backs single-instance deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
	"github.com/ste316/rag-nivola-service-portal/internal/infrastructure/keylock"
)

// ConversationStore guards the id index with mu and each conversation's
// contents with its own key lock.
type ConversationStore struct {
	keys *keylock.Map

	mu    sync.RWMutex
	convs map[string]*domain.Conversation
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		keys:  keylock.New(),
		convs: make(map[string]*domain.Conversation),
	}
}

func (s *ConversationStore) lookup(id string) *domain.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.convs[id]
}

func (s *ConversationStore) GetOrCreate(ctx context.Context, id string) (*domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := domain.ValidateConversationID(id); err != nil {
		return nil, err
	}
	unlock := s.keys.Lock(id)
	defer unlock()

	if conv := s.lookup(id); conv != nil {
		return conv.Clone(), nil
	}

	conv := domain.NewConversation(id)
	s.mu.Lock()
	s.convs[id] = conv
	s.mu.Unlock()
	return conv.Clone(), nil
}

func (s *ConversationStore) AppendMessages(ctx context.Context, id string, messages []domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.keys.Lock(id)
	defer unlock()

	conv := s.lookup(id)
	if conv == nil {
		return domain.WrapError(domain.ErrNotFound, "append messages", fmt.Errorf("conversation id=%s", id))
	}
	return conv.Append(messages...)
}

func (s *ConversationStore) MergeEvidence(ctx context.Context, id string, evidence domain.EvidenceMap) (domain.EvidenceMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := domain.ValidateConversationID(id); err != nil {
		return nil, err
	}
	if err := domain.ValidateEvidence(evidence); err != nil {
		return nil, err
	}
	unlock := s.keys.Lock(id)
	defer unlock()

	conv := s.lookup(id)
	if conv == nil {
		conv = domain.NewConversation(id)
		s.mu.Lock()
		s.convs[id] = conv
		s.mu.Unlock()
	}
	if conv.Evidence == nil {
		conv.Evidence = domain.EvidenceMap{}
	}
	conv.Evidence.Merge(evidence)
	return conv.Evidence.Clone(), nil
}

// Get returns nil, nil for unknown ids.
func (s *ConversationStore) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.keys.Lock(id)
	defer unlock()

	return s.lookup(id).Clone(), nil
}

func (s *ConversationStore) GetMany(ctx context.Context, ids []string) ([]domain.Conversation, error) {
	out := make([]domain.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			out = append(out, *conv)
		}
	}
	return out, nil
}

// List returns conversations ordered by id. A non-positive limit means no
// limit.
func (s *ConversationStore) List(ctx context.Context, limit int) ([]domain.Conversation, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return s.GetMany(ctx, ids)
}

func (s *ConversationStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := s.keys.Lock(id)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok {
		return false, nil
	}
	delete(s.convs, id)
	return true, nil
}
