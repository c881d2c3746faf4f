package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
	"github.com/ste316/rag-nivola-service-portal/internal/core/ports"
)

const DefaultFallbackAnswer = "Errore generico, riprova più tardi."

// SearchSet groups the three searches fused on every turn.
type SearchSet struct {
	TextEN     ports.SearchAdapter
	TextIT     ports.SearchAdapter
	CategoryEN ports.SearchAdapter
}

type ChatLimits struct {
	SearchK        int
	SearchTimeout  time.Duration
	LLMTimeout     time.Duration
	QuorumOnly     bool
	Lang           domain.Lang
	Generation     domain.GenerationParams
	FallbackAnswer string
}

// TurnObserver receives per-turn outcomes, e.g. for metrics.
type TurnObserver interface {
	ObserveTurn(status string, evidence int, duration time.Duration)
	ObserveSearchFailure(source string)
}

type noopObserver struct{}

func (noopObserver) ObserveTurn(string, int, time.Duration) {}
func (noopObserver) ObserveSearchFailure(string)            {}

type namedSearch struct {
	source  domain.SearchSource
	adapter ports.SearchAdapter
}

// ChatUseCase runs one question/answer turn end to end.
type ChatUseCase struct {
	searches []namedSearch
	model    ports.LanguageModel
	store    ports.ConversationStore
	events   ports.EventPublisher
	prompts  ports.PromptSource
	archive  ports.ResponseArchive
	limits   ChatLimits
	observer TurnObserver

	now   func() time.Time
	newID func() string
}

func NewChatUseCase(
	searches SearchSet,
	model ports.LanguageModel,
	store ports.ConversationStore,
	events ports.EventPublisher,
	prompts ports.PromptSource,
	archive ports.ResponseArchive,
	limits ChatLimits,
) *ChatUseCase {
	if limits.SearchK <= 0 {
		limits.SearchK = 11
	}
	if limits.SearchTimeout <= 0 {
		limits.SearchTimeout = 10 * time.Second
	}
	if limits.LLMTimeout <= 0 {
		limits.LLMTimeout = 120 * time.Second
	}
	if limits.Lang == "" {
		limits.Lang = domain.LangEN
	}
	if limits.Generation.MaxTokens <= 0 {
		limits.Generation.MaxTokens = 3000
	}
	if strings.TrimSpace(limits.FallbackAnswer) == "" {
		limits.FallbackAnswer = DefaultFallbackAnswer
	}

	return &ChatUseCase{
		searches: []namedSearch{
			{source: domain.SourceTextEN, adapter: searches.TextEN},
			{source: domain.SourceTextIT, adapter: searches.TextIT},
			{source: domain.SourceCategoryEN, adapter: searches.CategoryEN},
		},
		model:    model,
		store:    store,
		events:   events,
		prompts:  prompts,
		archive:  archive,
		limits:   limits,
		observer: noopObserver{},
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func (uc *ChatUseCase) WithObserver(o TurnObserver) *ChatUseCase {
	if o != nil {
		uc.observer = o
	}
	return uc
}

func (uc *ChatUseCase) NewChat(ctx context.Context) (string, error) {
	id := uc.newID()
	if _, err := uc.store.GetOrCreate(ctx, id); err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

// Ask answers one question inside a conversation. Nothing is appended to the
// message log unless the model replied, and then the user question and the
// reply are committed together.
func (uc *ChatUseCase) Ask(ctx context.Context, chatID, question string) (*domain.TurnResult, error) {
	started := uc.now()
	result, err := uc.ask(ctx, chatID, question)
	evidence := 0
	if result != nil {
		evidence = len(result.Evidence)
	}
	uc.observer.ObserveTurn(turnStatus(result, err), evidence, uc.now().Sub(started))
	return result, err
}

func (uc *ChatUseCase) ask(ctx context.Context, chatID, question string) (*domain.TurnResult, error) {
	chatID = strings.TrimSpace(chatID)
	if err := domain.ValidateConversationID(chatID); err != nil {
		return nil, err
	}
	userMsg, err := domain.NewMessage(string(domain.RoleUser), question)
	if err != nil {
		return nil, err
	}

	conv, err := uc.store.GetOrCreate(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("get or create conversation: %w", err)
	}
	if !conv.CanAcceptUserTurn() {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ask", fmt.Errorf("conversation %s already ends with a user message", chatID))
	}

	started := uc.now()
	fused, err := uc.retrieve(ctx, question)
	if err != nil {
		return nil, err
	}

	evidence, err := uc.store.MergeEvidence(ctx, chatID, evidenceMapOf(fused))
	if err != nil {
		return nil, fmt.Errorf("merge evidence: %w", err)
	}

	history := make([]domain.Message, 0, len(conv.Messages)+1)
	history = append(history, conv.Messages...)
	history = append(history, domain.Message{
		Role:    domain.RoleUser,
		Content: buildUserPrompt(evidence, question),
	})

	reply, err := uc.complete(ctx, history)
	if err != nil {
		return nil, err
	}
	assistantMsg, err := domain.NewMessage(string(domain.RoleAssistant), reply)
	if err != nil {
		return nil, domain.WrapError(domain.ErrModelUnavailable, "ask", fmt.Errorf("empty completion"))
	}

	if err := uc.store.AppendMessages(ctx, chatID, []domain.Message{userMsg, assistantMsg}); err != nil {
		return nil, fmt.Errorf("append turn messages: %w", err)
	}

	result := &domain.TurnResult{
		ChatID:   chatID,
		Evidence: fused,
	}
	answer, err := extractAnswer(reply)
	if err != nil {
		slog.Warn("llm_response_format_error",
			"chat_id", chatID,
			"reply_bytes", len(reply),
			"error", err,
		)
		uc.archiveReply(ctx, chatID, reply)
		result.Answer = uc.limits.FallbackAnswer
		result.Fallback = true
	} else {
		result.Answer = answer
		result.Link = mostUsefulLink(reply, evidence)
	}

	uc.publishUsage(ctx, chatID, fused)
	slog.Info("chat_turn_completed",
		"chat_id", chatID,
		"evidence", len(fused),
		"fallback", result.Fallback,
		"duration_ms", float64(uc.now().Sub(started).Microseconds())/1000.0,
	)
	return result, nil
}

func (uc *ChatUseCase) retrieve(ctx context.Context, question string) ([]domain.EvidenceDocument, error) {
	results := make([][]domain.Hit, len(uc.searches))

	g, groupCtx := errgroup.WithContext(ctx)
	for i, search := range uc.searches {
		g.Go(func() error {
			searchCtx, cancel := context.WithTimeout(groupCtx, uc.limits.SearchTimeout)
			defer cancel()

			found, err := search.adapter.Search(searchCtx, question, uc.limits.SearchK)
			if err != nil {
				// Siblings canceled after the first failure are not failures themselves.
				if !errors.Is(err, context.Canceled) || groupCtx.Err() == nil {
					uc.observer.ObserveSearchFailure(string(search.source))
				}
				return classifySearchError(search.source, err)
			}
			if len(found) > uc.limits.SearchK {
				found = found[:uc.limits.SearchK]
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return FuseHits(results[0], results[1], results[2], uc.limits.QuorumOnly, uc.limits.Lang), nil
}

func (uc *ChatUseCase) complete(ctx context.Context, history []domain.Message) (string, error) {
	llmCtx, cancel := context.WithTimeout(ctx, uc.limits.LLMTimeout)
	defer cancel()

	systemPrompt := ""
	if uc.prompts != nil {
		systemPrompt = uc.prompts.SystemPrompt()
	}
	reply, err := uc.model.Complete(llmCtx, systemPrompt, history, uc.limits.Generation)
	if err != nil {
		if domain.IsKind(err, domain.ErrModelUnavailable) {
			return "", err
		}
		return "", domain.WrapError(domain.ErrModelUnavailable, "complete", err)
	}
	return reply, nil
}

func (uc *ChatUseCase) archiveReply(ctx context.Context, chatID, reply string) {
	if uc.archive == nil {
		return
	}
	key := fmt.Sprintf("%s-%s-%s.txt", uc.now().UTC().Format("20060102T150405"), chatID, uc.newID())
	if err := uc.archive.Save(ctx, key, strings.NewReader(reply)); err != nil {
		slog.Warn("llm_response_archive_failed", "chat_id", chatID, "error", err)
	}
}

func (uc *ChatUseCase) publishUsage(ctx context.Context, chatID string, fused []domain.EvidenceDocument) {
	if uc.events == nil || len(fused) == 0 {
		return
	}
	event := domain.UsageEvent{
		ChatID:     chatID,
		Candidates: CacheCandidates(fused),
		OccurredAt: uc.now().UTC(),
	}
	if err := uc.events.PublishUsage(ctx, event); err != nil {
		slog.Warn("usage_event_publish_failed", "chat_id", chatID, "candidates", len(event.Candidates), "error", err)
	}
}

func (uc *ChatUseCase) Conversation(ctx context.Context, id string) (*domain.Conversation, error) {
	if err := domain.ValidateConversationID(id); err != nil {
		return nil, err
	}
	conv, err := uc.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if conv == nil {
		return nil, domain.WrapError(domain.ErrNotFound, "get conversation", fmt.Errorf("id=%s", id))
	}
	return conv, nil
}

func (uc *ChatUseCase) Conversations(ctx context.Context, ids []string) ([]domain.Conversation, error) {
	for _, id := range ids {
		if err := domain.ValidateConversationID(id); err != nil {
			return nil, err
		}
	}
	return uc.store.GetMany(ctx, ids)
}

func (uc *ChatUseCase) AllConversations(ctx context.Context, limit int) ([]domain.Conversation, error) {
	return uc.store.List(ctx, limit)
}

func (uc *ChatUseCase) DeleteConversation(ctx context.Context, id string) (bool, error) {
	if err := domain.ValidateConversationID(id); err != nil {
		return false, err
	}
	return uc.store.Delete(ctx, id)
}

func classifySearchError(source domain.SearchSource, err error) error {
	op := "search " + string(source)
	switch {
	case domain.IsKind(err, domain.ErrQueryRejected), domain.IsKind(err, domain.ErrSearchUnavailable):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return domain.WrapError(domain.ErrSearchUnavailable, op, fmt.Errorf("timed out: %w", err))
	default:
		return domain.WrapError(domain.ErrSearchUnavailable, op, err)
	}
}

func turnStatus(result *domain.TurnResult, err error) string {
	switch {
	case err == nil && result != nil && result.Fallback:
		return "fallback"
	case err == nil:
		return "ok"
	case domain.IsKind(err, domain.ErrInvalidInput):
		return "invalid_input"
	case domain.IsKind(err, domain.ErrQueryRejected):
		return "query_rejected"
	case domain.IsKind(err, domain.ErrSearchUnavailable):
		return "search_unavailable"
	case domain.IsKind(err, domain.ErrModelUnavailable):
		return "model_unavailable"
	default:
		return "error"
	}
}
