package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
)

type fakeSearch struct {
	hits    []domain.Hit
	err     error
	block   bool
	barrier *sync.WaitGroup
	calls   atomic.Int32
}

func (f *fakeSearch) Search(ctx context.Context, _ string, _ int) ([]domain.Hit, error) {
	f.calls.Add(1)
	if f.barrier != nil {
		f.barrier.Done()
		done := make(chan struct{})
		go func() {
			f.barrier.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

type fakeModel struct {
	replies      []string
	err          error
	calls        int
	lastSystem   string
	lastMessages []domain.Message
	lastParams   domain.GenerationParams
}

func (f *fakeModel) Complete(_ context.Context, systemPrompt string, messages []domain.Message, params domain.GenerationParams) (string, error) {
	f.calls++
	f.lastSystem = systemPrompt
	f.lastMessages = append([]domain.Message(nil), messages...)
	f.lastParams = params
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "plain answer", nil
	}
	out := f.replies[0]
	f.replies = f.replies[1:]
	return out, nil
}

type fakeConversationStore struct {
	mu    sync.Mutex
	convs map[string]*domain.Conversation
}

func newFakeConversationStore() *fakeConversationStore {
	return &fakeConversationStore{convs: make(map[string]*domain.Conversation)}
}

func (f *fakeConversationStore) GetOrCreate(_ context.Context, id string) (*domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok {
		conv = domain.NewConversation(id)
		f.convs[id] = conv
	}
	return conv.Clone(), nil
}

func (f *fakeConversationStore) AppendMessages(_ context.Context, id string, messages []domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "append", errors.New(id))
	}
	return conv.Append(messages...)
}

func (f *fakeConversationStore) MergeEvidence(_ context.Context, id string, evidence domain.EvidenceMap) (domain.EvidenceMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok {
		conv = domain.NewConversation(id)
		f.convs[id] = conv
	}
	conv.Evidence.Merge(evidence)
	return conv.Evidence.Clone(), nil
}

func (f *fakeConversationStore) Get(_ context.Context, id string) (*domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convs[id].Clone(), nil
}

func (f *fakeConversationStore) GetMany(_ context.Context, ids []string) ([]domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Conversation, 0, len(ids))
	for _, id := range ids {
		if conv, ok := f.convs[id]; ok {
			out = append(out, *conv.Clone())
		}
	}
	return out, nil
}

func (f *fakeConversationStore) List(_ context.Context, _ int) ([]domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Conversation, 0, len(f.convs))
	for _, conv := range f.convs {
		out = append(out, *conv.Clone())
	}
	return out, nil
}

func (f *fakeConversationStore) Delete(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.convs[id]
	delete(f.convs, id)
	return ok, nil
}

func (f *fakeConversationStore) messages(id string) []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok {
		return nil
	}
	return append([]domain.Message(nil), conv.Messages...)
}

type fakePublisher struct {
	mu    sync.Mutex
	usage []domain.UsageEvent
	votes []domain.VoteEvent
	err   error
}

func (f *fakePublisher) PublishUsage(_ context.Context, event domain.UsageEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.usage = append(f.usage, event)
	return nil
}

func (f *fakePublisher) PublishVote(_ context.Context, event domain.VoteEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.votes = append(f.votes, event)
	return nil
}

type staticPrompt string

func (p staticPrompt) SystemPrompt() string { return string(p) }

type fakeArchive struct {
	saved map[string]string
}

func (f *fakeArchive) Save(_ context.Context, key string, data io.Reader) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if f.saved == nil {
		f.saved = make(map[string]string)
	}
	f.saved[key] = string(raw)
	return nil
}

type chatFixture struct {
	en, it, cat *fakeSearch
	model       *fakeModel
	store       *fakeConversationStore
	events      *fakePublisher
	archive     *fakeArchive
	uc          *ChatUseCase
}

func newChatFixture(t *testing.T, limits ChatLimits) *chatFixture {
	t.Helper()
	f := &chatFixture{
		en:      &fakeSearch{hits: hits("h1", 0.9, "h2", 0.4)},
		it:      &fakeSearch{hits: hits("h1", 0.7, "h3", 0.3)},
		cat:     &fakeSearch{hits: hits("h1", 0.8, "h2", 0.5)},
		model:   &fakeModel{},
		store:   newFakeConversationStore(),
		events:  &fakePublisher{},
		archive: &fakeArchive{},
	}
	f.uc = NewChatUseCase(
		SearchSet{TextEN: f.en, TextIT: f.it, CategoryEN: f.cat},
		f.model,
		f.store,
		f.events,
		staticPrompt("system prompt"),
		f.archive,
		limits,
	)
	var seq atomic.Int32
	f.uc.newID = func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }
	f.uc.now = func() time.Time { return time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC) }
	return f
}

func TestAskHappyPathCommitsTurnAndPublishesUsage(t *testing.T) {
	f := newChatFixture(t, ChatLimits{QuorumOnly: true})
	f.model.replies = []string{"<final-answer> Use the portal. </final-answer><most-usefull-doc>h1</most-usefull-doc>"}

	res, err := f.uc.Ask(context.Background(), "chat-1", "How do I log in?")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if res.Answer != "Use the portal." {
		t.Fatalf("unexpected answer %q", res.Answer)
	}
	if res.Link != "https://docs.example/h1" {
		t.Fatalf("unexpected link %q", res.Link)
	}
	if res.Fallback {
		t.Fatalf("did not expect fallback")
	}
	if len(res.Evidence) != 1 || res.Evidence[0].Hash != "h1" {
		t.Fatalf("expected only h1 with quorum-only fusion, got %+v", res.Evidence)
	}

	msgs := f.store.messages("chat-1")
	if len(msgs) != 2 || msgs[0].Role != domain.RoleUser || msgs[1].Role != domain.RoleAssistant {
		t.Fatalf("expected [user, assistant], got %+v", msgs)
	}
	if msgs[0].Content != "How do I log in?" {
		t.Fatalf("stored user message must be the raw question, got %q", msgs[0].Content)
	}

	if f.model.lastSystem != "system prompt" {
		t.Fatalf("unexpected system prompt %q", f.model.lastSystem)
	}
	last := f.model.lastMessages[len(f.model.lastMessages)-1]
	if !strings.Contains(last.Content, `<document id="h1">`) || !strings.Contains(last.Content, "Question: How do I log in?") {
		t.Fatalf("prompt is missing evidence or question: %q", last.Content)
	}
	if f.model.lastParams.MaxTokens != 3000 {
		t.Fatalf("expected default max tokens 3000, got %d", f.model.lastParams.MaxTokens)
	}

	if len(f.events.usage) != 1 || len(f.events.usage[0].Candidates) != 1 {
		t.Fatalf("expected one usage event with one candidate, got %+v", f.events.usage)
	}
	if f.events.usage[0].Candidates[0].Votes != nil {
		t.Fatalf("usage candidates must not carry votes")
	}
}

func TestAskRunsSearchesInParallel(t *testing.T) {
	f := newChatFixture(t, ChatLimits{SearchTimeout: 2 * time.Second})
	barrier := &sync.WaitGroup{}
	barrier.Add(3)
	f.en.barrier = barrier
	f.it.barrier = barrier
	f.cat.barrier = barrier

	if _, err := f.uc.Ask(context.Background(), "chat-1", "q"); err != nil {
		t.Fatalf("expected all searches to meet at the barrier, got %v", err)
	}
}

func TestAskSearchFailureWritesNothing(t *testing.T) {
	f := newChatFixture(t, ChatLimits{})
	f.it.err = errors.New("connection refused")

	_, err := f.uc.Ask(context.Background(), "chat-1", "q")
	if !domain.IsKind(err, domain.ErrSearchUnavailable) {
		t.Fatalf("expected ErrSearchUnavailable, got %v", err)
	}
	if f.model.calls != 0 {
		t.Fatalf("model must not be called after a search failure")
	}
	if msgs := f.store.messages("chat-1"); len(msgs) != 0 {
		t.Fatalf("expected no messages, got %+v", msgs)
	}
	if len(f.events.usage) != 0 {
		t.Fatalf("expected no usage events")
	}
}

func TestAskQueryRejectedKeepsKind(t *testing.T) {
	f := newChatFixture(t, ChatLimits{})
	f.cat.err = domain.WrapError(domain.ErrQueryRejected, "opensearch search", errors.New("x_content_parse_exception"))

	_, err := f.uc.Ask(context.Background(), "chat-1", "q")
	if !domain.IsKind(err, domain.ErrQueryRejected) {
		t.Fatalf("expected ErrQueryRejected, got %v", err)
	}
}

func TestAskSearchTimeout(t *testing.T) {
	f := newChatFixture(t, ChatLimits{SearchTimeout: 20 * time.Millisecond})
	f.en.block = true

	start := time.Now()
	_, err := f.uc.Ask(context.Background(), "chat-1", "q")
	if !domain.IsKind(err, domain.ErrSearchUnavailable) {
		t.Fatalf("expected ErrSearchUnavailable on timeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("search timeout was not enforced")
	}
}

func TestAskModelFailureWritesNoMessages(t *testing.T) {
	f := newChatFixture(t, ChatLimits{})
	f.model.err = errors.New("upstream 502")

	_, err := f.uc.Ask(context.Background(), "chat-1", "q")
	if !domain.IsKind(err, domain.ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
	if msgs := f.store.messages("chat-1"); len(msgs) != 0 {
		t.Fatalf("expected no messages after model failure, got %+v", msgs)
	}

	f.model.err = nil
	if _, err := f.uc.Ask(context.Background(), "chat-1", "q again"); err != nil {
		t.Fatalf("conversation should accept a retry, got %v", err)
	}
}

func TestAskFormatErrorFallsBackAndArchivesReply(t *testing.T) {
	f := newChatFixture(t, ChatLimits{FallbackAnswer: "sorry"})
	f.model.replies = []string{"<thinking>hmm</thinking> no answer block"}

	res, err := f.uc.Ask(context.Background(), "chat-1", "q")
	if err != nil {
		t.Fatalf("format errors must not fail the turn, got %v", err)
	}
	if !res.Fallback || res.Answer != "sorry" {
		t.Fatalf("expected fallback answer, got %+v", res)
	}
	if res.Link != "" {
		t.Fatalf("expected no link on fallback, got %q", res.Link)
	}
	if len(f.archive.saved) != 1 {
		t.Fatalf("expected raw reply to be archived, got %d entries", len(f.archive.saved))
	}
	for key, raw := range f.archive.saved {
		if !strings.Contains(key, "chat-1") || !strings.Contains(raw, "no answer block") {
			t.Fatalf("unexpected archive entry %q=%q", key, raw)
		}
	}
	if msgs := f.store.messages("chat-1"); len(msgs) != 2 {
		t.Fatalf("expected the raw reply to be committed, got %d messages", len(msgs))
	}
}

func TestAskPlainReplyPassesThrough(t *testing.T) {
	f := newChatFixture(t, ChatLimits{})
	f.model.replies = []string{"  just text  "}

	res, err := f.uc.Ask(context.Background(), "chat-1", "q")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if res.Answer != "just text" || res.Fallback {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestAskRejectsPendingUserTurn(t *testing.T) {
	f := newChatFixture(t, ChatLimits{})
	conv := domain.NewConversation("chat-1")
	conv.Messages = []domain.Message{{Role: domain.RoleUser, Content: "dangling"}}
	f.store.convs["chat-1"] = conv

	_, err := f.uc.Ask(context.Background(), "chat-1", "q")
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if f.en.calls.Load() != 0 {
		t.Fatalf("searches must not run for a rejected turn")
	}
}

func TestAskValidatesInput(t *testing.T) {
	f := newChatFixture(t, ChatLimits{})
	if _, err := f.uc.Ask(context.Background(), "chat-1", "   "); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank question, got %v", err)
	}
	if _, err := f.uc.Ask(context.Background(), " ", "q"); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank chat id, got %v", err)
	}
}

func TestAskPublishFailureIsNotFatal(t *testing.T) {
	f := newChatFixture(t, ChatLimits{})
	f.events.err = errors.New("nats down")

	if _, err := f.uc.Ask(context.Background(), "chat-1", "q"); err != nil {
		t.Fatalf("publish failures must not fail the turn, got %v", err)
	}
}

func TestAskKeepsFirstEvidenceAcrossTurns(t *testing.T) {
	f := newChatFixture(t, ChatLimits{})
	if _, err := f.uc.Ask(context.Background(), "chat-1", "q1"); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	first := f.store.convs["chat-1"].Evidence["h1"].RenderedText

	for _, s := range []*fakeSearch{f.en, f.it, f.cat} {
		for i := range s.hits {
			s.hits[i].Text = "changed " + s.hits[i].Hash
		}
	}
	if _, err := f.uc.Ask(context.Background(), "chat-1", "q2"); err != nil {
		t.Fatalf("second turn: %v", err)
	}

	if got := f.store.convs["chat-1"].Evidence["h1"].RenderedText; got != first {
		t.Fatalf("expected first-write-wins evidence, got %q", got)
	}
	if len(f.model.lastMessages) != 3 {
		t.Fatalf("expected history [user, assistant, user], got %d messages", len(f.model.lastMessages))
	}
	if msgs := f.store.messages("chat-1"); len(msgs) != 4 {
		t.Fatalf("expected 4 stored messages, got %d", len(msgs))
	}
}

func TestNewChatAndReads(t *testing.T) {
	f := newChatFixture(t, ChatLimits{})
	ctx := context.Background()

	id, err := f.uc.NewChat(ctx)
	if err != nil {
		t.Fatalf("NewChat() error = %v", err)
	}
	conv, err := f.uc.Conversation(ctx, id)
	if err != nil || conv.ID != id || len(conv.Messages) != 0 {
		t.Fatalf("unexpected conversation %+v err=%v", conv, err)
	}

	if _, err := f.uc.Conversation(ctx, "missing"); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	many, err := f.uc.Conversations(ctx, []string{id, "missing"})
	if err != nil || len(many) != 1 {
		t.Fatalf("expected one conversation, got %d err=%v", len(many), err)
	}

	deleted, err := f.uc.DeleteConversation(ctx, id)
	if err != nil || !deleted {
		t.Fatalf("expected delete to succeed, got %v err=%v", deleted, err)
	}
	deleted, err = f.uc.DeleteConversation(ctx, id)
	if err != nil || deleted {
		t.Fatalf("expected second delete to report false, got %v err=%v", deleted, err)
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []string
	evidence []int
	failures []string
}

func (o *recordingObserver) ObserveTurn(status string, evidence int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
	o.evidence = append(o.evidence, evidence)
}

func (o *recordingObserver) ObserveSearchFailure(source string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, source)
}

func TestAskReportsTurnOutcomes(t *testing.T) {
	f := newChatFixture(t, ChatLimits{QuorumOnly: true})
	obs := &recordingObserver{}
	f.uc.WithObserver(obs)

	f.model.replies = []string{"<final-answer>ok</final-answer>", "<draft>no answer</draft>"}
	if _, err := f.uc.Ask(context.Background(), "chat-1", "q1"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if _, err := f.uc.Ask(context.Background(), "chat-1", "q2"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	f.it.err = errors.New("connection refused")
	if _, err := f.uc.Ask(context.Background(), "chat-1", "q3"); err == nil {
		t.Fatalf("expected search failure")
	}

	want := []string{"ok", "fallback", "search_unavailable"}
	if strings.Join(obs.statuses, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected statuses %v", obs.statuses)
	}
	if obs.evidence[0] != 1 || obs.evidence[2] != 0 {
		t.Fatalf("unexpected evidence counts %v", obs.evidence)
	}
	if len(obs.failures) != 1 || obs.failures[0] != string(domain.SourceTextIT) {
		t.Fatalf("unexpected search failures %v", obs.failures)
	}
}

func TestAskCountsOnlyTheFailingSearch(t *testing.T) {
	f := newChatFixture(t, ChatLimits{QuorumOnly: true, SearchTimeout: time.Minute})
	obs := &recordingObserver{}
	f.uc.WithObserver(obs)

	f.en.err = errors.New("connection refused")
	f.it.block = true
	f.cat.block = true

	if _, err := f.uc.Ask(context.Background(), "chat-1", "q"); !domain.IsKind(err, domain.ErrSearchUnavailable) {
		t.Fatalf("expected ErrSearchUnavailable, got %v", err)
	}
	if len(obs.failures) != 1 || obs.failures[0] != string(domain.SourceTextEN) {
		t.Fatalf("expected only the failing source to be counted, got %v", obs.failures)
	}
}
