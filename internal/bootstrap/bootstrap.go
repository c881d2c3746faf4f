package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/ste316/rag-nivola-service-portal/internal/config"
	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
	"github.com/ste316/rag-nivola-service-portal/internal/core/ports"
	"github.com/ste316/rag-nivola-service-portal/internal/core/usecase"
	"github.com/ste316/rag-nivola-service-portal/internal/infrastructure/export/xlsx"
	"github.com/ste316/rag-nivola-service-portal/internal/infrastructure/llm/ollama"
	"github.com/ste316/rag-nivola-service-portal/internal/infrastructure/llm/openai"
	"github.com/ste316/rag-nivola-service-portal/internal/infrastructure/prompt"
	"github.com/ste316/rag-nivola-service-portal/internal/infrastructure/queue/nats"
	"github.com/ste316/rag-nivola-service-portal/internal/infrastructure/repository/memory"
	"github.com/ste316/rag-nivola-service-portal/internal/infrastructure/repository/postgres"
	"github.com/ste316/rag-nivola-service-portal/internal/infrastructure/repository/sqlite"
	"github.com/ste316/rag-nivola-service-portal/internal/infrastructure/resilience"
	"github.com/ste316/rag-nivola-service-portal/internal/infrastructure/schedule"
	"github.com/ste316/rag-nivola-service-portal/internal/infrastructure/search/opensearch"
	"github.com/ste316/rag-nivola-service-portal/internal/infrastructure/storage/localfs"
)

type App struct {
	Config config.Config

	Chat  *usecase.ChatUseCase
	Cache *usecase.CacheUseCase

	// Queue is nil when events are applied in process.
	Queue *nats.Queue
	// Prompt is nil when the built-in prompt is used.
	Prompt *prompt.FileSource

	closeFns []func()
}

type Option func(*options)

type options struct {
	stateObserver resilience.StateObserver
	turnObserver  usecase.TurnObserver
}

// WithBreakerObserver reports circuit breaker transitions of every outbound
// client.
func WithBreakerObserver(fn resilience.StateObserver) Option {
	return func(o *options) { o.stateObserver = fn }
}

func WithTurnObserver(obs usecase.TurnObserver) Option {
	return func(o *options) { o.turnObserver = obs }
}

func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	executor := resilience.NewExecutor(cfg.Resilience())
	if o.stateObserver != nil {
		executor.WithStateObserver(o.stateObserver)
	}

	convStore, docCache, err := app.openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var events ports.EventPublisher
	if cfg.NATSURL != "" {
		queue, err := nats.New(cfg.NATSURL, nats.Options{
			UsageSubject:       cfg.NATSUsageSubject,
			VoteSubject:        cfg.NATSVoteSubject,
			ResilienceExecutor: executor,
		})
		if err != nil {
			return nil, fmt.Errorf("init message queue: %w", err)
		}
		app.Queue = queue
		app.closeFns = append(app.closeFns, queue.Close)
		events = queue
	} else {
		slog.Info("cache_events_inline", "reason", "NATS_URL is empty")
		events = usecase.NewInlineEventPublisher(docCache)
	}

	prompts, err := app.openPrompt(cfg)
	if err != nil {
		return nil, err
	}

	archive, err := localfs.New(cfg.ResponseArchivePath)
	if err != nil {
		return nil, fmt.Errorf("init response archive: %w", err)
	}

	searches, err := newSearches(cfg, executor)
	if err != nil {
		return nil, err
	}

	lang, err := domain.ParseLang(cfg.RAGLang)
	if err != nil {
		return nil, err
	}

	chat := usecase.NewChatUseCase(
		searches,
		newLanguageModel(cfg, executor),
		convStore,
		events,
		prompts,
		archive,
		usecase.ChatLimits{
			SearchK:       cfg.SearchK,
			SearchTimeout: cfg.SearchTimeout,
			LLMTimeout:    cfg.LLMTimeout,
			QuorumOnly:    cfg.FusionQuorumOnly,
			Lang:          lang,
			Generation: domain.GenerationParams{
				MaxTokens:   cfg.LLMMaxTokens,
				Temperature: cfg.LLMTemperature,
			},
			FallbackAnswer: cfg.FallbackAnswer,
		},
	).WithObserver(o.turnObserver)

	app.Chat = chat
	app.Cache = usecase.NewCacheUseCase(docCache, events, xlsx.New(), cfg.CacheExpiryDays)

	ok = true
	return app, nil
}

func (a *App) openStores(ctx context.Context, cfg config.Config) (ports.ConversationStore, ports.DocumentCache, error) {
	switch cfg.StoreDriver {
	case "memory":
		return memory.NewConversationStore(), memory.NewDocumentCache(), nil
	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		a.closeDB(db)
		return sqlite.NewConversationStore(db), sqlite.NewDocumentCache(db), nil
	default:
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closeDB(db)
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return postgres.NewConversationRepository(db), postgres.NewCacheRepository(db), nil
	}
}

func (a *App) closeDB(db *sql.DB) {
	a.closeFns = append(a.closeFns, func() { _ = db.Close() })
}

func (a *App) openPrompt(cfg config.Config) (ports.PromptSource, error) {
	if cfg.PromptFile == "" {
		return prompt.Static(prompt.Default()), nil
	}
	source, err := prompt.NewFileSource(cfg.PromptFile)
	if err != nil {
		return nil, fmt.Errorf("load prompt: %w", err)
	}
	a.Prompt = source
	return source, nil
}

func newSearches(cfg config.Config, executor *resilience.Executor) (usecase.SearchSet, error) {
	client := opensearch.New(opensearch.Config{
		URL:         cfg.OpenSearchURL,
		Index:       cfg.OpenSearchIndex,
		ModelID:     cfg.OpenSearchModelID,
		Username:    cfg.OpenSearchUsername,
		Password:    cfg.OpenSearchPassword,
		InsecureTLS: cfg.OpenSearchInsecureTLS,
		Timeout:     cfg.SearchTimeout,
	}, executor)

	var set usecase.SearchSet
	for _, bind := range []struct {
		source domain.SearchSource
		dst    *ports.SearchAdapter
	}{
		{domain.SourceTextEN, &set.TextEN},
		{domain.SourceTextIT, &set.TextIT},
		{domain.SourceCategoryEN, &set.CategoryEN},
	} {
		searcher, err := client.Searcher(bind.source)
		if err != nil {
			return usecase.SearchSet{}, fmt.Errorf("init %s search: %w", bind.source, err)
		}
		*bind.dst = searcher
	}
	return set, nil
}

func newLanguageModel(cfg config.Config, executor *resilience.Executor) ports.LanguageModel {
	if cfg.LLMProvider == "openai" {
		return openai.New(openai.Config{
			BaseURL: cfg.OpenAIBaseURL,
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.LLMTimeout,
		}, executor)
	}
	return ollama.New(cfg.OllamaURL, cfg.OllamaChatModel, cfg.LLMTimeout, executor)
}

// SweepJob removes expired cache entries and reports how many went and how
// long it took.
func (a *App) SweepJob(observe func(removed int, duration time.Duration)) schedule.Job {
	return func(ctx context.Context) error {
		started := time.Now()
		removed, err := a.Cache.Sweep(ctx)
		if err != nil {
			return err
		}
		if observe != nil {
			observe(removed, time.Since(started))
		}
		return nil
	}
}

func (a *App) Close() {
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		a.closeFns[i]()
	}
	a.closeFns = nil
}
