package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
	"github.com/ste316/rag-nivola-service-portal/internal/infrastructure/resilience"
)

// Client is a LanguageModel backed by the Ollama /api/chat endpoint.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(baseURL, model string, timeout time.Duration, executor *resilience.Executor) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if executor == nil {
		executor = resilience.NewExecutor(resilience.DefaultConfig())
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		executor:   executor,
	}
}

func (c *Client) Complete(ctx context.Context, systemPrompt string, messages []domain.Message, params domain.GenerationParams) (string, error) {
	reqBody := chatRequest{
		Model:    c.model,
		Messages: toChatMessages(systemPrompt, messages),
		Stream:   false,
		Options: chatOptions{
			Temperature: params.Temperature,
			NumPredict:  params.MaxTokens,
		},
	}

	var response chatResponse
	err := c.executor.Execute(ctx, "ollama.chat", func(callCtx context.Context) error {
		return c.postJSON(callCtx, "/api/chat", reqBody, &response, "chat")
	}, classifyOllamaError)
	if err != nil {
		return "", domain.WrapError(domain.ErrModelUnavailable, "ollama chat", wrapTemporaryIfNeeded("ollama chat", err))
	}

	content := strings.TrimSpace(response.Message.Content)
	if content == "" {
		return "", domain.WrapError(domain.ErrModelUnavailable, "ollama chat", fmt.Errorf("empty completion"))
	}
	return content, nil
}
