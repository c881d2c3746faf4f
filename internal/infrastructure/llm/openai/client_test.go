package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
	"github.com/ste316/rag-nivola-service-portal/internal/infrastructure/resilience"
)

func testExecutor() *resilience.Executor {
	return resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
	})
}

func TestCompleteMapsMessagesAndReadsFirstChoice(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"<final-answer>hi</final-answer>"}}]}`))
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL + "/v1/", APIKey: "sk-test", Model: "gpt", Timeout: time.Second}, testExecutor())
	reply, err := client.Complete(context.Background(), "sys", []domain.Message{
		{Role: domain.RoleUser, Content: "q1"},
		{Role: domain.RoleAssistant, Content: "a1"},
		{Role: domain.RoleUser, Content: "q2"},
	}, domain.GenerationParams{MaxTokens: 3000})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if reply != "<final-answer>hi</final-answer>" {
		t.Fatalf("unexpected reply %q", reply)
	}

	msgs, _ := captured["messages"].([]any)
	if len(msgs) != 4 {
		t.Fatalf("expected system + 3 messages, got %v", captured["messages"])
	}
	if role := msgs[0].(map[string]any)["role"]; role != "system" {
		t.Fatalf("expected system first, got %v", role)
	}
	if role := msgs[2].(map[string]any)["role"]; role != "assistant" {
		t.Fatalf("expected assistant in position 2, got %v", role)
	}
	if captured["max_completion_tokens"].(float64) != 3000 {
		t.Fatalf("unexpected max tokens %v", captured["max_completion_tokens"])
	}
}

func TestCompleteRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, Model: "gpt", Timeout: time.Second}, testExecutor())
	_, err := client.Complete(context.Background(), "", []domain.Message{{Role: domain.RoleUser, Content: "q"}}, domain.GenerationParams{})
	if !domain.IsKind(err, domain.ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}
