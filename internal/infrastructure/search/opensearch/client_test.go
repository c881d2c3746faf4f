package opensearch

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
		BreakerEnabled:      false,
	})
}

func TestSearchBuildsNeuralQueryAndMapsHits(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/docs/_search" {
			http.NotFound(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			t.Errorf("expected basic auth, got %q/%q", user, pass)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		neural := body["query"].(map[string]any)["neural"].(map[string]any)
		field, ok := neural["text_it_embedding"].(map[string]any)
		if !ok {
			t.Errorf("expected text_it_embedding query, got %v", neural)
		} else if field["query_text"] != "come accedo?" || field["model_id"] != "model-1" || field["k"].(float64) != 2 {
			t.Errorf("unexpected neural clause %v", field)
		}

		_, _ = w.Write([]byte(`{"hits":{"hits":[
			{"_id":"1","_score":0.91,"_source":{"hash":"h1","text_en":"login","text":"accesso","category_en":"Access","category":"Accesso","link":"https://l/1","required_role":["admin"," "]}},
			{"_id":"2","_score":0.5,"_source":{"text_en":"other","category_en":"Misc","required_role":"a, b"}},
			{"_id":"3","_score":0.1,"_source":{"hash":"h3"}}
		]}}`))
	}))
	defer server.Close()

	client := New(Config{URL: server.URL + "/", Index: "docs", ModelID: "model-1", Username: "admin", Password: "secret"}, testExecutor())
	search, err := client.Searcher(domain.SourceTextIT)
	if err != nil {
		t.Fatalf("Searcher() error = %v", err)
	}

	hits, err := search.Search(context.Background(), "come accedo?", 2)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected results trimmed to k=2, got %d", len(hits))
	}
	first := hits[0]
	if first.Hash != "h1" || first.Text != "login" || first.TextIT != "accesso" || first.Category != "Access" || first.CategoryIT != "Accesso" {
		t.Fatalf("unexpected mapping %+v", first)
	}
	if len(first.RequiredRoles) != 1 || first.RequiredRoles[0] != "admin" {
		t.Fatalf("unexpected roles %v", first.RequiredRoles)
	}
	if hits[1].Hash != "2" || len(hits[1].RequiredRoles) != 2 {
		t.Fatalf("expected _id fallback and split roles, got %+v", hits[1])
	}
}

func TestSearchBadRequestIsQueryRejected(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":{"type":"x_content_parse_exception"}}`, http.StatusBadRequest)
	}))
	defer server.Close()

	search, _ := New(Config{URL: server.URL, Index: "docs"}, testExecutor()).Searcher(domain.SourceTextEN)
	_, err := search.Search(context.Background(), `bad "quote`, 5)
	if !domain.IsKind(err, domain.ErrQueryRejected) {
		t.Fatalf("expected ErrQueryRejected, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("rejected queries must not be retried, got %d calls", got)
	}
}

func TestSearchServerErrorIsRetriedThenUnavailable(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	search, _ := New(Config{URL: server.URL, Index: "docs"}, testExecutor()).Searcher(domain.SourceCategoryEN)
	_, err := search.Search(context.Background(), "q", 5)
	if !domain.IsKind(err, domain.ErrSearchUnavailable) {
		t.Fatalf("expected ErrSearchUnavailable, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestSearcherRejectsUnknownSource(t *testing.T) {
	if _, err := New(Config{}, nil).Searcher("bogus"); err == nil {
		t.Fatalf("expected error for unknown source")
	}
}
