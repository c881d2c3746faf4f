// Package opensearch runs neural (embedding) queries against an OpenSearch
// index, one adapter per embedding field.
package opensearch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
	"github.com/ste316/rag-nivola-service-portal/internal/infrastructure/resilience"
)

var embeddingFields = map[domain.SearchSource]string{
	domain.SourceTextEN:     "text_en_embedding",
	domain.SourceTextIT:     "text_it_embedding",
	domain.SourceCategoryEN: "category_en_embedding",
}

// Embedding vectors are never returned to the caller.
var excludedFields = []string{"category_en_embedding", "text_en_embedding", "text_it_embedding"}

type Config struct {
	URL         string
	Index       string
	ModelID     string
	Username    string
	Password    string
	InsecureTLS bool
	Timeout     time.Duration
}

type Client struct {
	baseURL    string
	index      string
	modelID    string
	username   string
	password   string
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(cfg Config, executor *resilience.Executor) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed cluster certs
	}
	if executor == nil {
		executor = resilience.NewExecutor(resilience.DefaultConfig())
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		index:      cfg.Index,
		modelID:    cfg.ModelID,
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		executor:   executor,
	}
}

// NeuralSearch is a SearchAdapter bound to one embedding field.
type NeuralSearch struct {
	client *Client
	source domain.SearchSource
	field  string
}

func (c *Client) Searcher(source domain.SearchSource) (*NeuralSearch, error) {
	field, ok := embeddingFields[source]
	if !ok {
		return nil, fmt.Errorf("opensearch: unknown search source %q", source)
	}
	return &NeuralSearch{client: c, source: source, field: field}, nil
}

func (s *NeuralSearch) Source() domain.SearchSource {
	return s.source
}

func (s *NeuralSearch) Search(ctx context.Context, query string, k int) ([]domain.Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "opensearch search", fmt.Errorf("query must not be empty"))
	}
	if k <= 0 {
		return []domain.Hit{}, nil
	}

	operation := "opensearch." + string(s.source)
	hits, err := resilience.Run(ctx, s.client.executor, operation, func(callCtx context.Context) ([]domain.Hit, error) {
		return s.client.neural(callCtx, s.field, query, k)
	}, classifySearchError)
	if err != nil {
		return nil, mapSearchError(operation, err)
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (c *Client) neural(ctx context.Context, field, query string, k int) ([]domain.Hit, error) {
	reqBody := map[string]any{
		"size":    k,
		"_source": map[string]any{"exclude": excludedFields},
		"query": map[string]any{
			"neural": map[string]any{
				field: map[string]any{
					"query_text": query,
					"model_id":   c.modelID,
					"k":          k,
				},
			},
		},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}

	url := fmt.Sprintf("%s/%s/_search", c.baseURL, c.index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opensearch search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &HTTPStatusError{
			Operation:  "search",
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(raw),
		}
	}

	var searchResp searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return searchResp.toHits(), nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string       `json:"_id"`
			Score  float64      `json:"_score"`
			Source sourceFields `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

type sourceFields struct {
	Hash         string          `json:"hash"`
	TextEN       string          `json:"text_en"`
	Text         string          `json:"text"`
	TextIT       string          `json:"text_it"`
	CategoryEN   string          `json:"category_en"`
	Category     string          `json:"category"`
	Link         string          `json:"link"`
	RequiredRole json.RawMessage `json:"required_role"`
}

func (r searchResponse) toHits() []domain.Hit {
	out := make([]domain.Hit, 0, len(r.Hits.Hits))
	for _, h := range r.Hits.Hits {
		hash := h.Source.Hash
		if hash == "" {
			hash = h.ID
		}
		out = append(out, domain.Hit{
			Hash:          hash,
			Score:         h.Score,
			Text:          h.Source.TextEN,
			TextIT:        firstNonEmpty(h.Source.Text, h.Source.TextIT),
			Category:      h.Source.CategoryEN,
			CategoryIT:    h.Source.Category,
			Link:          h.Source.Link,
			RequiredRoles: decodeRoles(h.Source.RequiredRole),
		})
	}
	return out
}

// decodeRoles accepts either a JSON list or a comma separated string.
func decodeRoles(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return compact(list)
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return compact(strings.Split(single, ","))
	}
	return nil
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
