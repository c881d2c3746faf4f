package httpadapter

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ste316/rag-nivola-service-portal/internal/config"
	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
	"github.com/ste316/rag-nivola-service-portal/internal/core/ports"
)

const maxRequestBodyBytes = 64 << 10

// Metrics is the optional HTTP instrumentation hook.
type Metrics interface {
	Middleware(next http.Handler) http.Handler
	Handler() http.Handler
}

type Router struct {
	chat  ports.ChatService
	convs ports.ConversationReader
	cache ports.CacheService

	adminAPIKey      string
	errorAnswer      string
	rateLimitRPS     float64
	rateLimitBurst   int
	maxInFlight      int
	backpressureWait time.Duration

	metrics Metrics
}

func NewRouter(
	cfg config.Config,
	chat ports.ChatService,
	convs ports.ConversationReader,
	cache ports.CacheService,
) *Router {
	errorAnswer := strings.TrimSpace(cfg.ErrorAnswer)
	if errorAnswer == "" {
		errorAnswer = "Errore generico, riprova più tardi."
	}
	wait := cfg.APIBackpressureWait
	if wait <= 0 {
		wait = 250 * time.Millisecond
	}
	return &Router{
		chat:             chat,
		convs:            convs,
		cache:            cache,
		adminAPIKey:      cfg.AdminAPIKey,
		errorAnswer:      errorAnswer,
		rateLimitRPS:     cfg.APIRateLimitRPS,
		rateLimitBurst:   cfg.APIRateLimitBurst,
		maxInFlight:      cfg.APIMaxInFlight,
		backpressureWait: wait,
	}
}

func (rt *Router) WithMetrics(m Metrics) *Router {
	rt.metrics = m
	return rt
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/chats", rt.newChat)
	api.HandleFunc("POST /v1/chats/{id}/messages", rt.ask)
	api.HandleFunc("GET /v1/chats/{id}", rt.getConversation)
	api.HandleFunc("GET /v1/chats", adminOnly(rt.adminAPIKey, rt.listConversations))
	api.HandleFunc("DELETE /v1/chats/{id}", adminOnly(rt.adminAPIKey, rt.deleteConversation))

	api.HandleFunc("POST /v1/cache/{id}/votes", rt.submitVote)
	api.HandleFunc("GET /v1/cache", adminOnly(rt.adminAPIKey, rt.cacheEntries))
	api.HandleFunc("GET /v1/cache/table", adminOnly(rt.adminAPIKey, rt.cacheTable))
	api.HandleFunc("GET /v1/cache/export.xlsx", adminOnly(rt.adminAPIKey, rt.cacheExport))
	api.HandleFunc("POST /v1/cache/sweep", adminOnly(rt.adminAPIKey, rt.cacheSweep))

	var limited http.Handler = api
	limited = backpressureMiddleware(limited, rt.maxInFlight, rt.backpressureWait)
	limited = rateLimitMiddleware(limited, rt.rateLimitRPS, rt.rateLimitBurst)

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", rt.healthz)
	if rt.metrics != nil {
		root.Handle("GET /metrics", rt.metrics.Handler())
	}
	root.Handle("/", limited)

	var handler http.Handler = root
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(handler)
	}
	return requestIDMiddleware(accessLogMiddleware(handler))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError reports err by kind only. Internal error text stays in the log.
func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := mapErrorToHTTPStatus(err)
	attrs := []any{
		"request_id", requestIDFromContext(r.Context()),
		"op", op,
		"status", status,
		"error", err,
	}
	if status >= http.StatusInternalServerError {
		slog.Error("http_handler_error", attrs...)
	} else {
		slog.Warn("http_handler_error", attrs...)
	}
	writeJSON(w, status, map[string]string{"error": errorCode(err)})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.WrapError(domain.ErrInvalidInput, "decode request", err)
	}
	return nil
}

func splitIDs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func parseLimit(raw string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.WrapError(domain.ErrInvalidInput, "parse limit", errors.New("limit must be a non-negative integer"))
	}
	return n, nil
}
