package httpadapter

import (
	"log/slog"
	"net/http"
)

type askRequest struct {
	Question string `json:"question"`
}

type turnErrorResponse struct {
	Answer    string `json:"answer"`
	ErrorCode string `json:"error_code"`
}

func (rt *Router) newChat(w http.ResponseWriter, r *http.Request) {
	id, err := rt.chat.NewChat(r.Context())
	if err != nil {
		rt.writeError(w, r, "new chat", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"chat_id": id})
}

// ask answers one question. Failures carry the generic answer and a code so
// clients can render something without parsing errors.
func (rt *Router) ask(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeJSON(w, r, &req); err != nil {
		rt.writeTurnError(w, r, err)
		return
	}

	result, err := rt.chat.Ask(r.Context(), r.PathValue("id"), req.Question)
	if err != nil {
		rt.writeTurnError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) writeTurnError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	logTurnError(r, status, err)
	writeJSON(w, status, turnErrorResponse{
		Answer:    rt.errorAnswer,
		ErrorCode: errorCode(err),
	})
}

func logTurnError(r *http.Request, status int, err error) {
	attrs := []any{
		"request_id", requestIDFromContext(r.Context()),
		"chat_id", r.PathValue("id"),
		"status", status,
		"error", err,
	}
	if status >= http.StatusInternalServerError {
		slog.Error("chat_turn_failed", attrs...)
		return
	}
	slog.Warn("chat_turn_failed", attrs...)
}

func (rt *Router) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := rt.convs.Conversation(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeError(w, r, "get conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// listConversations returns the conversations named in ?ids=a,b, or all of
// them ordered by id when ids is absent.
func (rt *Router) listConversations(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if ids := splitIDs(query.Get("ids")); len(ids) > 0 {
		convs, err := rt.convs.Conversations(r.Context(), ids)
		if err != nil {
			rt.writeError(w, r, "get conversations", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
		return
	}

	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		rt.writeError(w, r, "list conversations", err)
		return
	}
	convs, err := rt.convs.AllConversations(r.Context(), limit)
	if err != nil {
		rt.writeError(w, r, "list conversations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (rt *Router) deleteConversation(w http.ResponseWriter, r *http.Request) {
	deleted, err := rt.convs.DeleteConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeError(w, r, "delete conversation", err)
		return
	}
	if !deleted {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
