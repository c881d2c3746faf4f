package httpadapter

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type voteRequest struct {
	Direction string `json:"direction"`
}

func (rt *Router) submitVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		rt.writeError(w, r, "submit vote", err)
		return
	}
	if err := rt.cache.SubmitVote(r.Context(), r.PathValue("id"), req.Direction); err != nil {
		rt.writeError(w, r, "submit vote", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// cacheEntries returns the entries for ?ids=a,b keyed by id.
func (rt *Router) cacheEntries(w http.ResponseWriter, r *http.Request) {
	ids := splitIDs(r.URL.Query().Get("ids"))
	if len(ids) == 0 {
		rt.writeError(w, r, "cache entries", domain.WrapError(domain.ErrInvalidInput, "cache entries", errors.New("ids query parameter is required")))
		return
	}
	entries, err := rt.cache.Entries(r.Context(), ids)
	if err != nil {
		rt.writeError(w, r, "cache entries", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (rt *Router) cacheTable(w http.ResponseWriter, r *http.Request) {
	table, err := rt.cache.Table(r.Context())
	if err != nil {
		rt.writeError(w, r, "cache table", err)
		return
	}
	writeJSON(w, http.StatusOK, table)
}

func (rt *Router) cacheExport(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := rt.cache.ExportXLSX(r.Context(), &buf); err != nil {
		rt.writeError(w, r, "cache export", err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="cache.xlsx"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (rt *Router) cacheSweep(w http.ResponseWriter, r *http.Request) {
	removed, err := rt.cache.Sweep(r.Context())
	if err != nil {
		rt.writeError(w, r, "cache sweep", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
