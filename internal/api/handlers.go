package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/texgw/internal/dispatch"
	"github.com/mattjoyce/texgw/internal/pool"
)

// handleHealth is the liveness probe. It never touches the pools.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

// handleHealthz reports pool statistics. Status is "degraded" while any pool
// has no ready slot.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Pools:         make(map[string]pool.Stats, len(s.pools)),
	}
	for name, p := range s.pools {
		stats := p.Stats()
		if stats.Ready == 0 {
			resp.Status = "degraded"
		}
		resp.Pools[name] = stats
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleRenderBody handles POST /render. The body is the document and always
// goes to the public pool.
func (s *Server) handleRenderBody(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "document too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	s.render(w, r, dispatch.Request{
		ID:   middleware.GetReqID(r.Context()),
		Body: body,
	})
}

// handleRenderPath handles GET /render/{document}?token=. A token, even an
// empty one, requests the priority pool.
func (s *Server) handleRenderPath(w http.ResponseWriter, r *http.Request) {
	doc := chi.URLParam(r, "*")
	// chi matches on RawPath when the request needed it, leaving the
	// parameter escaped.
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(doc)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid document encoding")
			return
		}
		doc = unescaped
	}
	if int64(len(doc)) > s.config.MaxBodySize {
		s.writeError(w, http.StatusRequestEntityTooLarge, "document too large")
		return
	}

	req := dispatch.Request{
		ID:   middleware.GetReqID(r.Context()),
		Body: []byte(doc),
	}
	query := r.URL.Query()
	if query.Has("token") {
		token := query.Get("token")
		req.Token = &token
	}

	s.render(w, r, req)
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, req dispatch.Request) {
	img, err := s.renderer.Render(r.Context(), req)
	if err == nil {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(img)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(img)
		return
	}

	outcome := dispatch.Classify(err)
	switch outcome {
	case dispatch.OutcomeBadInput:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(outcome.HTTPStatus())
		_, _ = io.WriteString(w, dispatch.Message(err))
	case dispatch.OutcomeUnauthorized:
		s.writeError(w, outcome.HTTPStatus(), "forbidden")
	default:
		s.writeError(w, outcome.HTTPStatus(), "internal error")
	}
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
