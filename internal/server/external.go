package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/kartoza/kartoza-pgql/internal/apperr"
	"github.com/kartoza/kartoza-pgql/internal/pipeline"
	"github.com/kartoza/kartoza-pgql/internal/security"
)

// QueryRequest is the body of POST /v1/query
type QueryRequest struct {
	Prompt   string `json:"prompt"`
	MaxLimit int    `json:"max_limit"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	app, ok := appFrom(r.Context())
	if !ok {
		s.writeError(w, r, apperr.Auth("query", "Invalid or inactive API key"))
		return
	}

	if !s.limiter.Allow(app.ID) {
		s.metrics.Collectors().RateLimited()
		s.logger.Warn("rate limit exceeded", zap.String("app_id", app.ID))
		s.writeError(w, r, apperr.RateLimit("query", "Rate limit exceeded"))
		return
	}

	req := QueryRequest{MaxLimit: pipeline.DefaultMaxLimit}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	prompt, err := security.ValidatePrompt(req.Prompt)
	if err != nil {
		s.writeError(w, r, apperr.Validation("query", "Invalid prompt: "+err.Error()))
		return
	}

	if s.pipeline == nil {
		s.writeError(w, r, apperr.Configuration("query", "Hasura endpoint not configured on this server"))
		return
	}
	resp, err := s.pipeline.Run(r.Context(), pipeline.Request{
		Prompt:   prompt,
		MaxLimit: req.MaxLimit,
		App:      app,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	app, _ := appFrom(r.Context())
	if app.Restricted() {
		writeJSONResponse(w, http.StatusOK, map[string]any{
			"tables":     app.AllowedTables,
			"total":      len(app.AllowedTables),
			"restricted": true,
		})
		return
	}
	tables := s.store.CachedTables().Tables
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"tables":     tables,
		"total":      len(tables),
		"restricted": false,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	app, _ := appFrom(r.Context())
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"app_id":         app.ID,
		"role":           app.Role,
		"allowed_tables": app.AllowedTables,
		"description":    app.Description,
		"active":         app.Active,
	})
}
