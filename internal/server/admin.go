package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kartoza/kartoza-pgql/internal/apperr"
	"github.com/kartoza/kartoza-pgql/internal/apps"
	"github.com/kartoza/kartoza-pgql/internal/cache"
	"github.com/kartoza/kartoza-pgql/internal/metrics"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// CreateAppRequest is the body of POST /api/apps
type CreateAppRequest struct {
	AppID         string   `json:"app_id"`
	Description   string   `json:"description"`
	AllowedTables []string `json:"allowed_tables"`
	Role          string   `json:"role"`
}

// UpdateAppRequest is the body of PUT /api/apps/{app_id}; absent fields are
// left unchanged
type UpdateAppRequest struct {
	Description   *string   `json:"description"`
	AllowedTables *[]string `json:"allowed_tables"`
	Role          *string   `json:"role"`
	Active        *bool     `json:"active"`
}

// RateLimitRequest is the body of PUT /api/config/rate-limit
type RateLimitRequest struct {
	Rate int     `json:"rate"`
	Per  float64 `json:"per"`
}

// Pagination describes one page of a listing
type Pagination struct {
	Page       int `json:"page"`
	Size       int `json:"size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if !s.validDashboardKey(r.Header.Get(headerDashboardKey)) {
		w.Header().Set("WWW-Authenticate", "ApiKey")
		s.writeErrorResponse(w, r, http.StatusUnauthorized, "auth", "Invalid or missing X-Dashboard-Key header")
		return
	}
	token, expires, err := s.issueToken()
	if err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.KindInternal, "issue token", err))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expires.UTC().Format(time.RFC3339),
	})
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("query parameter", fmt.Sprintf("%s must be an integer", name))
	}
	return v, nil
}

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	size, err := queryInt(r, "size", defaultPageSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if page < 1 {
		s.writeError(w, r, apperr.Validation("list apps", "page must be >= 1"))
		return
	}
	if size < 1 || size > maxPageSize {
		s.writeError(w, r, apperr.Validation("list apps", "size must be between 1 and 1000"))
		return
	}

	all := s.store.List()
	total := len(all)
	start := min((page-1)*size, total)
	end := min(start+size, total)

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"apps": all[start:end],
		"pagination": Pagination{
			Page:       page,
			Size:       size,
			Total:      total,
			TotalPages: (total + size - 1) / size,
		},
	})
}

func (s *Server) handleCreateApp(w http.ResponseWriter, r *http.Request) {
	var req CreateAppRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	app, err := s.store.Create(r.Context(), apps.CreateParams{
		ID:            req.AppID,
		Description:   req.Description,
		AllowedTables: req.AllowedTables,
		Role:          apps.Role(req.Role),
	})
	if err != nil {
		s.writeError(w, r, storeError("create app", err))
		return
	}
	writeJSONResponse(w, http.StatusCreated, map[string]any{"success": true, "app": app})
}

func (s *Server) handleGetApp(w http.ResponseWriter, r *http.Request) {
	app, err := s.store.Get(mux.Vars(r)["app_id"])
	if err != nil {
		s.writeError(w, r, storeError("get app", err))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"app": app})
}

func (s *Server) handleUpdateApp(w http.ResponseWriter, r *http.Request) {
	var req UpdateAppRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	params := apps.UpdateParams{
		Description:   req.Description,
		AllowedTables: req.AllowedTables,
		Active:        req.Active,
	}
	if req.Role != nil {
		role := apps.Role(*req.Role)
		params.Role = &role
	}

	app, err := s.store.Update(r.Context(), mux.Vars(r)["app_id"], params)
	if err != nil {
		s.writeError(w, r, storeError("update app", err))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"success": true, "app": app})
}

func (s *Server) handleDeleteApp(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["app_id"]
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, storeError("delete app", err))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("App '%s' deleted", id),
	})
}

func (s *Server) handleRegenerateKey(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["app_id"]
	key, err := s.store.RegenerateKey(r.Context(), id)
	if err != nil {
		s.writeError(w, r, storeError("regenerate key", err))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"success": true, "api_key": key, "app_id": id})
}

func (s *Server) handleSchemaTables(w http.ResponseWriter, r *http.Request) {
	cached := s.store.CachedTables()
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"tables":      cached.Tables,
		"last_loaded": cached.LastLoaded,
		"source":      "cache",
	})
}

func (s *Server) handleSchemaReload(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil || !s.gateway.Configured() {
		s.writeError(w, r, apperr.Validation("reload schema", "Hasura GraphQL endpoint not configured"))
		return
	}
	tables, err := s.gateway.TrackedTables(r.Context(), nil)
	if err != nil {
		s.writeErrorResponse(w, r, http.StatusInternalServerError, apperr.KindUpstream.String(),
			"Failed to load schema: "+err.Error())
		return
	}
	s.store.UpdateSchemaCache(r.Context(), tables)
	s.logger.Info("reloaded schema snapshot", zap.Int("tables", len(tables)))

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"success": true,
		"tables":  tables,
		"total":   len(tables),
		"message": fmt.Sprintf("Loaded %d tables from Hasura", len(tables)),
	})
}

func (s *Server) handleGetRateLimit(w http.ResponseWriter, r *http.Request) {
	st := s.limiter.Settings()
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"rate":        st.Rate,
		"per":         st.Per,
		"description": fmt.Sprintf("%d requests per %g seconds", st.Rate, st.Per),
	})
}

func (s *Server) handleUpdateRateLimit(w http.ResponseWriter, r *http.Request) {
	var req RateLimitRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	per := time.Duration(req.Per * float64(time.Second))
	if err := s.limiter.Update(req.Rate, per); err != nil {
		s.writeError(w, r, apperr.Validation("update rate limit", err.Error()))
		return
	}
	s.logger.Info("rate limit updated", zap.Int("rate", req.Rate), zap.Float64("per_seconds", req.Per))
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"success": true,
		"rate":    req.Rate,
		"per":     req.Per,
		"message": fmt.Sprintf("Rate limit updated to %d per %gs", req.Rate, req.Per),
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeJSONResponse(w, http.StatusOK, map[string]any{"backend": "none"})
		return
	}
	writeJSONResponse(w, http.StatusOK, s.cache.Stats(r.Context()))
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if s.cache != nil {
		if err := s.cache.Clear(r.Context()); err != nil {
			s.writeError(w, r, apperr.Wrap(apperr.KindUpstream, "clear cache", err))
			return
		}
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"success": true, "message": "Cache cleared"})
}

// MetricsResponse is the request summary with the cache statistics
type MetricsResponse struct {
	metrics.Summary
	Cache *cache.Stats `json:"cache,omitempty"`
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	body := MetricsResponse{Summary: s.metrics.Summary()}
	if s.cache != nil {
		stats := s.cache.Stats(r.Context())
		body.Cache = &stats
	}
	writeJSONResponse(w, http.StatusOK, body)
}

func (s *Server) handleRecentRequests(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"requests": s.metrics.RecentRequests(limit),
		"total":    s.metrics.Summary().TotalRequests,
	})
}

func (s *Server) handleRecentErrors(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"errors":       s.metrics.RecentErrors(limit),
		"total_errors": s.metrics.Summary().FailedRequests,
	})
}

func (s *Server) handleResetMetrics(w http.ResponseWriter, r *http.Request) {
	s.metrics.Reset()
	writeJSONResponse(w, http.StatusOK, map[string]any{"message": "Metrics reset successfully"})
}
