package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/kartoza/kartoza-pgql/internal/apperr"
	"github.com/kartoza/kartoza-pgql/internal/apps"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Kind    string `json:"kind"`
}

func writeJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, kind, message string) {
	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", statusCode),
		zap.String("error", message),
		zap.String("request_id", requestIDFrom(r.Context())),
	}
	if statusCode >= 500 {
		s.logger.Error("request failed", fields...)
	} else {
		s.logger.Warn("request rejected", fields...)
	}
	writeJSONResponse(w, statusCode, ErrorResponse{Success: false, Error: message, Kind: kind})
}

// writeError classifies err with apperr and writes it
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeErrorResponse(w, r, apperr.HTTPStatus(err), apperr.KindOf(err).String(), err.Error())
}

// storeError classifies the sentinel errors of the apps store
func storeError(op string, err error) error {
	var invalid *apps.InvalidTablesError
	switch {
	case errors.Is(err, apps.ErrNotFound):
		return apperr.Wrap(apperr.KindNotFound, op, err)
	case errors.Is(err, apps.ErrAlreadyExists):
		return apperr.Wrap(apperr.KindConflict, op, err)
	case errors.Is(err, apps.ErrEmptyID),
		errors.Is(err, apps.ErrInvalidRole),
		errors.Is(err, apps.ErrNothingToUpdate),
		errors.As(err, &invalid):
		return apperr.Wrap(apperr.KindValidation, op, err)
	default:
		return apperr.Wrap(apperr.KindInternal, op, err)
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("decode", "invalid request body: "+err.Error())
	}
	return nil
}
