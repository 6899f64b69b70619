package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kartoza/kartoza-pgql/internal/apps"
)

const (
	headerAppKey       = "X-App-Api-Key"
	headerDashboardKey = "X-Dashboard-Key"
	headerRequestID    = "X-Request-ID"

	tokenIssuer  = "kartoza-pgql"
	tokenSubject = "dashboard"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	appKey       contextKey = "app"
)

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func appFrom(ctx context.Context) (apps.Application, bool) {
	app, ok := ctx.Value(appKey).(apps.Application)
	return app, ok
}

// requestID echoes the caller's X-Request-ID or assigns a new one
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestIDFrom(r.Context())))
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", strings.Join([]string{
			"Content-Type", "Authorization", headerAppKey, headerDashboardKey, headerRequestID,
		}, ", "))
		h.Set("Access-Control-Expose-Headers", headerRequestID)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireApp resolves the application owning X-App-Api-Key
func (s *Server) requireApp(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(headerAppKey)
		if key == "" {
			w.Header().Set("WWW-Authenticate", "ApiKey")
			s.writeErrorResponse(w, r, http.StatusUnauthorized, "auth", "Missing X-App-Api-Key header")
			return
		}
		app, ok := s.store.Resolve(key)
		if !ok {
			w.Header().Set("WWW-Authenticate", "ApiKey")
			s.writeErrorResponse(w, r, http.StatusUnauthorized, "auth", "Invalid or inactive API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), appKey, app)))
	})
}

// requireAdmin accepts the dashboard key or a bearer token it issued
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.validDashboardKey(r.Header.Get(headerDashboardKey)) {
			next.ServeHTTP(w, r)
			return
		}
		if token, ok := bearerToken(r); ok {
			err := s.verifyToken(token)
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}
			s.logger.Debug("rejected admin token", zap.Error(err))
		}
		w.Header().Set("WWW-Authenticate", "ApiKey")
		s.writeErrorResponse(w, r, http.StatusUnauthorized, "auth", "Invalid or missing X-Dashboard-Key header")
	})
}

func (s *Server) validDashboardKey(key string) bool {
	if s.dashboardKey == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.dashboardKey)) == 1
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

// issueToken signs an HS256 token for the dashboard
func (s *Server) issueToken() (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.tokenTTL)
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   tokenSubject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

func (s *Server) verifyToken(raw string) error {
	if len(s.jwtSecret) == 0 {
		return errors.New("token authentication disabled")
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return s.jwtSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithSubject(tokenSubject),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	return err
}
