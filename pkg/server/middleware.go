package server

import (
	"context"
	"net/http"
	"time"

	"github.com/Layr-Labs/car-trading-go/pkg/auth"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-Id"

type contextKey string

const (
	requestIDKey contextKey = "requestId"
	subjectKey   contextKey = "subject"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withRequestID tags every request with an id, taken from the caller when supplied, and
// logs the outcome.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID)))

		s.logger.Sugar().Debugw("Handled request",
			zap.String("requestId", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// guard applies the write rate limit and bearer auth to a trade route.
func (s *Server) guard(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			respondError(w, r, http.StatusTooManyRequests, kindRateLimited, "too many trade requests", "")
			return
		}

		if s.authenticator != nil {
			token, err := auth.BearerToken(r.Header.Get("Authorization"))
			if err != nil {
				respondError(w, r, http.StatusUnauthorized, kindUnauthorized, err.Error(), "")
				return
			}
			subject, err := s.authenticator.ValidateToken(token)
			if err != nil {
				s.logger.Sugar().Infow("Rejected trade request",
					zap.String("requestId", requestIDFrom(r.Context())),
					zap.Error(err),
				)
				respondError(w, r, http.StatusUnauthorized, kindUnauthorized, "invalid bearer token", "")
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), subjectKey, subject))
		}

		next(w, r)
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func subjectFrom(ctx context.Context) string {
	subject, _ := ctx.Value(subjectKey).(string)
	return subject
}
