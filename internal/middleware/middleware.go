package middleware

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/access"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/apperrors"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/audit"
)

type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (access.Caller, error)
}

// AuditLogger is satisfied by *audit.AuditWorkerPool.
type AuditLogger interface {
	Log(record audit.AuditLog)
}

// BasicAuthMiddleware resolves HTTP Basic credentials into the request's
// caller. Requests without credentials continue anonymously; the service
// layer decides what an anonymous caller may do.
func BasicAuthMiddleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			email, password, ok := r.BasicAuth()
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			caller, err := auth.Authenticate(r.Context(), email, password)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="shiptrack"`)
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(access.WithCaller(r.Context(), caller)))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets the live channel upgrade through the logger.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// LogMiddleware logs every request and sends the ones using methods to the
// audit pool.
func LogMiddleware(logger *zap.Logger, auditPool AuditLogger, methods ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
			)
			if auditPool != nil && methodInList(r.Method, methods) {
				auditPool.Log(audit.AuditLog{
					Timestamp: time.Now().UTC(),
					Endpoint:  r.URL.Path,
					Request:   r.Method + " " + r.URL.String(),
					Message:   "Request received",
				})
			}
		})
	}
}

// Recover turns a panic into a 500 response.
func Recover(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					if p == http.ErrAbortHandler {
						panic(p)
					}
					logger.Error("panic in handler", zap.Any("panic", p), zap.String("path", r.URL.Path), zap.Stack("stack"))
					writeError(w, apperrors.Storage("handler panic", nil))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(apperrors.HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(map[string]string{"kind": string(kind), "msg": apperrors.Message(err)})
}

func methodInList(method string, methods []string) bool {
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}
