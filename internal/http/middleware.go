package httpapi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/nearby/internal/identity"
	"github.com/example/nearby/internal/models"
	"github.com/example/nearby/internal/observability"
)

type contextKey int

const (
	requestInfoKey contextKey = iota
	callerKey
)

// requestInfo is filled in as the request moves through the chain and read
// back by the access log once the handler returns.
type requestInfo struct {
	id     string
	userID int64
}

// caller is the outcome of resolving the request's credentials. err is
// identity.ErrNoCredentials for anonymous requests.
type caller struct {
	id  models.Identity
	err error
}

func (s *Server) registerMiddleware() {
	s.mux.Use(s.recoverMiddleware)
	s.mux.Use(s.requestInfoMiddleware)
	s.mux.Use(s.accessLogMiddleware)
}

func (s *Server) requestInfoMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := &requestInfo{id: r.Header.Get("X-Request-ID")}
		if info.id == "" {
			info.id = newID()
		}
		w.Header().Set("X-Request-ID", info.id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestInfoKey, info)))
	})
}

// callerMiddleware resolves the caller once per request and records
// activity for known users. Handlers decide whether an identity is required.
func (s *Server) callerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.Identity.Resolve(r)
		if err == nil {
			if info := requestInfoFrom(r.Context()); info != nil {
				info.userID = id.ID
			}
			s.touchLastSeen(r.Context(), id)
		}
		ctx := context.WithValue(r.Context(), callerKey, caller{id: id, err: err})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// touchLastSeen writes last_seen_at at most once per throttle window per
// user. A failed write is retried on the next request.
func (s *Server) touchLastSeen(ctx context.Context, id models.Identity) {
	if s.Users == nil || !id.Valid() {
		return
	}
	if _, ok := s.seen.Get(id.ID); ok {
		return
	}
	if err := s.Users.TouchLastSeen(ctx, id.ID, time.Now()); err != nil {
		s.logger.Warn("last seen not recorded", "user_id", id.ID, "error", err)
		return
	}
	s.seen.Add(id.ID, struct{}{})
}

// adminMiddleware guards index and cache maintenance with an admin bearer token.
func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.Identity.RequireRole(r, identity.RoleAdmin)
		switch {
		case errors.Is(err, identity.ErrForbidden):
			writeError(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		case err != nil:
			writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
			return
		}
		if info := requestInfoFrom(r.Context()); info != nil {
			info.userID = userID
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := routeTemplate(r)
		elapsed := time.Since(start)
		status := strconv.Itoa(sw.status)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(elapsed.Seconds())

		args := []any{
			"method", r.Method,
			"route", route,
			"status", sw.status,
			"duration_ms", elapsed.Milliseconds(),
			"remote_addr", remoteIP(r),
		}
		if info := requestInfoFrom(r.Context()); info != nil {
			args = append(args, "request_id", info.id)
			if info.userID != 0 {
				args = append(args, "user_id", info.userID)
			}
		}
		s.logger.Info("http_request", args...)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "error", rec, "route", routeTemplate(r))
				writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusWriter records the response status for metrics and the access log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	sw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func requestInfoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey).(*requestInfo)
	return info
}

func callerFrom(ctx context.Context) caller {
	if c, ok := ctx.Value(callerKey).(caller); ok {
		return c
	}
	return caller{err: identity.ErrNoCredentials}
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
