// Package api exposes the lending service over HTTP and provides a client
// that implements lending.Service against it.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/pslog"

	"library-lending/library"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	headerRequestID = "X-Request-ID"

	outcomeOK           = "ok"
	outcomeConflict     = "conflict"
	outcomeNotFound     = "not_found"
	outcomeUnauthorized = "unauthorized"
	outcomeError        = "error"
)

// Server serves the catalog and lending operations of a LibraryManager.
type Server struct {
	lm       *library.LibraryManager
	secret   []byte
	tokenTTL time.Duration
	logger   pslog.Logger
	now      func() time.Time
	registry *prometheus.Registry
	ops      *prometheus.CounterVec
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTokenTTL sets the lifetime of tokens issued by /auth/login.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Server) {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
	}
}

// WithClock overrides the time source used for token issuing.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

func New(lm *library.LibraryManager, secret []byte, opts ...Option) *Server {
	s := &Server{
		lm:       lm,
		secret:   secret,
		tokenTTL: DefaultTokenTTL,
		logger:   pslog.NoopLogger(),
		now:      time.Now,
		registry: prometheus.NewRegistry(),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "library_lending_operations_total",
			Help: "Lending operations handled, by operation and outcome.",
		}, []string{"op", "outcome"}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registry.MustRegister(s.ops)
	return s
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /auth/login", s.login)
	mux.HandleFunc("GET /libraries/{slug}/books", s.requireAuth(s.listBooks))
	mux.HandleFunc("GET /libraries/{slug}/books/{id}", s.requireAuth(s.getBook))
	mux.HandleFunc("POST /libraries/{slug}/books/{id}/borrow", s.requireAuth(s.lendingHandler("borrow")))
	mux.HandleFunc("POST /libraries/{slug}/books/{id}/return", s.requireAuth(s.lendingHandler("return")))
	mux.HandleFunc("POST /libraries/{slug}/books/{id}/waitlist", s.requireAuth(s.lendingHandler("join_waitlist")))
	mux.HandleFunc("DELETE /libraries/{slug}/books/{id}/waitlist", s.requireAuth(s.lendingHandler("leave_waitlist")))
	mux.HandleFunc("GET /libraries/{slug}/books/{id}/waitlist/status", s.requireAuth(s.checkWaitlist))
	return s.loggingMiddleware(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(headerRequestID, requestID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.logger.Info("api.request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed", time.Since(start))
	})
}

type contextKey string

const memberKey contextKey = "member"

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := strings.TrimSpace(r.Header.Get("Authorization"))
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		memberID, err := ParseToken(s.secret, strings.TrimSpace(parts[1]))
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), memberKey, memberID)
		next(w, r.WithContext(ctx))
	}
}

func memberFromRequest(r *http.Request) int64 {
	id, _ := r.Context().Value(memberKey).(int64)
	return id
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned by POST /auth/login.
type LoginResponse struct {
	Member library.Member `json:"member"`
	Token  string         `json:"token"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginReq
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := s.lm.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.ops.WithLabelValues("login", outcomeUnauthorized).Inc()
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := IssueToken(s.secret, m.ID, m.Email, s.now(), s.tokenTTL)
	if err != nil {
		s.logger.Error("api.token.issue_failed", "member_id", m.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	s.ops.WithLabelValues("login", outcomeOK).Inc()
	respondJSON(w, http.StatusOK, LoginResponse{Member: *m, Token: token})
}

func (s *Server) listBooks(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	memberID := memberFromRequest(r)
	var (
		books []*library.Book
		err   error
	)
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		books, err = s.lm.SearchBooks(r.Context(), slug, q, memberID)
	} else {
		books, err = s.lm.GetAllBooks(r.Context(), slug, memberID)
	}
	if err != nil {
		s.respondLendingError(w, "list", err)
		return
	}
	if books == nil {
		books = []*library.Book{}
	}
	respondJSON(w, http.StatusOK, books)
}

func (s *Server) getBook(w http.ResponseWriter, r *http.Request) {
	bookID, ok := bookIDFromRequest(w, r)
	if !ok {
		return
	}
	book, err := s.lm.FetchBook(r.Context(), r.PathValue("slug"), bookID, memberFromRequest(r))
	if err != nil {
		s.respondLendingError(w, "fetch", err)
		return
	}
	respondJSON(w, http.StatusOK, book)
}

func (s *Server) lendingHandler(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bookID, ok := bookIDFromRequest(w, r)
		if !ok {
			return
		}
		ctx := r.Context()
		memberID := memberFromRequest(r)
		if _, err := s.lm.FetchBook(ctx, r.PathValue("slug"), bookID, memberID); err != nil {
			s.respondLendingError(w, op, err)
			return
		}

		var (
			book *library.Book
			err  error
		)
		switch op {
		case "borrow":
			book, err = s.lm.Borrow(ctx, bookID, memberID)
		case "return":
			book, err = s.lm.ReturnCopy(ctx, bookID, memberID)
		case "join_waitlist":
			book, err = s.lm.JoinWaitlist(ctx, bookID, memberID)
		case "leave_waitlist":
			book, err = s.lm.LeaveWaitlist(ctx, bookID, memberID)
		default:
			respondError(w, http.StatusNotFound, "not found")
			return
		}
		if err != nil {
			s.respondLendingError(w, op, err)
			return
		}
		s.ops.WithLabelValues(op, outcomeOK).Inc()
		respondJSON(w, http.StatusOK, book)
	}
}

func (s *Server) checkWaitlist(w http.ResponseWriter, r *http.Request) {
	bookID, ok := bookIDFromRequest(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	memberID := memberFromRequest(r)
	if _, err := s.lm.FetchBook(ctx, r.PathValue("slug"), bookID, memberID); err != nil {
		s.respondLendingError(w, "check_waitlist", err)
		return
	}
	st, err := s.lm.CheckWaitlist(ctx, bookID, memberID)
	if err != nil {
		s.respondLendingError(w, "check_waitlist", err)
		return
	}
	s.ops.WithLabelValues("check_waitlist", outcomeOK).Inc()
	respondJSON(w, http.StatusOK, st)
}

func bookIDFromRequest(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid book id")
		return 0, false
	}
	return id, true
}

type errorBody struct {
	Error string        `json:"error"`
	Book  *library.Book `json:"book,omitempty"`
}

func (s *Server) respondLendingError(w http.ResponseWriter, op string, err error) {
	var ce *library.ConflictError
	switch {
	case errors.As(err, &ce):
		s.ops.WithLabelValues(op, outcomeConflict).Inc()
		respondJSON(w, http.StatusConflict, errorBody{Error: ce.Reason, Book: ce.Book})
	case errors.Is(err, library.ErrNotFound):
		s.ops.WithLabelValues(op, outcomeNotFound).Inc()
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, library.ErrUnauthorized):
		s.ops.WithLabelValues(op, outcomeUnauthorized).Inc()
		respondError(w, http.StatusUnauthorized, "unauthorized")
	default:
		s.ops.WithLabelValues(op, outcomeError).Inc()
		s.logger.Error("api.lending.failed", "op", op, "error", err)
		respondError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorBody{Error: msg})
}
