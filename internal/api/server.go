// Package api provides the HTTP server and handlers for signed download
// links.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/SpringsFern/TG-FileStream/internal/auth"
	"github.com/SpringsFern/TG-FileStream/internal/locator"
	"github.com/SpringsFern/TG-FileStream/internal/logging"
	"github.com/SpringsFern/TG-FileStream/internal/metrics"
	"github.com/SpringsFern/TG-FileStream/internal/quota"
	"github.com/SpringsFern/TG-FileStream/internal/storage"
	"github.com/SpringsFern/TG-FileStream/internal/transfer"
)

// Options wires a Server to the rest of the application.
type Options struct {
	Pool     *transfer.Pool
	Resolver *locator.Resolver
	Store    storage.Store
	Signer   *auth.Signer
	Limiter  *quota.RateLimiter // nil means unlimited

	// PublicURL is the base of links listed by /group.
	PublicURL string
	Version   string
}

// Server serves downloads and the status endpoints.
type Server struct {
	pool      *transfer.Pool
	resolver  *locator.Resolver
	store     storage.Store
	signer    *auth.Signer
	limiter   *quota.RateLimiter
	publicURL string
	version   string
}

// NewServer creates a new server.
func NewServer(opts Options) *Server {
	limiter := opts.Limiter
	if limiter == nil {
		limiter = quota.NewRateLimiter(0)
	}
	return &Server{
		pool:      opts.Pool,
		resolver:  opts.Resolver,
		store:     opts.Store,
		signer:    opts.Signer,
		limiter:   limiter,
		publicURL: strings.TrimRight(opts.PublicURL, "/"),
		version:   opts.Version,
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	// GET patterns also match HEAD.
	mux.HandleFunc("GET /dl/{payload}/{sig}", s.handleDownload)
	mux.HandleFunc("GET /group/{payload}/{sig}", s.handleGroup)

	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Version  string           `json:"version"`
	Accounts []transfer.Stats `json:"accounts"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Version: s.version, Accounts: []transfer.Stats{}}
	for _, t := range s.pool.All() {
		resp.Accounts = append(resp.Accounts, t.Stats())
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGroup lists the download links of a group, one per line, in group
// order.
func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	userID, groupID, err := s.signer.Parse(r.PathValue("payload"), r.PathValue("sig"))
	if err != nil {
		s.sendError(w, http.StatusForbidden, "invalid link")
		return
	}
	if !s.checkUser(w, r, userID) {
		return
	}

	group, err := s.store.GetGroup(r.Context(), groupID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "group not found")
		return
	}
	if err != nil {
		logging.WithContext(r.Context()).Error("failed to load group", zap.Int64("group", groupID), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to load group")
		return
	}

	var b strings.Builder
	for _, fileID := range group.Files {
		token, err := s.signer.Make(userID, fileID)
		if err != nil {
			s.sendError(w, http.StatusInternalServerError, err.Error())
			return
		}
		b.WriteString(s.publicURL + "/dl/" + token + "\n")
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(b.Len()))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write([]byte(b.String()))
	}
}

// checkUser applies the per-user rate limit and ban list. It writes the error
// response and returns false when the request must stop.
func (s *Server) checkUser(w http.ResponseWriter, r *http.Request, userID int64) bool {
	if !s.limiter.Allow(userID) {
		metrics.RecordRateLimitHit()
		w.Header().Set("Retry-After", strconv.Itoa(s.limiter.RetryAfter(userID)))
		s.sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}

	user, err := s.store.GetUser(r.Context(), userID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return true
	case err != nil:
		logging.WithContext(r.Context()).Error("failed to load user", zap.Int64("user", userID), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to load user")
		return false
	case user.Banned():
		s.sendError(w, http.StatusForbidden, "user is banned")
		return false
	}
	return true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
