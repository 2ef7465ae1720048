package report

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ReportObserver is told how each generation request ended
type ReportObserver interface {
	ReportGenerated(status string)
}

// Generation statuses reported to the ReportObserver
const (
	ReportSucceeded = "success"
	ReportInvalid   = "invalid"
	ReportRejected  = "rejected"
	ReportFailed    = "error"
)

// ServerDeps are the collaborators behind the HTTP API
type ServerDeps struct {
	Store      *Store
	Pipeline   *Pipeline
	Generator  Generator
	Advisories *AdvisoryLog
	Previews   *MemoryPreviews
	Reports    ReportObserver
	// Metrics is served on GET /metrics when set
	Metrics http.Handler
	// Uploads and Downloads serve stored receipts and generated
	// documents when the backend runs in process
	Uploads   http.Handler
	Downloads http.Handler
}

// Server handles HTTP requests for the expense report
type Server struct {
	deps      ServerDeps
	basicAuth BasicAuth
	mux       *http.ServeMux
	handler   http.Handler
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(deps ServerDeps, basicAuth BasicAuth) *Server {
	return NewServerWithMux(deps, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(deps ServerDeps, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	if deps.Advisories == nil {
		deps.Advisories = NewAdvisoryLog(0)
	}
	s := &Server{
		deps:      deps,
		basicAuth: basicAuth,
		mux:       mux,
	}
	s.registerRoutes()
	s.handler = requestIDMiddleware(accessLogMiddleware(s.corsMiddleware(s.mux)))
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}
	return username == s.basicAuth.Username && password == s.basicAuth.Password
}

// corsMiddleware adds CORS headers and answers preflight requests
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Expense Report"`)
			writeJSONError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-Id")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/state", s.requireAuth(s.handleGetState))

	s.mux.HandleFunc("GET /api/items/{id}/validation", s.requireAuth(s.handleValidateItem))
	s.mux.HandleFunc("POST /api/items/{id}/select", s.requireAuth(s.handleSelectItem))
	s.mux.HandleFunc("PUT /api/items/{id}/recipient", s.requireAuth(s.handleSetRecipient))
	s.mux.HandleFunc("POST /api/items/{id}/receipts", s.requireAuth(s.handleAttachReceipts))
	s.mux.HandleFunc("PATCH /api/items/{id}/receipts/{receiptID}", s.requireAuth(s.handleUpdateReceipt))
	s.mux.HandleFunc("DELETE /api/items/{id}/receipts/{receiptID}", s.requireAuth(s.handleRemoveReceipt))
	s.mux.HandleFunc("GET /api/items/{id}", s.requireAuth(s.handleGetItem))
	s.mux.HandleFunc("PATCH /api/items/{id}", s.requireAuth(s.handleUpdateItem))
	s.mux.HandleFunc("DELETE /api/items/{id}", s.requireAuth(s.handleDeleteItem))
	s.mux.HandleFunc("GET /api/items", s.requireAuth(s.handleListItems))
	s.mux.HandleFunc("POST /api/items", s.requireAuth(s.handleCreateItem))

	s.mux.HandleFunc("POST /api/reset", s.requireAuth(s.handleReset))
	s.mux.HandleFunc("PUT /api/report-period", s.requireAuth(s.handleSetReportPeriod))
	s.mux.HandleFunc("POST /api/generate", s.requireAuth(s.handleGenerate))
	s.mux.HandleFunc("GET /api/advisories", s.requireAuth(s.handleListAdvisories))

	s.mux.HandleFunc("GET /previews/{ref}", s.requireAuth(s.handleGetPreview))
	if s.deps.Uploads != nil {
		s.mux.Handle("GET /uploads/", s.requireAuth(http.StripPrefix("/uploads/", s.deps.Uploads).ServeHTTP))
	}
	if s.deps.Downloads != nil {
		s.mux.Handle("GET /downloads/", s.requireAuth(http.StripPrefix("/downloads/", s.deps.Downloads).ServeHTTP))
	}
	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics)
	}
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
