// Package server exposes the tutor over HTTP: the WhatsApp webhook, manual test endpoints
// and the session administration routes.
//
// Endpoints:
//
//	POST   /webhook                   inbound provider webhook, always 200
//	GET    /webhook                   verification, echoes hub.challenge
//	POST   /webhook/simulate          {phone, message} → reply, nothing delivered
//	POST   /test-ai                   {message, history?} → raw and shaped reply, store untouched
//	POST   /test-send                 {to, message} → delivery result
//	GET    /status                    server and provider status
//	GET    /conversation/{phone}      raw history of one contact
//	GET    /sessions/stats            store statistics
//	GET    /sessions/list             every session, most recent first
//	GET    /sessions/{phone}/history  detailed history with level breakdown
//	POST   /sessions/cleanup          evict expired sessions now
//	DELETE /sessions/{phone}          remove one session
//	DELETE /sessions/all              remove every session, body {"confirm":"DELETE_ALL_SESSIONS"}
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/shaharia-lab/tutorbot"
	"github.com/shaharia-lab/tutorbot/observability"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Server is the tutor HTTP server.
type Server struct {
	tutor      *tutorbot.Tutor
	admin      *tutorbot.SessionAdmin
	logger     observability.Logger
	backend    string
	startedAt  time.Time
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCompletionBackend records the completion backend name reported by /status.
func WithCompletionBackend(name string) Option {
	return func(s *Server) {
		s.backend = name
	}
}

// New creates a Server listening on addr.
func New(addr string, tutor *tutorbot.Tutor, opts ...Option) *Server {
	s := &Server{
		tutor:     tutor,
		admin:     tutorbot.NewSessionAdmin(tutor.Store()),
		logger:    observability.NewNullLogger(),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithFields(map[string]interface{}{
		observability.ComponentLogField: "http",
	})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /webhook", s.handleWebhookVerify)
	mux.HandleFunc("POST /webhook/simulate", s.handleSimulate)
	mux.HandleFunc("POST /test-ai", s.handleTestAI)
	mux.HandleFunc("POST /test-send", s.handleTestSend)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /conversation/{phone}", s.handleConversation)
	mux.HandleFunc("GET /sessions/stats", s.handleSessionStats)
	mux.HandleFunc("GET /sessions/list", s.handleSessionList)
	mux.HandleFunc("GET /sessions/{phone}/history", s.handleSessionHistory)
	mux.HandleFunc("POST /sessions/cleanup", s.handleSessionCleanup)
	mux.HandleFunc("DELETE /sessions/all", s.handleSessionClearAll)
	mux.HandleFunc("DELETE /sessions/{phone}", s.handleSessionRemove)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      otelhttp.NewHandler(s.recoverer(s.requestLogger(mux)), "tutorbot"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Infof("HTTP server listening on %s", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// ListenAndServe binds the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debugf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Errorf("Panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": msg})
}

func decodeBody(r *http.Request, v interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
