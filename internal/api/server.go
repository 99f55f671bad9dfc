// Package api exposes the operator HTTP surface: run lifecycle commands and
// read-only status endpoints.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/lotfb86/NewLetterAgent/internal/core"
	"github.com/lotfb86/NewLetterAgent/internal/logging"
	"github.com/lotfb86/NewLetterAgent/internal/orchestrator"
)

// Server handles operator HTTP requests.
type Server struct {
	router chi.Router
	orch   *orchestrator.Orchestrator
	ledger core.Ledger
	log    *logging.Logger
}

// NewServer creates the API server.
func NewServer(orch *orchestrator.Orchestrator, ledger core.Ledger, allowedOrigins []string, log *logging.Logger) *Server {
	s := &Server{orch: orch, ledger: ledger, log: log}
	s.router = s.setupRouter(allowedOrigins)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter(allowedOrigins []string) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Minute))
	r.Use(s.loggingMiddleware)

	if len(allowedOrigins) > 0 {
		corsHandler := cors.New(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		})
		r.Use(corsHandler.Handler)
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/trigger", s.handleTrigger)
		r.Post("/reset", s.handleReset)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Get("/drafts", s.handleListDrafts)
				r.Post("/approve", s.handleApprove)
				r.Post("/feedback", s.handleFeedback)
				r.Post("/replay", s.handleReplay)
			})
		})

		r.Get("/dead-letters", s.handleDeadLetters)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.log.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.orch.Status(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, st)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Trigger string `json:"trigger"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Trigger == "" {
		req.Trigger = "api"
	}

	out, err := s.orch.Trigger(r.Context(), req.Trigger)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, out)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	out, err := s.orch.SubmitApproval(r.Context(), core.RunID(chi.URLParam(r, "runID")))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, out)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Feedback string `json:"feedback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Feedback == "" {
		s.respondError(w, core.ErrValidation("request body must carry a non-empty feedback field"))
		return
	}

	out, err := s.orch.SubmitFeedback(r.Context(), core.RunID(chi.URLParam(r, "runID")), req.Feedback)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, out)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID  string `json:"run_id"`
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	out, err := s.orch.Reset(r.Context(), core.RunID(req.RunID), req.Reason)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, out)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	out, err := s.orch.Replay(r.Context(), core.RunID(chi.URLParam(r, "runID")))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, out)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.ledger.ListRuns(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.ledger.GetRun(r.Context(), core.RunID(chi.URLParam(r, "runID")))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, run)
}

func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	drafts, err := s.ledger.ListDrafts(r.Context(), core.RunID(chi.URLParam(r, "runID")))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"drafts": drafts})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := s.ledger.ListDeadLetters(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("encoding response failed", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := httpStatusForError(err)
	if status >= 500 {
		s.log.Error("request failed", "error", err)
	}
	s.respond(w, status, map[string]string{"error": err.Error()})
}
