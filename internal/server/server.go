package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lazypower/factlog/internal/engine"
	"github.com/lazypower/factlog/internal/store"
)

// Server is the factlog HTTP API server.
type Server struct {
	db      *store.DB
	engine  *engine.Engine
	log     *zap.Logger
	limiter *scopeLimiter
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server over the engine's database.
func New(eng *engine.Engine, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := eng.Config().Server
	s := &Server{
		db:      eng.DB,
		engine:  eng,
		log:     logger,
		limiter: newScopeLimiter(cfg.IngestRate, cfg.IngestBurst),
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(s.requestLog)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/facts", s.handleIngest)
		r.Get("/facts", s.handleListFacts)
		r.Get("/facts/{factID}", s.handleGetFact)
		r.Get("/facts/{factID}/events", s.handleFactEvents)
		r.Get("/facts/{factID}/versions", s.handleFactVersions)

		r.Post("/deliveries", s.handleAllocate)
		r.Post("/deliveries/{deliveryID}/status", s.handleDeliveryStatus)
		r.Get("/recipients/{recipientID}/deliveries", s.handleRecipientDeliveries)

		r.Post("/feedback", s.handleFeedback)

		r.Post("/reduce", s.handleReduce)
		r.Post("/rank", s.handleRank)
	})

	s.router = r
}

// requestLog logs each request at debug level once it completes.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http.request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.PingContext(r.Context()); err != nil {
		dbOK = false
	}
	version, _ := s.db.SchemaVersion()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime":         time.Since(s.started).Seconds(),
		"db":             dbOK,
		"db_path":        s.db.Path,
		"schema_version": version,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps an engine or store error onto a status code. Validation errors
// are the caller's fault, missing rows are 404, the rest are ours.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidItem),
		errors.Is(err, store.ErrInvalidRating),
		errors.Is(err, store.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.log.Error("http.error", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
