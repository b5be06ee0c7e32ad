// Package server exposes the HTTP surface: openf1-backed stats pages,
// account management, visit history and cache maintenance endpoints.
// Handlers stay thin glue over the fetcher and always respond with JSON.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/pitwall/pitwall"
	"github.com/pitwall/pitwall/internal/auth"
)

// Options configures a Server. All dependencies are injected.
type Options struct {
	// Fetcher serves upstream data through the cache.
	Fetcher *pitwall.Fetcher
	// Users is the account and visit-history repository.
	Users *auth.Repository
	// Sessions issues and verifies login cookies.
	Sessions *auth.Sessions
	// Logger to use. If nil, the global zerolog logger is used.
	Logger *zerolog.Logger
}

// Server routes requests to the handlers. It implements http.Handler.
type Server struct {
	fetcher  *pitwall.Fetcher
	users    *auth.Repository
	sessions *auth.Sessions
	log      zerolog.Logger
	router   chi.Router
}

func New(options Options) *Server {
	logger := options.Logger
	if logger == nil {
		logger = &log.Logger
	}
	s := &Server{
		fetcher:  options.Fetcher,
		users:    options.Users,
		sessions: options.Sessions,
		log:      *logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.RequestIDHandler("request_id", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("elapsed", duration).
			Msg("Handled request")
	}))

	r.Group(func(r chi.Router) {
		r.Use(s.trackVisits)
		r.Get("/", s.handleIndex)
		r.Get("/position", s.handlePosition)
		r.Get("/drivers", s.handleDrivers)
		r.Get("/drivers/{number}", s.handleDriverDetail)
		r.Get("/teams", s.requireUser(s.handleTeams))
		r.Get("/races", s.handleRaces)
		r.Get("/races/{meetingKey}", s.handleRaceDetail)
	})

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.requireUser(s.handleLogout))
		r.Get("/me", s.requireUser(s.handleMe))
		r.Get("/history", s.requireUser(s.handleHistory))
		r.Delete("/history", s.requireUser(s.handleClearHistory))
	})

	r.Route("/cache", func(r chi.Router) {
		r.Get("/stats", s.handleCacheStats)
		r.Post("/clear", s.handleCacheClear)
		r.Post("/cleanup", s.handleCacheCleanup)
	})

	return r
}

type contextKey int

const userIDKey contextKey = 0

// requireUser rejects requests without a valid session and stores the
// user id on the request context.
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.sessions.UserID(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "login required")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	}
}

func requestUserID(r *http.Request) int64 {
	id, _ := r.Context().Value(userIDKey).(int64)
	return id
}

// Titles for the pages recorded into a user's visit history, keyed by
// route pattern.
var pageTitles = map[string]string{
	"/":                   "Home",
	"/position":           "Positions",
	"/drivers":            "Drivers",
	"/drivers/{number}":   "Driver detail",
	"/teams":              "Teams",
	"/races":              "Races",
	"/races/{meetingKey}": "Race detail",
}

// trackVisits records page views for logged-in users. Failures are
// logged and never affect the response.
func (s *Server) trackVisits(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		userID, err := s.sessions.UserID(r)
		if err != nil {
			return
		}
		title, ok := pageTitles[chi.RouteContext(r.Context()).RoutePattern()]
		if !ok {
			return
		}
		if err := s.users.AddPageVisit(userID, r.URL.RequestURI(), title); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Could not record page visit")
		}
	})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Could not encode response body")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{"error": message, "status_code": status})
}
