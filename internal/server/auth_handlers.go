package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/hlog"

	"github.com/pitwall/pitwall/internal/auth"
)

type credentials struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := decodeJSON(r, &creds); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := auth.ValidateRegistration(creds.Username, creds.Email, creds.Password); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := s.users.CreateUser(creds.Username, creds.Email, creds.Password)
	switch {
	case errors.Is(err, auth.ErrUsernameTaken):
		respondError(w, http.StatusConflict, "username already exists")
	case errors.Is(err, auth.ErrEmailTaken):
		respondError(w, http.StatusConflict, "email already registered")
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Msg("Could not create user")
		respondError(w, http.StatusInternalServerError, "could not create account")
	default:
		respondJSON(w, http.StatusCreated, user)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := decodeJSON(r, &creds); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if creds.Username == "" || creds.Password == "" {
		respondError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := s.users.VerifyUser(creds.Username, creds.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		respondError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not verify user")
		respondError(w, http.StatusInternalServerError, "could not log in")
		return
	}
	if err := s.sessions.Issue(w, user); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not issue session")
		respondError(w, http.StatusInternalServerError, "could not log in")
		return
	}
	respondJSON(w, http.StatusOK, user)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Clear(w)
	respondJSON(w, http.StatusOK, map[string]any{"message": "logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.users.UserByID(requestUserID(r))
	if errors.Is(err, auth.ErrUserNotFound) {
		// The session outlived the account.
		respondError(w, http.StatusUnauthorized, "login required")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not load user")
		respondError(w, http.StatusInternalServerError, "could not load profile")
		return
	}
	respondJSON(w, http.StatusOK, user)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	visits, err := s.users.History(requestUserID(r), limit)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not load visit history")
		respondError(w, http.StatusInternalServerError, "could not load history")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"count":   len(visits),
		"history": visits,
	})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	removed, err := s.users.ClearHistory(requestUserID(r))
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not clear visit history")
		respondError(w, http.StatusInternalServerError, "could not clear history")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"removed": removed})
}
