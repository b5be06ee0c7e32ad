package auth

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionCookie is the cookie holding the signed session token.
const SessionCookie = "pitwall_session"

// ErrNoSession is returned when a request carries no usable session.
var ErrNoSession = errors.New("no valid session")

// Sessions issues and verifies signed, stateless session cookies.
// Logout works by clearing the cookie; tokens are not tracked server
// side.
type Sessions struct {
	secret []byte
	ttl    time.Duration
}

// NewSessions creates a session manager. A ttl of zero or less means
// 24 hours.
func NewSessions(secret string, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Sessions{secret: []byte(secret), ttl: ttl}
}

type sessionClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Issue sets a session cookie for the user on the response.
func (s *Sessions) Issue(w http.ResponseWriter, user *User) error {
	now := time.Now()
	claims := sessionClaims{
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  now.Add(s.ttl),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear removes the session cookie.
func (s *Sessions) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// UserID returns the logged-in user's id from the request cookie, or
// ErrNoSession if the cookie is missing, expired or tampered with.
func (s *Sessions) UserID(r *http.Request) (int64, error) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return 0, ErrNoSession
	}
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(cookie.Value, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return 0, ErrNoSession
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, ErrNoSession
	}
	return id, nil
}
