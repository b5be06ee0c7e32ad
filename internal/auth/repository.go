// Package auth manages user accounts, signed session cookies, and the
// per-user page visit history.
package auth

import (
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUsernameTaken      = errors.New("username already registered")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserNotFound       = errors.New("user not found")
)

var (
	usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_]{3,20}$`)
	emailRe    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// ValidateRegistration checks account fields before they reach the
// database.
func ValidateRegistration(username, email, password string) error {
	if !usernameRe.MatchString(username) {
		return errors.New("username must be 3-20 letters, digits or underscores")
	}
	if !emailRe.MatchString(email) {
		return errors.New("invalid email address")
	}
	if len(password) < 6 {
		return errors.New("password must be at least 6 characters")
	}
	return nil
}

type User struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

type PageVisit struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"-"`
	PageURL   string    `json:"page_url"`
	PageTitle string    `json:"page_title,omitempty"`
	VisitedAt time.Time `json:"visited_at"`
}

// Repository stores users and their page history in SQLite.
type Repository struct {
	db *sql.DB
	// SQLite supports only one concurrent writer
	writeMutex *sync.Mutex
}

// NewRepository opens the database at filename, creating the schema if
// needed. If filename is empty, a shared in-memory db is opened.
func NewRepository(filename string) (*Repository, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		email TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_login INTEGER
	)`); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS page_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		page_url TEXT NOT NULL,
		page_title TEXT,
		visited_at INTEGER NOT NULL
	)`); err != nil {
		return nil, err
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_user_history ON page_history (user_id, visited_at DESC)"); err != nil {
		return nil, err
	}
	return &Repository{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// CreateUser registers a new account with a bcrypt-hashed password.
func (r *Repository) CreateUser(username, email, password string) (*User, error) {
	if err := ValidateRegistration(username, email, password); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	r.writeMutex.Lock()
	defer r.writeMutex.Unlock()
	now := time.Now()
	res, err := r.db.Exec(
		"INSERT INTO users (username, email, password_hash, created_at) VALUES (?, ?, ?, ?)",
		username, email, string(hash), now.UnixMilli())
	if err != nil {
		// the driver reports constraint violations as plain strings
		if strings.Contains(err.Error(), "users.username") {
			return nil, ErrUsernameTaken
		}
		if strings.Contains(err.Error(), "users.email") {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &User{ID: id, Username: username, Email: email, CreatedAt: now}, nil
}

// VerifyUser checks a username/password pair and updates last_login on
// success. A missing user and a wrong password return the same error.
func (r *Repository) VerifyUser(username, password string) (*User, error) {
	user, err := r.userByUsername(username)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	} else if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	now := time.Now()
	r.writeMutex.Lock()
	_, err = r.db.Exec("UPDATE users SET last_login = ? WHERE id = ?", now.UnixMilli(), user.ID)
	r.writeMutex.Unlock()
	if err != nil {
		return nil, err
	}
	user.LastLogin = &now
	return user, nil
}

const selectUser = "SELECT id, username, email, password_hash, created_at, last_login FROM users"

// UserByID looks up one account.
func (r *Repository) UserByID(id int64) (*User, error) {
	return scanUser(r.db.QueryRow(selectUser+" WHERE id = ?", id))
}

func (r *Repository) userByUsername(username string) (*User, error) {
	return scanUser(r.db.QueryRow(selectUser+" WHERE username = ?", username))
}

func scanUser(row *sql.Row) (*User, error) {
	var user User
	var created int64
	var lastLogin sql.NullInt64
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &created, &lastLogin)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	} else if err != nil {
		return nil, err
	}
	user.CreatedAt = time.UnixMilli(created)
	if lastLogin.Valid {
		t := time.UnixMilli(lastLogin.Int64)
		user.LastLogin = &t
	}
	return &user, nil
}

// AddPageVisit records that the user viewed a page.
func (r *Repository) AddPageVisit(userID int64, pageURL, pageTitle string) error {
	r.writeMutex.Lock()
	defer r.writeMutex.Unlock()
	_, err := r.db.Exec(
		"INSERT INTO page_history (user_id, page_url, page_title, visited_at) VALUES (?, ?, ?, ?)",
		userID, pageURL, pageTitle, time.Now().UnixMilli())
	return err
}

// History returns the user's most recent page visits, newest first.
// A limit of zero or less means 50.
func (r *Repository) History(userID int64, limit int) ([]PageVisit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`SELECT id, user_id, page_url, page_title, visited_at
		FROM page_history WHERE user_id = ?
		ORDER BY visited_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	visits := make([]PageVisit, 0, limit)
	for rows.Next() {
		var visit PageVisit
		var visited int64
		var title sql.NullString
		if err := rows.Scan(&visit.ID, &visit.UserID, &visit.PageURL, &title, &visited); err != nil {
			return nil, err
		}
		visit.PageTitle = title.String
		visit.VisitedAt = time.UnixMilli(visited)
		visits = append(visits, visit)
	}
	return visits, rows.Err()
}

// ClearHistory removes the user's entire page history and reports how
// many rows were removed.
func (r *Repository) ClearHistory(userID int64) (int64, error) {
	r.writeMutex.Lock()
	defer r.writeMutex.Unlock()
	res, err := r.db.Exec("DELETE FROM page_history WHERE user_id = ?", userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repository) Close() error {
	return r.db.Close()
}
