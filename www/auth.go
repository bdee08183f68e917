package www

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"
)

const (
	sessionName     = "ccmlink_session"
	sessionAuthKey  = "authenticated"
	sessionLoginKey = "login_at"
)

// SessionStore persists the login state of a browser.
type SessionStore interface {
	Authenticated(r *http.Request) bool
	Login(w http.ResponseWriter, r *http.Request) error
	Logout(w http.ResponseWriter, r *http.Request) error
}

// CookieSessionStore keeps the login state in a signed cookie.
type CookieSessionStore struct {
	store *sessions.CookieStore
}

// NewCookieSessionStore creates a cookie store keyed by the base64 secret.
// An undecodable or short secret is replaced by a random key, which
// invalidates existing sessions on restart.
func NewCookieSessionStore(secret string, maxAge time.Duration) *CookieSessionStore {
	var key []byte
	if secret != "" {
		key, _ = base64.StdEncoding.DecodeString(secret)
	}
	if len(key) < 32 {
		key = make([]byte, 32)
		rand.Read(key)
	}
	if maxAge <= 0 {
		maxAge = 12 * time.Hour
	}

	store := sessions.NewCookieStore(key)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(maxAge / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return &CookieSessionStore{store: store}
}

// get retrieves the session from the request. Stale cookies (e.g. after
// secret rotation) yield a decode error but still a usable empty session.
func (s *CookieSessionStore) get(r *http.Request) *sessions.Session {
	session, _ := s.store.Get(r, sessionName)
	return session
}

func (s *CookieSessionStore) Authenticated(r *http.Request) bool {
	ok, _ := s.get(r).Values[sessionAuthKey].(bool)
	return ok
}

func (s *CookieSessionStore) Login(w http.ResponseWriter, r *http.Request) error {
	session := s.get(r)
	session.Values[sessionAuthKey] = true
	session.Values[sessionLoginKey] = time.Now().Unix()
	return session.Save(r, w)
}

func (s *CookieSessionStore) Logout(w http.ResponseWriter, r *http.Request) error {
	session := s.get(r)
	delete(session.Values, sessionAuthKey)
	delete(session.Values, sessionLoginKey)
	session.Options.MaxAge = -1
	return session.Save(r, w)
}

// MemorySessionStore keeps sessions in process memory behind a random id
// cookie. Sessions do not survive a restart.
type MemorySessionStore struct {
	maxAge time.Duration
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]time.Time // id -> expiry
}

// NewMemorySessionStore creates an in-memory store.
func NewMemorySessionStore(maxAge time.Duration) *MemorySessionStore {
	if maxAge <= 0 {
		maxAge = 12 * time.Hour
	}
	return &MemorySessionStore{
		maxAge:   maxAge,
		now:      time.Now,
		sessions: make(map[string]time.Time),
	}
}

func (s *MemorySessionStore) Authenticated(r *http.Request) bool {
	c, err := r.Cookie(sessionName)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.sessions[c.Value]
	if !ok {
		return false
	}
	if !s.now().Before(exp) {
		delete(s.sessions, c.Value)
		return false
	}
	return true
}

func (s *MemorySessionStore) Login(w http.ResponseWriter, r *http.Request) error {
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = s.now().Add(s.maxAge)
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(s.maxAge / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (s *MemorySessionStore) Logout(w http.ResponseWriter, r *http.Request) error {
	if c, err := r.Cookie(sessionName); err == nil {
		s.mu.Lock()
		delete(s.sessions, c.Value)
		s.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: sessionName, Value: "", Path: "/", MaxAge: -1})
	return nil
}

// Count returns the number of live sessions.
func (s *MemorySessionStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// checkSecret verifies a secret against a bcrypt hash.
func checkSecret(secret, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
