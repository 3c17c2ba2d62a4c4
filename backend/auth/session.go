package auth

import (
	"net/http"
	"time"

	"github.com/gorilla/sessions"
)

const (
	sessionName = "roomchat"
	usernameKey = "username"
)

// Sessions keeps logged in username in a signed cookie.
type Sessions struct {
	store *sessions.CookieStore
}

func NewSessions(key string, maxAge time.Duration) *Sessions {
	store := sessions.NewCookieStore([]byte(key))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return &Sessions{store: store}
}

func (s *Sessions) Save(w http.ResponseWriter, r *http.Request, username string) error {
	// broken or foreign cookie yields a fresh session, which is fine to overwrite
	sess, _ := s.store.Get(r, sessionName)
	sess.Values[usernameKey] = username
	return sess.Save(r, w)
}

func (s *Sessions) Clear(w http.ResponseWriter, r *http.Request) error {
	sess, _ := s.store.Get(r, sessionName)
	delete(sess.Values, usernameKey)
	sess.Options.MaxAge = -1
	return sess.Save(r, w)
}

// Username returns username stored in request's session cookie.
func (s *Sessions) Username(r *http.Request) (string, bool) {
	sess, err := s.store.Get(r, sessionName)
	if err != nil {
		return "", false
	}
	username, ok := sess.Values[usernameKey].(string)
	return username, ok && username != ""
}
