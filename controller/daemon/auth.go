package daemon

import (
	"crypto/rand"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"
)

const sessionName = "agrofert"

type Credentials struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

type auth struct {
	settings AuthSettings
	store    *sessions.CookieStore
}

func newAuth(s AuthSettings) *auth {
	key := []byte(s.SessionKey)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			log.Println("auth: session key:", err)
		}
	}
	store := sessions.NewCookieStore(key)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
	return &auth{settings: s, store: store}
}

// HashPassword returns the bcrypt hash to put in the settings file.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(h), err
}

func (a *auth) valid(c Credentials) bool {
	if c.User != a.settings.User {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.settings.PasswordHash), []byte(c.Password)) == nil
}

func (a *auth) signIn(w http.ResponseWriter, r *http.Request) {
	var c Credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !a.valid(c) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	session, _ := a.store.Get(r, sessionName)
	session.Values["user"] = c.User
	if err := session.Save(r, w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *auth) signOut(w http.ResponseWriter, r *http.Request) {
	session, _ := a.store.Get(r, sessionName)
	session.Options.MaxAge = -1
	delete(session.Values, "user")
	if err := session.Save(r, w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// middleware rejects requests without a signed-in session. Sign-in itself
// and the metrics endpoint stay open.
func (a *auth) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.settings.Enable || strings.HasPrefix(r.URL.Path, "/auth/") || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		session, err := a.store.Get(r, sessionName)
		if err != nil || session.Values["user"] == nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
