package web

import (
	"context"
	"crypto/subtle"
	"log"
	"net/http"

	"github.com/goji/httpauth"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
)

const (
	sessionName = "convtrack"
	sessionUser = "user"
)

type projectKey struct{}

// AuthMiddleware protects the dashboard with basic auth and a session cookie
type AuthMiddleware struct {
	store    sessions.Store
	opts     httpauth.AuthOptions
	user     string
	password string
}

// Setup new middleware for authenticating requests. Session keys are generated on startup so
// restarting the server logs out all browsers.
func NewAuthMiddleware(user, password string) *AuthMiddleware {
	hashKey := securecookie.GenerateRandomKey(32)
	blockKey := securecookie.GenerateRandomKey(32)
	store := sessions.NewCookieStore(hashKey, blockKey)
	store.Options = &sessions.Options{Path: "/", MaxAge: 86400 * 7, HttpOnly: true}
	mw := &AuthMiddleware{store: store, user: user, password: password}
	mw.opts = httpauth.AuthOptions{Realm: "convtrack", AuthFunc: mw.checkPassword}
	return mw
}

// If session cookie is not present then use basic auth to login and set a cookie.
// With no password configured all requests are allowed.
func (mw *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if mw.password == "" {
			next.ServeHTTP(w, r)
			return
		}
		if session, err := mw.store.Get(r, sessionName); err == nil {
			if user, ok := session.Values[sessionUser].(string); ok && user == mw.user {
				next.ServeHTTP(w, r)
				return
			}
		}
		httpauth.BasicAuth(mw.opts)(mw.setCookie(next)).ServeHTTP(w, r)
	})
}

func (mw *AuthMiddleware) setCookie(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, _ := mw.store.Get(r, sessionName)
		session.Values[sessionUser] = mw.user
		if err := session.Save(r, w); err != nil {
			log.Println("error saving session:", err)
		}
		h.ServeHTTP(w, r)
	})
}

func (mw *AuthMiddleware) checkPassword(user, pass string, r *http.Request) bool {
	ok := subtle.ConstantTimeCompare([]byte(user), []byte(mw.user)) == 1 &&
		subtle.ConstantTimeCompare([]byte(pass), []byte(mw.password)) == 1
	log.Println("auth", user, ok)
	return ok
}

// TokenMiddleware checks the project token header on API requests and adds the project name
// to the request context.
func TokenMiddleware(tokens map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			project, ok := tokens[r.Header.Get(tokenHeader)]
			if !ok {
				writeError(w, http.StatusUnauthorized, "invalid project token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), projectKey{}, project)))
		})
	}
}

// Project returns the project name set by TokenMiddleware
func Project(r *http.Request) string {
	p, _ := r.Context().Value(projectKey{}).(string)
	return p
}
