// Package www implements the login gate in front of the API: a single
// shared secret checked against a bcrypt hash, with the login state kept in
// an injected SessionStore.
package www

import (
	"encoding/json"
	"html/template"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"ccmlink/config"
	"ccmlink/logging"
)

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>ccmlink</title></head>
<body>
<form method="post" action="/login">
<h1>ccmlink</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<input type="hidden" name="next" value="{{.Next}}">
<label>Senha <input type="password" name="secret" autofocus></label>
<button type="submit">Entrar</button>
</form>
</body>
</html>
`))

// Gate serves the login pages and guards other handlers.
type Gate struct {
	cfg      *config.WebUIConfig
	sessions SessionStore
}

// NewGate creates a login gate. The secret hash is read from cfg on every
// attempt so a changed secret takes effect without a restart.
func NewGate(cfg *config.WebUIConfig, store SessionStore) *Gate {
	return &Gate{cfg: cfg, sessions: store}
}

// NewRouter creates the router for /login, /logout and /session.
func (g *Gate) NewRouter() chi.Router {
	r := chi.NewRouter()
	r.Get("/login", g.handleLoginPage)
	r.Post("/login", g.handleLoginSubmit)
	r.Post("/logout", g.handleLogout)
	r.Get("/session", g.handleSession)
	return r
}

// Middleware rejects unauthenticated requests. Requests under /api get a
// JSON 401; anything else is redirected to the login page.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.sessions.Authenticated(r) {
			next.ServeHTTP(w, r)
			return
		}
		if strings.HasPrefix(r.URL.Path, "/api") || strings.Contains(r.Header.Get("Accept"), "application/json") {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "login required"})
			return
		}
		http.Redirect(w, r, "/login?next="+r.URL.Path, http.StatusSeeOther)
	})
}

func (g *Gate) render(w http.ResponseWriter, status int, next, errMsg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	loginTemplate.Execute(w, map[string]string{"Next": next, "Error": errMsg})
}

// safeNext only allows local absolute paths as redirect targets.
func safeNext(next string) string {
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.Contains(next, "\\") {
		return "/"
	}
	return next
}

func (g *Gate) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	next := safeNext(r.URL.Query().Get("next"))
	if g.sessions.Authenticated(r) {
		http.Redirect(w, r, next, http.StatusSeeOther)
		return
	}
	g.render(w, http.StatusOK, next, "")
}

func (g *Gate) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	next := safeNext(r.FormValue("next"))
	secret := r.FormValue("secret")

	if secret == "" {
		g.render(w, http.StatusBadRequest, next, "Informe a senha")
		return
	}
	if !checkSecret(secret, g.cfg.SecretHash) {
		logging.DebugLog("auth", "rejected login from %s", r.RemoteAddr)
		g.render(w, http.StatusUnauthorized, next, "Senha incorreta")
		return
	}
	if err := g.sessions.Login(w, r); err != nil {
		g.render(w, http.StatusInternalServerError, next, "Session error: "+err.Error())
		return
	}

	logging.DebugLog("auth", "login from %s", r.RemoteAddr)
	http.Redirect(w, r, next, http.StatusSeeOther)
}

func (g *Gate) handleLogout(w http.ResponseWriter, r *http.Request) {
	g.sessions.Logout(w, r)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (g *Gate) handleSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"authenticated": g.sessions.Authenticated(r)})
}
