package mocks

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

const gatewaySessionCookie = "admin_session"

// FakeGateway is an in-process gateway admin API that accepts accounts
// config replacements after an admin login.
type FakeGateway struct {
	*httptest.Server

	AdminKey string
	// ReloadStatus overrides the status of the reload call when non-zero.
	ReloadStatus int

	mu      sync.Mutex
	logins  int
	reloads int
	body    []byte
}

// NewFakeGateway starts the fake. Call Close when done.
func NewFakeGateway(adminKey string) *FakeGateway {
	g := &FakeGateway{AdminKey: adminKey}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.logins++
		if err := r.ParseForm(); err != nil || r.PostForm.Get("admin_key") != g.AdminKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: gatewaySessionCookie, Value: "ok", Path: "/"})
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("PUT /admin/accounts-config", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		if c, err := r.Cookie(gatewaySessionCookie); err != nil || c.Value != "ok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if g.ReloadStatus != 0 {
			w.WriteHeader(g.ReloadStatus)
			return
		}
		g.reloads++
		g.body = body
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	g.Server = httptest.NewServer(mux)
	return g
}

// Logins returns how many login requests were made.
func (g *FakeGateway) Logins() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.logins
}

// Reloads returns how many reloads were accepted.
func (g *FakeGateway) Reloads() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reloads
}

// LastConfig returns the body of the last accepted reload.
func (g *FakeGateway) LastConfig() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]byte(nil), g.body...)
}
