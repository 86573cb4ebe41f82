package mocks

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// FakeMessage is one message held by FakeMailProvider.
type FakeMessage struct {
	ID        string
	Subject   string
	Text      string
	HTML      string
	CreatedAt time.Time
}

// FakeMailProvider is an in-process mail.tm compatible REST API.
type FakeMailProvider struct {
	*httptest.Server

	mu        sync.Mutex
	domains   map[string]bool
	passwords map[string]string
	inbox     map[string][]FakeMessage
	autoCode  map[string]string
	logins    int
	listings  int
	seq       int
}

// NewFakeMailProvider starts the fake with one active domain. Call Close
// when done.
func NewFakeMailProvider() *FakeMailProvider {
	f := &FakeMailProvider{
		domains:   map[string]bool{"duck.example": true},
		passwords: make(map[string]string),
		inbox:     make(map[string][]FakeMessage),
		autoCode:  make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /domains", f.handleDomains)
	mux.HandleFunc("POST /accounts", f.handleCreate)
	mux.HandleFunc("POST /token", f.handleToken)
	mux.HandleFunc("GET /messages", f.handleList)
	mux.HandleFunc("GET /messages/{id}", f.handleMessage)
	f.Server = httptest.NewServer(mux)
	return f
}

// AddMailbox registers an address and its password.
func (f *FakeMailProvider) AddMailbox(address, password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passwords[address] = password
}

// Deliver puts msg into the inbox of address. A zero CreatedAt means now.
func (f *FakeMailProvider) Deliver(address string, msg FakeMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliver(address, msg)
}

// SendCodeOnPoll makes the first inbox listing of address deliver a message
// carrying code, stamped at the time of the listing.
func (f *FakeMailProvider) SendCodeOnPoll(address, code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoCode[address] = code
}

// Logins returns how many token requests succeeded.
func (f *FakeMailProvider) Logins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

// Listings returns how many inbox listings were served.
func (f *FakeMailProvider) Listings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listings
}

func (f *FakeMailProvider) deliver(address string, msg FakeMessage) {
	f.seq++
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("m%d", f.seq)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	// Newest first, like the real provider.
	f.inbox[address] = append([]FakeMessage{msg}, f.inbox[address]...)
}

func (f *FakeMailProvider) handleDomains(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	members := make([]map[string]any, 0, len(f.domains))
	for domain, active := range f.domains {
		members = append(members, map[string]any{"domain": domain, "isActive": active})
	}
	writeJSON(w, http.StatusOK, map[string]any{"hydra:member": members})
}

type fakeCredentials struct {
	Address  string `json:"address"`
	Password string `json:"password"`
}

func (f *FakeMailProvider) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body fakeCredentials
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Address == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.passwords[body.Address]; exists {
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}
	f.passwords[body.Address] = body.Password
	writeJSON(w, http.StatusCreated, map[string]any{"id": body.Address, "address": body.Address})
}

func (f *FakeMailProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	var body fakeCredentials
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if want, ok := f.passwords[body.Address]; !ok || want != body.Password {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	f.logins++
	writeJSON(w, http.StatusOK, map[string]any{"id": body.Address, "token": "tok-" + body.Address})
}

func (f *FakeMailProvider) owner(r *http.Request) (string, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	address, ok := strings.CutPrefix(token, "tok-")
	if !ok {
		return "", false
	}
	_, known := f.passwords[address]
	return address, known
}

func (f *FakeMailProvider) handleList(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	address, ok := f.owner(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	f.listings++
	if code, ok := f.autoCode[address]; ok {
		delete(f.autoCode, address)
		f.deliver(address, FakeMessage{
			Subject: "Your sign-in code",
			HTML:    `<div class="verification-code">` + code + `</div>`,
			Text:    "Your verification code is " + code,
		})
	}

	members := make([]map[string]any, 0, len(f.inbox[address]))
	for _, msg := range f.inbox[address] {
		members = append(members, map[string]any{
			"id":        msg.ID,
			"subject":   msg.Subject,
			"createdAt": msg.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"hydra:member": members})
}

func (f *FakeMailProvider) handleMessage(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	address, ok := f.owner(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	id := r.PathValue("id")
	for _, msg := range f.inbox[address] {
		if msg.ID == id {
			writeJSON(w, http.StatusOK, map[string]any{
				"id":        msg.ID,
				"subject":   msg.Subject,
				"text":      msg.Text,
				"html":      []string{msg.HTML},
				"createdAt": msg.CreatedAt.UTC().Format(time.RFC3339),
			})
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
