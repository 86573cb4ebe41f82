package mocks

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

const webElementKey = "element-6066-11e4-a52e-4f735466cecf"

// Login page phases served by FakeWebDriver.
const (
	PhaseEmail    = "email"
	PhaseRejected = "rejected"
	PhaseCode     = "code"
	PhaseDone     = "done"
)

// FakeCookie is a cookie returned once the login completes.
type FakeCookie struct {
	Name   string
	Value  string
	Expiry int64
}

// FakeWebDriver is an in-process W3C WebDriver endpoint that plays a scripted
// email + one-time-code login.
type FakeWebDriver struct {
	*httptest.Server

	// RejectSessions is how many sessions show the rejection page after the
	// email is submitted.
	RejectSessions int
	// HideCodeField keeps the code field from ever appearing.
	HideCodeField bool
	ExpectedCode  string
	LoginURL      string
	FinalURL      string
	Cookies       []FakeCookie

	mu        sync.Mutex
	sessions  int
	deleted   int
	phase     map[string]string
	typed     map[string]string
	navigated []string
	clicked   []string
}

// NewFakeWebDriver starts the fake. Call Close when done.
func NewFakeWebDriver() *FakeWebDriver {
	f := &FakeWebDriver{
		ExpectedCode: "AB12CD",
		FinalURL:     "https://business.example/home/cid/cfg-1?csesidx=idx-1",
		phase:        make(map[string]string),
		typed:        make(map[string]string),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	return f
}

// Sessions returns how many sessions were created.
func (f *FakeWebDriver) Sessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions
}

// Deleted returns how many sessions were closed.
func (f *FakeWebDriver) Deleted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleted
}

// Typed returns the last text sent to an element id.
func (f *FakeWebDriver) Typed(element string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.typed[element]
}

// Clicked returns the element ids clicked, in order.
func (f *FakeWebDriver) Clicked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.clicked...)
}

// Navigated returns the URLs loaded, in order.
func (f *FakeWebDriver) Navigated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.navigated...)
}

func (f *FakeWebDriver) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 1 && parts[0] == "status" {
		writeValue(w, map[string]any{"ready": true, "message": "fake driver ready"})
		return
	}
	if len(parts) == 1 && parts[0] == "session" && r.Method == http.MethodPost {
		f.sessions++
		id := fmt.Sprintf("s%d", f.sessions)
		f.phase[id] = PhaseEmail
		writeValue(w, map[string]any{"sessionId": id, "capabilities": map[string]any{}})
		return
	}
	if len(parts) < 2 || parts[0] != "session" {
		writeError(w, http.StatusNotFound, "unknown command", r.URL.Path)
		return
	}

	id := parts[1]
	phase, ok := f.phase[id]
	if !ok {
		writeError(w, http.StatusNotFound, "invalid session id", id)
		return
	}
	rest := parts[2:]

	var body map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	switch {
	case len(rest) == 0 && r.Method == http.MethodDelete:
		f.deleted++
		delete(f.phase, id)
		writeValue(w, nil)
	case len(rest) == 1 && rest[0] == "url" && r.Method == http.MethodPost:
		f.navigated = append(f.navigated, fmt.Sprint(body["url"]))
		writeValue(w, nil)
	case len(rest) == 1 && rest[0] == "url":
		writeValue(w, f.currentURL(phase))
	case len(rest) == 1 && rest[0] == "source":
		writeValue(w, f.source(phase))
	case len(rest) == 1 && rest[0] == "cookie":
		writeValue(w, f.cookies(phase))
	case len(rest) == 1 && (rest[0] == "element" || rest[0] == "elements"):
		ids := f.match(phase, fmt.Sprint(body["value"]))
		if rest[0] == "elements" {
			refs := make([]map[string]string, 0, len(ids))
			for _, el := range ids {
				refs = append(refs, map[string]string{webElementKey: el})
			}
			writeValue(w, refs)
			return
		}
		if len(ids) == 0 {
			writeError(w, http.StatusNotFound, "no such element", fmt.Sprint(body["value"]))
			return
		}
		writeValue(w, map[string]string{webElementKey: ids[0]})
	case len(rest) == 3 && rest[0] == "element":
		f.elementCommand(w, id, rest[1], rest[2], body)
	default:
		writeError(w, http.StatusNotFound, "unknown command", r.URL.Path)
	}
}

func (f *FakeWebDriver) elementCommand(w http.ResponseWriter, session, element, command string, body map[string]any) {
	switch command {
	case "clear":
		f.typed[element] = ""
		writeValue(w, nil)
	case "value":
		f.typed[element] += fmt.Sprint(body["text"])
		writeValue(w, nil)
	case "displayed":
		writeValue(w, true)
	case "text":
		switch element {
		case "btn-resend":
			writeValue(w, "Resend code")
		case "btn-verify":
			writeValue(w, "Verify")
		default:
			writeValue(w, "Continue")
		}
	case "click":
		f.clicked = append(f.clicked, element)
		switch {
		case element == "btn-continue" && f.phase[session] == PhaseEmail:
			if f.sessions <= f.RejectSessions {
				f.phase[session] = PhaseRejected
			} else {
				f.phase[session] = PhaseCode
			}
		case element == "btn-verify" && f.phase[session] == PhaseCode:
			if f.typed["code-input"] == f.ExpectedCode {
				f.phase[session] = PhaseDone
			}
		}
		writeValue(w, nil)
	default:
		writeError(w, http.StatusNotFound, "unknown command", command)
	}
}

func (f *FakeWebDriver) match(phase, selector string) []string {
	switch {
	case phase == PhaseEmail && (strings.Contains(selector, "email") || strings.Contains(selector, "loginHint")):
		return []string{"email-input"}
	case phase == PhaseEmail && strings.Contains(selector, "button"):
		return []string{"btn-continue"}
	case phase == PhaseCode && !f.HideCodeField && (strings.Contains(selector, "pinInput") || strings.Contains(selector, "tel")):
		return []string{"code-input"}
	case phase == PhaseCode && !f.HideCodeField && strings.Contains(selector, "button"):
		return []string{"btn-resend", "btn-verify"}
	}
	return nil
}

func (f *FakeWebDriver) currentURL(phase string) string {
	if phase == PhaseDone {
		return f.FinalURL
	}
	if f.LoginURL != "" {
		return f.LoginURL
	}
	return "https://auth.example/signin"
}

func (f *FakeWebDriver) source(phase string) string {
	switch phase {
	case PhaseRejected:
		return `<html><body><div class="signin-error">Try another way</div></body></html>`
	case PhaseCode:
		return `<html><body><input name="pinInput"></body></html>`
	case PhaseDone:
		return `<html><body>Welcome</body></html>`
	default:
		return `<html><body><input id="email-input"></body></html>`
	}
}

func (f *FakeWebDriver) cookies(phase string) []map[string]any {
	out := []map[string]any{{"name": "NID", "value": "tracking", "domain": ".example", "path": "/"}}
	if phase != PhaseDone {
		return out
	}
	for _, c := range f.Cookies {
		cookie := map[string]any{"name": c.Name, "value": c.Value, "domain": ".example", "path": "/"}
		if c.Expiry > 0 {
			cookie["expiry"] = c.Expiry
		}
		out = append(out, cookie)
	}
	return out
}

func writeValue(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"value": value})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"value": map[string]string{"error": code, "message": message}})
}
