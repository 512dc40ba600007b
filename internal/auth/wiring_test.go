package auth

// wiring_test.go
//
// Catches bugs where components hand data to each other incorrectly.
//
// Runs real handlers behind a chi router with the same middleware stack the
// server uses, sharing one set of mocks end to end:
//
//   - Cookie:   LoginByEmail (set cookie) -> RequireAuth (validate cookie)
//   - CSRF:     LoginByEmail (csrf_token) -> X-CSRF-Token -> CSRFMiddleware
//   - Calendar: connect (state + PKCE cookie) -> callback -> sync -> status
//   - Logout:   Logout revokes the session the router just accepted

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/casedesk/docket/internal/calendar"
	"github.com/casedesk/docket/internal/cipher"
	"github.com/casedesk/docket/internal/oauth"
	"github.com/casedesk/docket/internal/store"
	"github.com/casedesk/docket/internal/testutil"
	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
)

// --- Seam test helpers ---

type wiring struct {
	router   http.Handler
	auth     *AuthHandler
	fixture  *authFixture
	repo     *testutil.MockCalendarRepo
	provider *testutil.MockProvider
}

// newWiring mounts the auth and calendar handlers the way the server does.
func newWiring(t *testing.T) *wiring {
	t.Helper()
	h, f := newTestAuthHandler()

	c, err := cipher.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("cipher.New: %v", err)
	}
	repo := testutil.NewMockCalendarRepo()
	provider := testutil.NewMockProvider()
	provider.ExchangeToken = oauth.Token{AccessToken: "access-1", RefreshToken: "refresh-1", AccountEmail: "clerk@firm.test"}
	creds := calendar.NewCredentialStore(repo, c, provider, discardLogger)
	engine := calendar.NewEngine(repo, creds, provider, calendar.Options{}, discardLogger)

	states, _ := newTestStateCodec(t)
	states.Nonces = &testutil.MockNonceCache{}
	cal := &CalendarHandler{Service: engine, States: states, CookieSecure: true}

	r := chi.NewRouter()
	r.Post("/login/email", h.LoginByEmail)
	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth, CSRFMiddleware)
		r.Post("/logout", h.Logout)
		r.Post("/logout-all", h.LogoutAll)
		r.Route("/calendar", func(r chi.Router) {
			r.Get("/connect", cal.Connect)
			r.Get("/callback", cal.Callback)
			r.Post("/disconnect", cal.Disconnect)
			r.Post("/sync", cal.SyncAll)
			r.Post("/hearings/{hearingID}/sync", cal.SyncHearing)
			r.Get("/status", cal.Status)
		})
	})

	return &wiring{router: r, auth: h, fixture: f, repo: repo, provider: provider}
}

// session is what a browser holds after logging in.
type session struct {
	cookie *http.Cookie
	csrf   string
}

func (wr *wiring) login(t *testing.T, email, password string) session {
	t.Helper()
	w := wr.serve(loginRequest(email, password))
	if w.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		CSRFToken string `json:"csrf_token"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil || resp.CSRFToken == "" {
		t.Fatalf("login: csrf_token missing (%v)", err)
	}
	c := findCookie(w, "__Host-session")
	if c == nil {
		t.Fatal("login: __Host-session not set")
	}
	return session{cookie: c, csrf: resp.CSRFToken}
}

// request builds a browser request. Cookies are added by hand because the
// test clock sits in the past and a cookie jar would drop them as expired.
func (s session) request(method, target string, extra ...*http.Cookie) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	r.AddCookie(&http.Cookie{Name: s.cookie.Name, Value: s.cookie.Value})
	for _, c := range extra {
		r.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	if method != http.MethodGet {
		r.Header.Set("X-CSRF-Token", s.csrf)
	}
	return r
}

func (wr *wiring) serve(r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	wr.router.ServeHTTP(w, r)
	return w
}

// connectCalendar walks the consent round trip and returns the callback response.
func (wr *wiring) connectCalendar(t *testing.T, s session) *httptest.ResponseRecorder {
	t.Helper()
	w := wr.serve(s.request(http.MethodGet, "/calendar/connect"))
	if w.Code != http.StatusFound {
		t.Fatalf("connect: expected 302, got %d", w.Code)
	}
	loc, _ := url.Parse(w.Header().Get("Location"))
	pkce := findCookie(w, "__Host-calendar-pkce")
	if pkce == nil {
		t.Fatal("connect: pkce cookie not set")
	}

	q := url.Values{"state": {loc.Query().Get("state")}, "code": {"auth-code"}}
	return wr.serve(s.request(http.MethodGet, "/calendar/callback?"+q.Encode(), pkce))
}

// --- Seam tests ---

func TestWiring_LoginSessionPassesRouter(t *testing.T) {
	wr := newWiring(t)
	wr.fixture.addUser(t, "clerk@firm.test", "pw-correct-horse", store.RoleMember)
	s := wr.login(t, "clerk@firm.test", "pw-correct-horse")

	t.Run("cookie authenticates a read", func(t *testing.T) {
		w := wr.serve(s.request(http.MethodGet, "/calendar/status"))
		if w.Code != http.StatusOK {
			t.Errorf("expected 200, got %d (cookie encoding mismatch?)", w.Code)
		}
	})

	t.Run("csrf token from login passes a write", func(t *testing.T) {
		w := wr.serve(s.request(http.MethodPost, "/calendar/disconnect"))
		if w.Code != http.StatusOK {
			t.Errorf("expected 200, got %d (CSRF encoding mismatch?)", w.Code)
		}
	})

	t.Run("write without csrf token is forbidden", func(t *testing.T) {
		r := s.request(http.MethodPost, "/calendar/sync")
		r.Header.Del("X-CSRF-Token")
		assertForbidden(t, wr.serve(r))
	})

	t.Run("no session is unauthorized", func(t *testing.T) {
		w := wr.serve(httptest.NewRequest(http.MethodGet, "/calendar/status", nil))
		assertUnauthorized(t, w, "unauthorized")
	})
}

func TestWiring_CSRFTokenBoundToSession(t *testing.T) {
	wr := newWiring(t)
	wr.fixture.addUser(t, "clerk@firm.test", "pw-correct-horse", store.RoleMember)
	first := wr.login(t, "clerk@firm.test", "pw-correct-horse")
	second := wr.login(t, "clerk@firm.test", "pw-correct-horse")

	mixed := session{cookie: first.cookie, csrf: second.csrf}
	assertForbidden(t, wr.serve(mixed.request(http.MethodPost, "/calendar/sync")))
}

func TestWiring_BearerSkipsCSRF(t *testing.T) {
	wr := newWiring(t)
	wr.fixture.addUser(t, "svc@firm.test", "pw-correct-horse", store.RoleMember)

	r := httptest.NewRequest(http.MethodPost, "/login/email",
		strings.NewReader(`{"email":"svc@firm.test","password":"pw-correct-horse","bearer":true}`))
	w := wr.serve(r)
	var resp struct {
		Token string `json:"token"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Token == "" {
		t.Fatal("expected bearer token in login response")
	}

	r = httptest.NewRequest(http.MethodPost, "/calendar/disconnect", nil)
	r.Header.Set("Authorization", "Bearer "+resp.Token)
	if w := wr.serve(r); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestWiring_CalendarFlow(t *testing.T) {
	wr := newWiring(t)
	u := wr.fixture.addUser(t, "clerk@firm.test", "pw-correct-horse", store.RoleAdmin)
	s := wr.login(t, "clerk@firm.test", "pw-correct-horse")

	num := "CV-2025-0042"
	hearing := store.Hearing{
		ID:         uuid.Must(uuid.NewV4()),
		CaseID:     uuid.Must(uuid.NewV4()),
		FirmID:     u.FirmID,
		CaseNumber: &num,
		CaseTitle:  "Doe v. Roe",
		Title:      "Motion hearing",
		StartsAt:   time.Now().Add(72 * time.Hour),
	}
	wr.repo.Hearings = append(wr.repo.Hearings, hearing)
	syncPath := "/calendar/hearings/" + hearing.ID.String() + "/sync"

	t.Run("sync before connecting is a conflict", func(t *testing.T) {
		w := wr.serve(s.request(http.MethodPost, syncPath))
		assertMessage(t, w, http.StatusConflict, "calendar not connected")
	})

	t.Run("connect stores the credential", func(t *testing.T) {
		w := wr.connectCalendar(t, s)
		if w.Code != http.StatusOK {
			t.Fatalf("callback: expected 200, got %d: %s", w.Code, w.Body.String())
		}
		raw, ok := wr.repo.RawCredential(u.ID, "google")
		if !ok {
			t.Fatal("expected credential stored")
		}
		if strings.Contains(raw.AccessToken, "access-1") {
			t.Error("access token stored in plaintext")
		}
	})

	t.Run("sync one hearing creates the event", func(t *testing.T) {
		w := wr.serve(s.request(http.MethodPost, syncPath))
		var body map[string]any
		json.NewDecoder(w.Body).Decode(&body)
		if w.Code != http.StatusOK || body["status"] != "SYNCED" || body["remote_event_id"] != "evt-1" {
			t.Fatalf("unexpected response %d %v", w.Code, body)
		}
		if wr.provider.LastAccessToken() != "access-1" {
			t.Errorf("expected decrypted token used, got %q", wr.provider.LastAccessToken())
		}
	})

	t.Run("sync all reuses the event", func(t *testing.T) {
		w := wr.serve(s.request(http.MethodPost, "/calendar/sync"))
		var body calendar.BatchResult
		json.NewDecoder(w.Body).Decode(&body)
		if w.Code != http.StatusOK || body.Synced != 1 || body.Failed != 0 {
			t.Fatalf("unexpected response %d %+v", w.Code, body)
		}
		if wr.provider.EventCount() != 1 {
			t.Errorf("expected 1 remote event, got %d", wr.provider.EventCount())
		}
	})

	t.Run("status reflects the sync", func(t *testing.T) {
		w := wr.serve(s.request(http.MethodGet, "/calendar/status"))
		var st calendar.Status
		json.NewDecoder(w.Body).Decode(&st)
		if !st.Connected || st.AccountEmail != "clerk@firm.test" || st.Synced != 1 || st.LastSyncedAt == nil {
			t.Errorf("unexpected status %+v", st)
		}
	})

	t.Run("replayed callback is rejected", func(t *testing.T) {
		w := wr.serve(s.request(http.MethodGet, "/calendar/connect"))
		loc, _ := url.Parse(w.Header().Get("Location"))
		pkce := findCookie(w, "__Host-calendar-pkce")
		q := url.Values{"state": {loc.Query().Get("state")}, "code": {"auth-code"}}

		if w := wr.serve(s.request(http.MethodGet, "/calendar/callback?"+q.Encode(), pkce)); w.Code != http.StatusOK {
			t.Fatalf("first callback: expected 200, got %d", w.Code)
		}
		w = wr.serve(s.request(http.MethodGet, "/calendar/callback?"+q.Encode(), pkce))
		assertUnauthorized(t, w, "unauthorized")
	})

	t.Run("disconnect keeps sync records", func(t *testing.T) {
		w := wr.serve(s.request(http.MethodPost, "/calendar/disconnect"))
		assertMessage(t, w, http.StatusOK, "calendar disconnected")
		if _, ok := wr.repo.RawCredential(u.ID, "google"); ok {
			t.Error("expected credential deleted")
		}
		if _, ok := wr.repo.Record(hearing.ID, "google"); !ok {
			t.Error("expected sync record kept")
		}
	})
}

func TestWiring_LogoutRevokesSession(t *testing.T) {
	wr := newWiring(t)
	wr.fixture.addUser(t, "clerk@firm.test", "pw-correct-horse", store.RoleMember)
	s := wr.login(t, "clerk@firm.test", "pw-correct-horse")
	other := wr.login(t, "clerk@firm.test", "pw-correct-horse")

	w := wr.serve(s.request(http.MethodPost, "/logout"))
	assertMessage(t, w, http.StatusOK, "logged out")

	assertUnauthorized(t, wr.serve(s.request(http.MethodGet, "/calendar/status")), "unauthorized")
	if w := wr.serve(other.request(http.MethodGet, "/calendar/status")); w.Code != http.StatusOK {
		t.Errorf("other session: expected 200, got %d", w.Code)
	}

	w = wr.serve(other.request(http.MethodPost, "/logout-all"))
	if w.Code != http.StatusOK {
		t.Fatalf("logout-all: expected 200, got %d", w.Code)
	}
	assertUnauthorized(t, wr.serve(other.request(http.MethodGet, "/calendar/status")), "unauthorized")
}
