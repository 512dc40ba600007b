// main_test.go
//
// Level 3 smoke tests
// chi wiring via httptest.NewServer with in-memory mock stores.
// Catches middleware ordering, route grouping, and real HTTP cookie/header behavior
// that httptest.NewRecorder cannot exercise.

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/casedesk/docket/internal/auth"
	"github.com/casedesk/docket/internal/calendar"
	"github.com/casedesk/docket/internal/cipher"
	"github.com/casedesk/docket/internal/oauth"
	"github.com/casedesk/docket/internal/ratelimit"
	"github.com/casedesk/docket/internal/store"
	"github.com/casedesk/docket/internal/testutil"
	"github.com/gofrs/uuid/v5"
)

// --- Helpers ---

const smokeEmail = "smoke@firm.test"
const smokePassword = "smokepassword1"

// smokeApp is an app backed by in-memory stores, seeded with one admin user.
type smokeApp struct {
	*app
	user     *store.User
	repo     *testutil.MockCalendarRepo
	provider *testutil.MockProvider
}

func newSmokeApp(t *testing.T, withCalendar bool) *smokeApp {
	t.Helper()
	hash, err := auth.HashPassword(smokePassword)
	if err != nil {
		t.Fatalf("hashing test password: %v", err)
	}
	user := &store.User{
		ID:           uuid.Must(uuid.NewV7()),
		FirmID:       uuid.Must(uuid.NewV7()),
		Email:        smokeEmail,
		PasswordHash: &hash,
		Role:         store.RoleAdmin,
	}
	ms := testutil.NewMockStore(user)
	mc := testutil.NewMockCache()

	sa := &smokeApp{
		app: &app{auth: &auth.AuthHandler{
			PS:           ms,
			RS:           mc,
			Sessions:     auth.NewSessionStore(ms, mc, 0),
			RL:           ratelimit.NewMemoryLimiter(ratelimit.DefaultPolicy, nil),
			CookieSecure: true,
		}},
		user: user,
	}
	if !withCalendar {
		return sa
	}

	tc, err := cipher.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("cipher.New: %v", err)
	}
	sa.repo = testutil.NewMockCalendarRepo()
	sa.provider = testutil.NewMockProvider()
	sa.provider.ExchangeToken = oauth.Token{AccessToken: "access-1", RefreshToken: "refresh-1"}
	creds := calendar.NewCredentialStore(sa.repo, tc, sa.provider, nil)
	states, err := auth.NewStateCodec([]byte("state-secret-state-secret-state-secret"), 0)
	if err != nil {
		t.Fatalf("NewStateCodec: %v", err)
	}
	sa.calendar = &auth.CalendarHandler{
		Service:      calendar.NewEngine(sa.repo, creds, sa.provider, calendar.Options{}, nil),
		States:       states,
		CookieSecure: true,
	}
	return sa
}

// smokeSession holds what a browser keeps after login.
type smokeSession struct {
	cookie string
	csrf   string
}

// doSmokeLogin logs in with smokeEmail/smokePassword.
func doSmokeLogin(t *testing.T, serverURL string) smokeSession {
	t.Helper()
	payload := `{"email":"` + smokeEmail + `","password":"` + smokePassword + `"}`
	resp, err := http.Post(serverURL+"/login/email", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("POST /login/email: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", resp.StatusCode)
	}

	var s smokeSession
	for _, c := range resp.Cookies() {
		if c.Name == "__Host-session" {
			s.cookie = c.Value
		}
	}
	var body struct {
		CSRFToken string `json:"csrf_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding login response: %v", err)
	}
	s.csrf = body.CSRFToken
	if s.cookie == "" || s.csrf == "" {
		t.Fatal("login response missing session cookie or csrf_token")
	}
	return s
}

// do sends an authenticated request. Redirects are not followed.
func (s smokeSession) do(t *testing.T, method, u string, cookies ...*http.Cookie) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Cookie", "__Host-session="+s.cookie)
	for _, c := range cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	if method != http.MethodGet {
		req.Header.Set("X-CSRF-Token", s.csrf)
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, u, err)
	}
	return resp
}

// --- Smoke tests ---

// TestSmoke_Health verifies /health is mounted and reports each dependency.
func TestSmoke_Health(t *testing.T) {
	srv := httptest.NewServer(buildRouter(newSmokeApp(t, false).app))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Postgres string `json:"postgres"`
		Redis    string `json:"redis"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body.Postgres != "ok" || body.Redis != "ok" {
		t.Errorf("unexpected health %+v", body)
	}
}

// TestSmoke_Login_ValidCredentials verifies login sets the session cookie attributes.
func TestSmoke_Login_ValidCredentials(t *testing.T) {
	srv := httptest.NewServer(buildRouter(newSmokeApp(t, false).app))
	defer srv.Close()

	payload := `{"email":"` + smokeEmail + `","password":"` + smokePassword + `"}`
	resp, err := http.Post(srv.URL+"/login/email", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("POST /login/email: %v", err)
	}
	defer resp.Body.Close()

	var sessionCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "__Host-session" {
			sessionCookie = c
		}
	}
	if sessionCookie == nil {
		t.Fatal("__Host-session cookie not set")
	}
	if !sessionCookie.HttpOnly || !sessionCookie.Secure || sessionCookie.Path != "/" {
		t.Errorf("unexpected cookie attributes %+v", sessionCookie)
	}
	if sessionCookie.MaxAge <= 0 {
		t.Errorf("expected positive MaxAge, got %d", sessionCookie.MaxAge)
	}
}

// TestSmoke_Logout_WithoutSession verifies RequireAuth is wired to the protected group.
func TestSmoke_Logout_WithoutSession(t *testing.T) {
	srv := httptest.NewServer(buildRouter(newSmokeApp(t, false).app))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/logout", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /logout: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status: expected 401, got %d", resp.StatusCode)
	}
}

// TestSmoke_Logout_WithSessionButNoCSRF verifies CSRFMiddleware is wired to the protected group.
func TestSmoke_Logout_WithSessionButNoCSRF(t *testing.T) {
	srv := httptest.NewServer(buildRouter(newSmokeApp(t, false).app))
	defer srv.Close()

	s := doSmokeLogin(t, srv.URL)
	s.csrf = ""

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/logout", nil)
	req.Header.Set("Cookie", "__Host-session="+s.cookie)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /logout: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status: expected 403, got %d", resp.StatusCode)
	}
}

// TestSmoke_FullRoundTrip verifies login -> logout over real HTTP.
func TestSmoke_FullRoundTrip(t *testing.T) {
	srv := httptest.NewServer(buildRouter(newSmokeApp(t, false).app))
	defer srv.Close()

	s := doSmokeLogin(t, srv.URL)
	resp := s.do(t, http.MethodPost, srv.URL+"/logout")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("logout: expected 200, got %d", resp.StatusCode)
	}
	cleared := false
	for _, c := range resp.Cookies() {
		if c.Name == "__Host-session" && c.MaxAge == -1 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("__Host-session not cleared in logout response")
	}

	again := s.do(t, http.MethodPost, srv.URL+"/logout")
	again.Body.Close()
	if again.StatusCode != http.StatusUnauthorized {
		t.Errorf("reused session: expected 401, got %d", again.StatusCode)
	}
}

// TestSmoke_CalendarRoutesDisabled verifies /calendar is not mounted without a provider.
func TestSmoke_CalendarRoutesDisabled(t *testing.T) {
	srv := httptest.NewServer(buildRouter(newSmokeApp(t, false).app))
	defer srv.Close()

	s := doSmokeLogin(t, srv.URL)
	resp := s.do(t, http.MethodGet, srv.URL+"/calendar/status")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

// TestSmoke_CalendarSync walks connect -> callback -> sync over real HTTP.
func TestSmoke_CalendarSync(t *testing.T) {
	sa := newSmokeApp(t, true)
	num := "CV-2025-0042"
	hearing := store.Hearing{
		ID:         uuid.Must(uuid.NewV4()),
		CaseID:     uuid.Must(uuid.NewV4()),
		FirmID:     sa.user.FirmID,
		CaseNumber: &num,
		CaseTitle:  "Doe v. Roe",
		Title:      "Motion hearing",
		StartsAt:   time.Now().Add(48 * time.Hour),
	}
	sa.repo.Hearings = append(sa.repo.Hearings, hearing)

	srv := httptest.NewServer(buildRouter(sa.app))
	defer srv.Close()
	s := doSmokeLogin(t, srv.URL)

	// connect redirects to the provider with a state and sets the verifier cookie
	resp := s.do(t, http.MethodGet, srv.URL+"/calendar/connect")
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("connect: expected 302, got %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parsing Location: %v", err)
	}
	var pkce *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "__Host-calendar-pkce" {
			pkce = c
		}
	}
	if pkce == nil {
		t.Fatal("connect: pkce cookie not set")
	}

	q := url.Values{"state": {loc.Query().Get("state")}, "code": {"auth-code"}}
	resp = s.do(t, http.MethodGet, srv.URL+"/calendar/callback?"+q.Encode(), pkce)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback: expected 200, got %d", resp.StatusCode)
	}

	resp = s.do(t, http.MethodPost, srv.URL+"/calendar/hearings/"+hearing.ID.String()+"/sync")
	var result struct {
		Status        string `json:"status"`
		RemoteEventID string `json:"remote_event_id"`
	}
	json.NewDecoder(resp.Body).Decode(&result)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || result.Status != "SYNCED" || result.RemoteEventID == "" {
		t.Fatalf("sync: unexpected %d %+v", resp.StatusCode, result)
	}

	resp = s.do(t, http.MethodPost, srv.URL+"/calendar/sync")
	var batch calendar.BatchResult
	json.NewDecoder(resp.Body).Decode(&batch)
	resp.Body.Close()
	if batch.Synced != 1 || batch.Failed != 0 || sa.provider.EventCount() != 1 {
		t.Errorf("batch: unexpected %+v with %d events", batch, sa.provider.EventCount())
	}
}

// --- purgeSessions ---

type countingPurger struct{ calls atomic.Int32 }

func (p *countingPurger) CleanupExpiredSessions(context.Context, time.Duration) (int64, error) {
	p.calls.Add(1)
	return 0, nil
}

func TestPurgeSessions(t *testing.T) {
	p := &countingPurger{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		purgeSessions(ctx, p, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for p.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("purge loop did not tick")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("purge loop did not stop on cancel")
	}
}
