// calendar_handler.go -- HTTP handlers for /calendar/*: connect, sync, status.
//
// Every route runs behind RequireAuth. Connect and callback bracket the
// provider redirect with a signed state and a PKCE verifier cookie.
package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/casedesk/docket/internal/calendar"
	"github.com/casedesk/docket/internal/oauth"
	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
	"golang.org/x/oauth2"
)

// CalendarService is the sync engine as seen by the HTTP layer.
// Satisfied by *calendar.Engine.
type CalendarService interface {
	AuthCodeURL(state, codeVerifier string) string
	Connect(ctx context.Context, userID uuid.UUID, code, codeVerifier string) (string, error)
	Disconnect(ctx context.Context, userID uuid.UUID) error
	SyncOne(ctx context.Context, userID, firmID, hearingID uuid.UUID) (*calendar.Result, error)
	SyncAll(ctx context.Context, req calendar.BatchRequest) (*calendar.BatchResult, error)
	Status(ctx context.Context, userID, firmID uuid.UUID) (*calendar.Status, error)
}

// CalendarHandler serves the calendar connection and sync endpoints.
type CalendarHandler struct {
	Service      CalendarService
	States       *StateCodec
	CookieSecure bool
}

// syncResultResponse is the JSON form of a single sync attempt.
type syncResultResponse struct {
	HearingID     string     `json:"hearing_id"`
	Status        string     `json:"status"`
	RemoteEventID string     `json:"remote_event_id,omitempty"`
	Message       string     `json:"message,omitempty"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"`
}

// Connect handles GET /calendar/connect: redirects to the provider consent page.
func (h *CalendarHandler) Connect(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	state, err := h.States.Encode(StateClaims{UserID: &p.UserID, FirmID: &p.FirmID})
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	verifier := oauth2.GenerateVerifier()
	setPKCECookie(w, verifier, h.States.TTL, h.CookieSecure)

	logInfo(r, "calendar connect started", "user_id", p.UserID)
	http.Redirect(w, r, h.Service.AuthCodeURL(state, verifier), http.StatusFound)
}

// Callback handles GET /calendar/callback: verifies state, exchanges the code
// and stores the encrypted credential.
// Returns 401 for a bad or foreign state, 400 for a denied or incomplete
// callback, 502 when the provider rejects the exchange.
func (h *CalendarHandler) Callback(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}
	// Verifier is single-use whatever happens next.
	verifierCookie, cookieErr := r.Cookie(pkceCookieName(h.CookieSecure))
	clearPKCECookie(w, h.CookieSecure)

	q := r.URL.Query()
	claims, err := h.States.Decode(r.Context(), q.Get("state"))
	if err != nil {
		logWarn(r, "calendar callback rejected", "reason", "invalid_state", "error", err)
		Unauthorized(w, r, "unauthorized")
		return
	}
	if claims.UserID == nil || *claims.UserID != p.UserID {
		logWarn(r, "calendar callback rejected", "reason", "state_user_mismatch", "user_id", p.UserID)
		Unauthorized(w, r, "unauthorized")
		return
	}

	if providerErr := q.Get("error"); providerErr != "" {
		logInfo(r, "calendar authorization denied", "user_id", p.UserID, "provider_error", providerErr)
		BadRequest(w, r, "authorization denied")
		return
	}
	code := q.Get("code")
	if code == "" {
		BadRequest(w, r, "missing authorization code")
		return
	}
	if cookieErr != nil || verifierCookie.Value == "" {
		logWarn(r, "calendar callback rejected", "reason", "missing_pkce_verifier", "user_id", p.UserID)
		BadRequest(w, r, "invalid oauth callback")
		return
	}

	email, err := h.Service.Connect(r.Context(), p.UserID, code, verifierCookie.Value)
	if err != nil {
		var pe *oauth.ProviderError
		if errors.As(err, &pe) {
			logWarn(r, "calendar code exchange failed", "user_id", p.UserID, "error", err)
			BadGateway(w, "calendar provider error")
			return
		}
		InternalServerError(w, r, err)
		return
	}

	logInfo(r, "calendar connected", "user_id", p.UserID)
	writeJSON(w, r, http.StatusOK, struct {
		Connected    bool   `json:"connected"`
		AccountEmail string `json:"account_email,omitempty"`
	}{true, email})
}

// Disconnect handles POST /calendar/disconnect.
func (h *CalendarHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}
	if err := h.Service.Disconnect(r.Context(), p.UserID); err != nil {
		InternalServerError(w, r, err)
		return
	}
	logInfo(r, "calendar disconnected", "user_id", p.UserID)
	OK(w, "calendar disconnected")
}

// SyncHearing handles POST /calendar/hearings/{hearingID}/sync.
// A failed attempt is still 200; the body carries status FAILED and the reason.
func (h *CalendarHandler) SyncHearing(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}
	hearingID, err := uuid.FromString(chi.URLParam(r, "hearingID"))
	if err != nil {
		BadRequest(w, r, "invalid hearing id")
		return
	}

	res, err := h.Service.SyncOne(r.Context(), p.UserID, p.FirmID, hearingID)
	switch {
	case errors.Is(err, calendar.ErrNotConnected):
		Conflict(w, "calendar not connected")
		return
	case errors.Is(err, calendar.ErrHearingNotFound):
		NotFound(w, "hearing not found")
		return
	case err != nil:
		InternalServerError(w, r, err)
		return
	}

	out := syncResultResponse{
		HearingID:     res.HearingID.String(),
		Status:        string(res.Status),
		RemoteEventID: res.RemoteEventID,
		Message:       res.Message,
	}
	if !res.SyncedAt.IsZero() {
		out.SyncedAt = &res.SyncedAt
	}
	writeJSON(w, r, http.StatusOK, out)
}

// SyncAll handles POST /calendar/sync. Admins sync every hearing of their
// firm; other users only hearings of cases they are a member of.
func (h *CalendarHandler) SyncAll(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}
	req := calendar.BatchRequest{UserID: p.UserID, FirmID: p.FirmID}
	if !p.IsAdmin() {
		req.VisibleTo = &p.UserID
	}

	res, err := h.Service.SyncAll(r.Context(), req)
	var pe *oauth.ProviderError
	if errors.Is(err, calendar.ErrNotConnected) {
		logWarn(r, "batch sync rejected", "user_id", p.UserID, "error", err)
		Conflict(w, "calendar not connected")
		return
	}
	if errors.As(err, &pe) {
		logError(r, "batch sync precheck failed", "user_id", p.UserID, "error", err)
		BadGateway(w, "calendar provider error")
		return
	}
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// Status handles GET /calendar/status.
func (h *CalendarHandler) Status(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}
	st, err := h.Service.Status(r.Context(), p.UserID, p.FirmID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}
