// google.go -- Google OAuth2 + Calendar API provider implementation.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	googleIssuer     = "https://accounts.google.com"
	googleAPIBase    = "https://www.googleapis.com/calendar/v3/"
	googleRevokeURL  = "https://oauth2.googleapis.com/revoke"
	calendarScope    = gcal.CalendarEventsScope
	defaultTimeout   = 15 * time.Second
	maxErrorBodySize = 4 << 10
)

// GoogleConfig holds the OAuth client settings for Google Calendar.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	CalendarID   string        // "primary" if empty
	Timeout      time.Duration // per provider call
}

// GoogleCalendar implements CalendarProvider using Google's OIDC discovery,
// the OAuth2 code flow with PKCE (S256) and the Calendar v3 client library.
type GoogleCalendar struct {
	config     *oauth2.Config
	verifier   *oidc.IDTokenVerifier
	httpClient *http.Client
	calendarID string
	apiBase    string
	revokeURL  string
}

// NewGoogleCalendar creates a GoogleCalendar by fetching Google's OIDC discovery document.
// Makes an outbound HTTP request to accounts.google.com at startup; returns an error if unreachable.
func NewGoogleCalendar(ctx context.Context, cfg GoogleConfig) (*GoogleCalendar, error) {
	p, err := oidc.NewProvider(ctx, googleIssuer)
	if err != nil {
		return nil, fmt.Errorf("google oidc discovery: %w", err)
	}
	return newGoogleCalendar(cfg, p.Endpoint(), p.Verifier(&oidc.Config{ClientID: cfg.ClientID})), nil
}

func newGoogleCalendar(cfg GoogleConfig, endpoint oauth2.Endpoint, verifier *oidc.IDTokenVerifier) *GoogleCalendar {
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &GoogleCalendar{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{oidc.ScopeOpenID, "email", calendarScope},
		},
		verifier:   verifier,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		calendarID: cfg.CalendarID,
		apiBase:    googleAPIBase,
		revokeURL:  googleRevokeURL,
	}
}

// Name returns "google".
func (p *GoogleCalendar) Name() string { return "google" }

// AuthCodeURL builds the consent page URL. Offline access with forced consent
// makes Google return a refresh token on every connect.
func (p *GoogleCalendar) AuthCodeURL(state, codeVerifier string) string {
	return p.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(codeVerifier),
	)
}

// oauthContext routes oauth2's token requests through our timeout-bound client.
func (p *GoogleCalendar) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// Exchange trades an authorization code for tokens.
// If an id_token is present it is verified and its email recorded.
func (p *GoogleCalendar) Exchange(ctx context.Context, code, codeVerifier string) (*Token, error) {
	tok, err := p.config.Exchange(p.oauthContext(ctx), code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, tokenError("exchange", err)
	}

	out := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}

	if rawIDToken, ok := tok.Extra("id_token").(string); ok && p.verifier != nil {
		idToken, err := p.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return nil, &ProviderError{Op: "exchange", Err: fmt.Errorf("verifying id token: %w", err)}
		}
		var c struct {
			Email         string `json:"email"`
			EmailVerified bool   `json:"email_verified"`
		}
		if err := idToken.Claims(&c); err != nil {
			return nil, &ProviderError{Op: "exchange", Err: fmt.Errorf("extracting id token claims: %w", err)}
		}
		if c.EmailVerified {
			out.AccountEmail = c.Email
		}
	}
	return out, nil
}

// Refresh obtains a new access token from a refresh token.
func (p *GoogleCalendar) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	ts := p.config.TokenSource(p.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return nil, tokenError("refresh", err)
	}
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

// tokenError maps oauth2 token endpoint failures onto ProviderError.
func tokenError(op string, err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		pe := &ProviderError{Op: op, Err: err}
		if rErr.Response != nil {
			pe.StatusCode = rErr.Response.StatusCode
		}
		if rErr.ErrorCode == "invalid_grant" {
			pe.Err = fmt.Errorf("%w: %s", ErrInvalidGrant, rErr.ErrorDescription)
		}
		return pe
	}
	return &ProviderError{Op: op, Err: err}
}

// Revoke invalidates a token at Google. Revoking a refresh token also revokes
// its access tokens.
func (p *GoogleCalendar) Revoke(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return &ProviderError{Op: "revoke", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return p.postForm(req, "revoke")
}

func toGoogleEvent(ev Event) *gcal.Event {
	g := &gcal.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       &gcal.EventDateTime{DateTime: ev.Start.UTC().Format(time.RFC3339)},
		End:         &gcal.EventDateTime{DateTime: ev.End.UTC().Format(time.RFC3339)},
	}
	if ev.Reference != "" {
		g.ExtendedProperties = &gcal.EventExtendedProperties{
			Private: map[string]string{"docketRef": ev.Reference},
		}
	}
	return g
}

// service returns a Calendar v3 client that sends accessToken as a bearer
// token. Refresh is the CredentialStore's job, so the token source is static.
func (p *GoogleCalendar) service(ctx context.Context, accessToken string) (*gcal.Service, error) {
	client := &http.Client{
		Timeout: p.httpClient.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   p.httpClient.Transport,
		},
	}
	return gcal.NewService(ctx, option.WithHTTPClient(client), option.WithEndpoint(p.apiBase))
}

// CreateEvent inserts an event into the configured calendar.
func (p *GoogleCalendar) CreateEvent(ctx context.Context, accessToken string, ev Event) (string, error) {
	svc, err := p.service(ctx, accessToken)
	if err != nil {
		return "", &ProviderError{Op: "create_event", Err: err}
	}
	created, err := svc.Events.Insert(p.calendarID, toGoogleEvent(ev)).Context(ctx).Do()
	if err != nil {
		return "", apiError("create_event", err)
	}
	if created.Id == "" {
		return "", &ProviderError{Op: "create_event", Err: errors.New("response missing event id")}
	}
	return created.Id, nil
}

// UpdateEvent replaces an existing event.
func (p *GoogleCalendar) UpdateEvent(ctx context.Context, accessToken, eventID string, ev Event) error {
	svc, err := p.service(ctx, accessToken)
	if err != nil {
		return &ProviderError{Op: "update_event", Err: err}
	}
	if _, err := svc.Events.Update(p.calendarID, eventID, toGoogleEvent(ev)).Context(ctx).Do(); err != nil {
		return apiError("update_event", err)
	}
	return nil
}

// Ping fetches the calendar's id.
func (p *GoogleCalendar) Ping(ctx context.Context, accessToken string) error {
	svc, err := p.service(ctx, accessToken)
	if err != nil {
		return &ProviderError{Op: "ping", Err: err}
	}
	if _, err := svc.Calendars.Get(p.calendarID).Fields("id").Context(ctx).Do(); err != nil {
		return apiError("ping", err)
	}
	return nil
}

// apiError maps a Calendar API failure onto ProviderError. Transport and
// context errors keep StatusCode 0.
func apiError(op string, err error) error {
	var gErr *googleapi.Error
	if !errors.As(err, &gErr) {
		return &ProviderError{Op: op, Err: err}
	}
	msg := gErr.Message
	if msg == "" {
		msg = googleErrorMessage([]byte(gErr.Body))
	}
	return &ProviderError{Op: op, StatusCode: gErr.Code, Err: errors.New(msg)}
}

// postForm sends the revocation request. Non-2xx responses become a
// ProviderError carrying the OAuth error description.
func (p *GoogleCalendar) postForm(req *http.Request, op string) error {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &ProviderError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return &ProviderError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(googleErrorMessage(body))}
	}
	return nil
}

// googleErrorMessage extracts the message from a Google error body.
func googleErrorMessage(body []byte) string {
	// API errors nest an object under "error"; OAuth endpoints use a string
	// code plus error_description.
	var e struct {
		Error       json.RawMessage `json:"error"`
		Description string          `json:"error_description"`
	}
	if json.Unmarshal(body, &e) == nil {
		var apiErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(e.Error, &apiErr) == nil && apiErr.Message != "" {
			return apiErr.Message
		}
		if e.Description != "" {
			return e.Description
		}
	}
	if len(body) == 0 {
		return "empty response"
	}
	return strings.TrimSpace(string(body))
}
