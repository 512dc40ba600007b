// provider.go
//
// Mock calendar provider with per-call failure injection.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casedesk/docket/internal/oauth"
)

// MockProvider implements oauth.CalendarProvider in memory.
// Events are keyed by remote id and hold the last payload written.
// FailReference makes create/update fail for events carrying a given Reference.
type MockProvider struct {
	// Error injection...zero value means no error
	ExchangeErr error
	RefreshErr  error
	RevokeErr   error
	PingErr     error
	CreateErr   error
	UpdateErr   error

	// ExchangeToken / RefreshToken are returned by Exchange / Refresh.
	ExchangeToken oauth.Token
	RefreshToken  oauth.Token

	// RefreshDelay slows Refresh so concurrent callers overlap.
	RefreshDelay time.Duration

	// Block makes create/update wait for ctx cancellation.
	Block bool

	// EventDelay holds each create/update call open, for observing overlap.
	EventDelay time.Duration

	Refreshes atomic.Int32
	Revoked   []string

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	mu         sync.Mutex
	nextID     int
	events     map[string]oauth.Event
	failRefs   map[string]error
	lastTokens []string
}

// NewMockProvider returns a provider with no events.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		events:   make(map[string]oauth.Event),
		failRefs: make(map[string]error),
	}
}

func (m *MockProvider) Name() string { return "google" }

func (m *MockProvider) AuthCodeURL(state, codeVerifier string) string {
	return "https://provider.test/auth?state=" + url.QueryEscape(state)
}

func (m *MockProvider) Exchange(_ context.Context, code, codeVerifier string) (*oauth.Token, error) {
	if m.ExchangeErr != nil {
		return nil, m.ExchangeErr
	}
	tok := m.ExchangeToken
	return &tok, nil
}

func (m *MockProvider) Refresh(ctx context.Context, refreshToken string) (*oauth.Token, error) {
	m.Refreshes.Add(1)
	if m.RefreshDelay > 0 {
		select {
		case <-time.After(m.RefreshDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.RefreshErr != nil {
		return nil, m.RefreshErr
	}
	tok := m.RefreshToken
	return &tok, nil
}

func (m *MockProvider) Revoke(_ context.Context, token string) error {
	m.mu.Lock()
	m.Revoked = append(m.Revoked, token)
	m.mu.Unlock()
	return m.RevokeErr
}

func (m *MockProvider) Ping(_ context.Context, accessToken string) error {
	return m.PingErr
}

// FailReference makes create/update fail with err for events carrying ref.
// A nil err clears the failure.
func (m *MockProvider) FailReference(ref string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failRefs, ref)
		return
	}
	m.failRefs[ref] = err
}

func (m *MockProvider) precheck(ctx context.Context, accessToken string, ev oauth.Event) error {
	if m.Block {
		<-ctx.Done()
		return &oauth.ProviderError{Op: "event", Err: ctx.Err()}
	}
	if m.EventDelay > 0 {
		n := m.inFlight.Add(1)
		for {
			peak := m.maxInFlight.Load()
			if n <= peak || m.maxInFlight.CompareAndSwap(peak, n) {
				break
			}
		}
		time.Sleep(m.EventDelay)
		m.inFlight.Add(-1)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTokens = append(m.lastTokens, accessToken)
	if err, ok := m.failRefs[ev.Reference]; ok {
		return err
	}
	return nil
}

func (m *MockProvider) CreateEvent(ctx context.Context, accessToken string, ev oauth.Event) (string, error) {
	if m.CreateErr != nil {
		return "", m.CreateErr
	}
	if err := m.precheck(ctx, accessToken, ev); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("evt-%d", m.nextID)
	m.events[id] = ev
	return id, nil
}

func (m *MockProvider) UpdateEvent(ctx context.Context, accessToken, eventID string, ev oauth.Event) error {
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	if err := m.precheck(ctx, accessToken, ev); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[eventID]; !ok {
		return &oauth.ProviderError{Op: "update_event", StatusCode: 404, Err: errors.New("not found")}
	}
	m.events[eventID] = ev
	return nil
}

// Event returns the stored payload for a remote event id.
func (m *MockProvider) Event(id string) (oauth.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	return ev, ok
}

// DeleteEvent removes an event as if deleted on the remote side.
func (m *MockProvider) DeleteEvent(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, id)
}

// EventCount returns the number of stored events.
func (m *MockProvider) EventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// MaxInFlight returns the peak number of overlapping event calls seen with EventDelay set.
func (m *MockProvider) MaxInFlight() int { return int(m.maxInFlight.Load()) }

// RevokedTokens returns the tokens passed to Revoke.
func (m *MockProvider) RevokedTokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Revoked...)
}

// LastAccessToken returns the token used by the most recent event call.
func (m *MockProvider) LastAccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.lastTokens) == 0 {
		return ""
	}
	return m.lastTokens[len(m.lastTokens)-1]
}
