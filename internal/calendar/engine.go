// engine.go -- Reconciles local hearings against the remote calendar.
//
// Every attempt overwrites the hearing's sync record with SYNCED or FAILED.
// Provider failures are reported as data in Result, not as errors.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/casedesk/docket/internal/oauth"
	"github.com/casedesk/docket/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConcurrency = 4
	DefaultItemTimeout = 20 * time.Second

	// recordWriteTimeout bounds the FAILED write after the item context is gone.
	recordWriteTimeout = 5 * time.Second

	// defaultHearingLength is used when a hearing has no end time.
	defaultHearingLength = time.Hour
)

// SyncRepository reads hearings and writes sync records.
// Satisfied by *store.PostgresStore.
type SyncRepository interface {
	GetHearing(ctx context.Context, firmID, hearingID uuid.UUID) (*store.Hearing, error)
	ListHearings(ctx context.Context, firmID uuid.UUID, visibleTo *uuid.UUID) ([]store.Hearing, error)
	GetSyncRecord(ctx context.Context, hearingID uuid.UUID, provider string) (*store.SyncRecord, error)
	UpsertSyncRecord(ctx context.Context, r store.SyncRecord) error
	SyncSummaryForFirm(ctx context.Context, firmID uuid.UUID, provider string) (*store.SyncSummary, error)
}

// Result is the outcome of one sync attempt.
type Result struct {
	HearingID     uuid.UUID
	Status        store.SyncStatus
	RemoteEventID string
	Message       string
	SyncedAt      time.Time
}

// BatchRequest selects the hearings for SyncAll.
// VisibleTo narrows the batch to cases that user is a member of; nil means all firm hearings.
type BatchRequest struct {
	UserID    uuid.UUID
	FirmID    uuid.UUID
	VisibleTo *uuid.UUID
}

// ItemError is a per-hearing failure in a batch.
type ItemError struct {
	HearingID uuid.UUID `json:"hearing_id"`
	Message   string    `json:"message"`
}

// BatchResult summarizes SyncAll. It is returned even when every item failed.
type BatchResult struct {
	Synced int         `json:"synced"`
	Failed int         `json:"failed"`
	Errors []ItemError `json:"errors"`
}

// Status describes a user's calendar connection and their firm's sync state.
type Status struct {
	Connected    bool       `json:"connected"`
	AccountEmail string     `json:"account_email,omitempty"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	Synced       int        `json:"synced"`
	Failed       int        `json:"failed"`
}

// Options tunes an Engine. Zero values take the defaults.
type Options struct {
	Concurrency int
	ItemTimeout time.Duration
}

// Engine syncs hearings to the calendar provider.
type Engine struct {
	repo        SyncRepository
	creds       *CredentialStore
	provider    oauth.CalendarProvider
	concurrency int
	itemTimeout time.Duration
	log         *slog.Logger
	now         func() time.Time
	locks       hearingLocks
}

// NewEngine wires an engine.
func NewEngine(repo SyncRepository, creds *CredentialStore, provider oauth.CalendarProvider, opts Options, log *slog.Logger) *Engine {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = DefaultItemTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		repo:        repo,
		creds:       creds,
		provider:    provider,
		concurrency: opts.Concurrency,
		itemTimeout: opts.ItemTimeout,
		log:         log.With("module", "calendar.sync", "provider", provider.Name()),
		now:         time.Now,
	}
}

// AuthCodeURL returns the provider consent URL for the connect flow.
func (e *Engine) AuthCodeURL(state, codeVerifier string) string {
	return e.provider.AuthCodeURL(state, codeVerifier)
}

// Connect exchanges an authorization code and stores the resulting credential.
// Returns the connected account email when the provider reports one.
func (e *Engine) Connect(ctx context.Context, userID uuid.UUID, code, codeVerifier string) (string, error) {
	tok, err := e.provider.Exchange(ctx, code, codeVerifier)
	if err != nil {
		e.log.Warn("code exchange failed", "operation", "connect", "outcome", "failure", "user_id", userID, "error", err)
		return "", err
	}
	if err := e.creds.Store(ctx, userID, tok.AccessToken, tok.RefreshToken, e.creds.expiry(tok), tok.AccountEmail); err != nil {
		return "", err
	}
	e.log.Info("calendar connected", "operation", "connect", "outcome", "success", "user_id", userID)
	return tok.AccountEmail, nil
}

// Disconnect revokes the user's credential. Sync records are kept.
func (e *Engine) Disconnect(ctx context.Context, userID uuid.UUID) error {
	return e.creds.Revoke(ctx, userID)
}

// Status reports the connection and the firm's aggregate sync counts.
func (e *Engine) Status(ctx context.Context, userID, firmID uuid.UUID) (*Status, error) {
	info, err := e.creds.Info(ctx, userID)
	if err != nil {
		return nil, err
	}
	sum, err := e.repo.SyncSummaryForFirm(ctx, firmID, e.provider.Name())
	if err != nil {
		return nil, err
	}
	st := &Status{
		Connected:    info != nil,
		LastSyncedAt: sum.LastSyncedAt,
		Synced:       sum.Synced,
		Failed:       sum.Failed,
	}
	if info != nil {
		st.AccountEmail = info.AccountEmail
	}
	return st, nil
}

// SyncOne syncs a single hearing of firmID using userID's credential.
// Returns ErrNotConnected or ErrHearingNotFound without touching any sync record.
// Provider failures come back as a FAILED Result with a nil error.
func (e *Engine) SyncOne(ctx context.Context, userID, firmID, hearingID uuid.UUID) (*Result, error) {
	connected, err := e.creds.IsConnected(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !connected {
		return nil, ErrNotConnected
	}

	h, err := e.repo.GetHearing(ctx, firmID, hearingID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrHearingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading hearing: %w", err)
	}

	return e.attempt(ctx, userID, *h)
}

// SyncAll syncs every hearing selected by req with bounded concurrency.
// The provider is checked once up front instead of failing N items: a missing
// or rejected credential fails the batch with ErrNotConnected, and any other
// precheck failure is returned as an error.
func (e *Engine) SyncAll(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	connected, err := e.creds.IsConnected(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if !connected {
		return nil, ErrNotConnected
	}
	token, err := e.creds.AccessToken(ctx, req.UserID)
	if err != nil {
		return nil, precheckError(err)
	}
	if err := e.provider.Ping(ctx, token); err != nil {
		e.log.Warn("connectivity check failed", "operation", "sync_all", "outcome", "failure", "user_id", req.UserID, "error", err)
		return nil, precheckError(err)
	}

	hearings, err := e.repo.ListHearings(ctx, req.FirmID, req.VisibleTo)
	if err != nil {
		return nil, err
	}
	hearings = dedupeHearings(hearings)

	results := make([]*Result, len(hearings))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, h := range hearings {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := e.attempt(ctx, req.UserID, h)
			if err != nil {
				res = &Result{HearingID: h.ID, Status: store.SyncStatusFailed, Message: err.Error()}
			}
			results[i] = res
			return nil
		})
	}
	g.Wait()

	out := &BatchResult{Errors: []ItemError{}}
	for i, res := range results {
		if res == nil {
			// Never started: the batch was cancelled first. The record is left as it was.
			res = &Result{HearingID: hearings[i].ID, Status: store.SyncStatusFailed, Message: context.Cause(ctx).Error()}
		}
		if res.Status == store.SyncStatusSynced {
			out.Synced++
			continue
		}
		out.Failed++
		out.Errors = append(out.Errors, ItemError{HearingID: res.HearingID, Message: res.Message})
	}

	e.log.Info("batch sync finished", "operation", "sync_all", "user_id", req.UserID, "firm_id", req.FirmID,
		"synced", out.Synced, "failed", out.Failed)
	return out, nil
}

func dedupeHearings(hs []store.Hearing) []store.Hearing {
	seen := make(map[uuid.UUID]struct{}, len(hs))
	out := hs[:0]
	for _, h := range hs {
		if _, ok := seen[h.ID]; ok {
			continue
		}
		seen[h.ID] = struct{}{}
		out = append(out, h)
	}
	return out
}

// opKind is the remote call an attempt makes.
type opKind int

const (
	opCreate opKind = iota
	opUpdate
)

func (k opKind) String() string {
	if k == opUpdate {
		return "update"
	}
	return "create"
}

// syncOp is the decision for one attempt: create a new event, or update eventID.
type syncOp struct {
	kind    opKind
	eventID string
}

// decideOp picks update when a prior record holds a remote event id.
func decideOp(prior *store.SyncRecord) syncOp {
	if prior != nil && prior.RemoteEventID != nil && *prior.RemoteEventID != "" {
		return syncOp{kind: opUpdate, eventID: *prior.RemoteEventID}
	}
	return syncOp{kind: opCreate}
}

// attempt performs one serialized sync of h and records the outcome.
// The returned error is non-nil only when no record was written.
func (e *Engine) attempt(ctx context.Context, userID uuid.UUID, h store.Hearing) (*Result, error) {
	unlock := e.locks.lock(h.ID)
	defer unlock()

	itemCtx, cancel := context.WithTimeout(ctx, e.itemTimeout)
	defer cancel()

	prior, err := e.repo.GetSyncRecord(itemCtx, h.ID, e.provider.Name())
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return e.fail(ctx, h.ID, nil, fmt.Errorf("loading sync record: %w", err))
	}
	op := decideOp(prior)
	var priorEventID *string
	if op.kind == opUpdate {
		priorEventID = &op.eventID
	}

	token, err := e.creds.AccessToken(itemCtx, userID)
	if errors.Is(err, ErrNotConnected) {
		return nil, err
	}
	if err != nil {
		return e.fail(ctx, h.ID, priorEventID, err)
	}

	ev := hearingEvent(h)
	eventID := op.eventID
	switch op.kind {
	case opUpdate:
		err = e.provider.UpdateEvent(itemCtx, token, op.eventID, ev)
		var pe *oauth.ProviderError
		if errors.As(err, &pe) && pe.NotFound() {
			// Deleted on the remote side; recreate it.
			e.log.Info("remote event gone, recreating", "operation", "sync_one", "hearing_id", h.ID)
			eventID, err = e.provider.CreateEvent(itemCtx, token, ev)
		}
	case opCreate:
		eventID, err = e.provider.CreateEvent(itemCtx, token, ev)
	}
	if err != nil {
		return e.fail(ctx, h.ID, priorEventID, err)
	}

	now := e.now()
	rec := store.SyncRecord{
		HearingID:     h.ID,
		Provider:      e.provider.Name(),
		RemoteEventID: &eventID,
		Status:        store.SyncStatusSynced,
		LastSyncedAt:  now,
	}
	if err := e.writeRecord(ctx, rec); err != nil {
		e.log.Error("failed to record sync success", "operation", "sync_one", "hearing_id", h.ID, "error", err)
		return &Result{HearingID: h.ID, Status: store.SyncStatusFailed, RemoteEventID: eventID, Message: err.Error()}, nil
	}

	e.log.Debug("hearing synced", "operation", "sync_one", "outcome", "success", "hearing_id", h.ID, "op", op.kind.String())
	return &Result{HearingID: h.ID, Status: store.SyncStatusSynced, RemoteEventID: eventID, SyncedAt: now}, nil
}

// fail records a FAILED attempt, keeping the prior remote event id.
func (e *Engine) fail(ctx context.Context, hearingID uuid.UUID, priorEventID *string, cause error) (*Result, error) {
	msg := cause.Error()
	if ctx.Err() != nil {
		msg = fmt.Sprintf("cancelled: %v", cause)
	}
	now := e.now()
	rec := store.SyncRecord{
		HearingID:     hearingID,
		Provider:      e.provider.Name(),
		RemoteEventID: priorEventID,
		Status:        store.SyncStatusFailed,
		LastError:     &msg,
		LastSyncedAt:  now,
	}
	if err := e.writeRecord(ctx, rec); err != nil {
		e.log.Error("failed to record sync failure", "operation", "sync_one", "hearing_id", hearingID, "error", err)
	}
	e.log.Warn("hearing sync failed", "operation", "sync_one", "outcome", "failure", "hearing_id", hearingID, "error", cause)

	res := &Result{HearingID: hearingID, Status: store.SyncStatusFailed, Message: msg, SyncedAt: now}
	if priorEventID != nil {
		res.RemoteEventID = *priorEventID
	}
	return res, nil
}

// writeRecord upserts r even if ctx was cancelled, so no attempt is left unrecorded.
func (e *Engine) writeRecord(ctx context.Context, r store.SyncRecord) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordWriteTimeout)
	defer cancel()
	return e.repo.UpsertSyncRecord(wctx, r)
}

// hearingEvent maps a hearing onto a calendar event.
func hearingEvent(h store.Hearing) oauth.Event {
	end := h.StartsAt.Add(defaultHearingLength)
	if h.EndsAt != nil && h.EndsAt.After(h.StartsAt) {
		end = *h.EndsAt
	}
	summary := h.Title
	if h.CaseTitle != "" {
		summary = h.Title + " (" + h.CaseTitle + ")"
	}
	desc := ""
	if h.CaseNumber != nil && *h.CaseNumber != "" {
		desc = "Case " + *h.CaseNumber
	}
	if h.Notes != nil && *h.Notes != "" {
		if desc != "" {
			desc += "\n\n"
		}
		desc += *h.Notes
	}
	ev := oauth.Event{
		Summary:     summary,
		Description: desc,
		Start:       h.StartsAt,
		End:         end,
		Reference:   h.ID.String(),
	}
	if h.Location != nil {
		ev.Location = *h.Location
	}
	return ev
}

// precheckError maps a failed batch precheck to ErrNotConnected only when the
// credential itself is gone or rejected. Transient failures pass through.
func precheckError(err error) error {
	if errors.Is(err, ErrNotConnected) {
		return err
	}
	var pe *oauth.ProviderError
	if errors.Is(err, ErrTokenExpired) || (errors.As(err, &pe) && pe.Unauthorized()) {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return fmt.Errorf("checking calendar connection: %w", err)
}

// hearingLocks serializes attempts per hearing id across requests.
type hearingLocks struct {
	mu sync.Mutex
	m  map[uuid.UUID]*hearingLock
}

type hearingLock struct {
	mu   sync.Mutex
	refs int
}

func (l *hearingLocks) lock(id uuid.UUID) (unlock func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[uuid.UUID]*hearingLock)
	}
	hl, ok := l.m[id]
	if !ok {
		hl = &hearingLock{}
		l.m[id] = hl
	}
	hl.refs++
	l.mu.Unlock()

	hl.mu.Lock()
	return func() {
		hl.mu.Unlock()
		l.mu.Lock()
		hl.refs--
		if hl.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
