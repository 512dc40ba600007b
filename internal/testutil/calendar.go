// calendar.go
//
// Mock calendar repository (credentials, hearings, sync records).
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/casedesk/docket/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

type credKey struct {
	userID   uuid.UUID
	provider string
}

type recordKey struct {
	hearingID uuid.UUID
	provider  string
}

// MockCalendarRepo implements the credential and sync repositories in memory.
// Hearings are seeded directly; CaseMembers maps case id to member user ids.
type MockCalendarRepo struct {
	// Error injection...zero value means no error
	UpsertCredentialErr error
	GetCredentialErr    error
	DeleteCredentialErr error
	ListHearingsErr     error
	UpsertRecordErr     error

	Hearings    []store.Hearing
	CaseMembers map[uuid.UUID][]uuid.UUID

	mu          sync.Mutex
	credentials map[credKey]store.Credential
	records     map[recordKey]store.SyncRecord
	upserts     int
}

// NewMockCalendarRepo returns a repo seeded with hearings.
func NewMockCalendarRepo(hearings ...store.Hearing) *MockCalendarRepo {
	return &MockCalendarRepo{
		Hearings:    hearings,
		CaseMembers: make(map[uuid.UUID][]uuid.UUID),
		credentials: make(map[credKey]store.Credential),
		records:     make(map[recordKey]store.SyncRecord),
	}
}

func (m *MockCalendarRepo) UpsertCredential(_ context.Context, c store.Credential) error {
	if m.UpsertCredentialErr != nil {
		return m.UpsertCredentialErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := credKey{c.UserID, c.Provider}
	if prev, ok := m.credentials[k]; ok {
		if c.AccountEmail == nil {
			c.AccountEmail = prev.AccountEmail
		}
		if c.RefreshToken == nil {
			c.RefreshToken = prev.RefreshToken
		}
		c.CreatedAt = prev.CreatedAt
	}
	c.UpdatedAt = time.Now()
	m.credentials[k] = c
	return nil
}

func (m *MockCalendarRepo) GetCredential(_ context.Context, userID uuid.UUID, provider string) (*store.Credential, error) {
	if m.GetCredentialErr != nil {
		return nil, m.GetCredentialErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[credKey{userID, provider}]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &c, nil
}

func (m *MockCalendarRepo) CredentialExists(_ context.Context, userID uuid.UUID, provider string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.credentials[credKey{userID, provider}]
	return ok, nil
}

func (m *MockCalendarRepo) DeleteCredential(_ context.Context, userID uuid.UUID, provider string) error {
	if m.DeleteCredentialErr != nil {
		return m.DeleteCredentialErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.credentials, credKey{userID, provider})
	return nil
}

// RawCredential returns the stored (encrypted) row, for asserting on ciphertext.
func (m *MockCalendarRepo) RawCredential(userID uuid.UUID, provider string) (store.Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[credKey{userID, provider}]
	return c, ok
}

// SetRawCredential overwrites the stored row, for corrupting ciphertext in tests.
func (m *MockCalendarRepo) SetRawCredential(c store.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[credKey{c.UserID, c.Provider}] = c
}

func (m *MockCalendarRepo) GetHearing(_ context.Context, firmID, hearingID uuid.UUID) (*store.Hearing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.Hearings {
		if h.ID == hearingID && h.FirmID == firmID {
			cp := h
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *MockCalendarRepo) ListHearings(_ context.Context, firmID uuid.UUID, visibleTo *uuid.UUID) ([]store.Hearing, error) {
	if m.ListHearingsErr != nil {
		return nil, m.ListHearingsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Hearing
	for _, h := range m.Hearings {
		if h.FirmID != firmID {
			continue
		}
		if visibleTo != nil && !m.isMember(h.CaseID, *visibleTo) {
			continue
		}
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

// isMember reports case membership; caller holds mu.
func (m *MockCalendarRepo) isMember(caseID, userID uuid.UUID) bool {
	for _, id := range m.CaseMembers[caseID] {
		if id == userID {
			return true
		}
	}
	return false
}

func (m *MockCalendarRepo) GetSyncRecord(_ context.Context, hearingID uuid.UUID, provider string) (*store.SyncRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[recordKey{hearingID, provider}]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &r, nil
}

func (m *MockCalendarRepo) UpsertSyncRecord(_ context.Context, r store.SyncRecord) error {
	if m.UpsertRecordErr != nil {
		return m.UpsertRecordErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := recordKey{r.HearingID, r.Provider}
	if prev, ok := m.records[k]; ok && r.RemoteEventID == nil {
		r.RemoteEventID = prev.RemoteEventID
	}
	m.records[k] = r
	m.upserts++
	return nil
}

func (m *MockCalendarRepo) SyncSummaryForFirm(_ context.Context, firmID uuid.UUID, provider string) (*store.SyncSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inFirm := make(map[uuid.UUID]bool)
	for _, h := range m.Hearings {
		if h.FirmID == firmID {
			inFirm[h.ID] = true
		}
	}
	var sum store.SyncSummary
	for k, r := range m.records {
		if k.provider != provider || !inFirm[k.hearingID] {
			continue
		}
		switch r.Status {
		case store.SyncStatusSynced:
			sum.Synced++
		case store.SyncStatusFailed:
			sum.Failed++
		}
		if sum.LastSyncedAt == nil || r.LastSyncedAt.After(*sum.LastSyncedAt) {
			t := r.LastSyncedAt
			sum.LastSyncedAt = &t
		}
	}
	return &sum, nil
}

// Record returns the sync record for a hearing, if any.
func (m *MockCalendarRepo) Record(hearingID uuid.UUID, provider string) (store.SyncRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[recordKey{hearingID, provider}]
	return r, ok
}

// Upserts returns how many sync-record writes have happened.
func (m *MockCalendarRepo) Upserts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}
