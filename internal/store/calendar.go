// calendar.go -- Credential, hearing and sync-record queries.
//
// Tokens arrive here already encrypted; this layer never sees plaintext.
// Sync records are one row per (hearing, provider), overwritten on every attempt.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
)

// UpsertCredential inserts or replaces the credential for (user, provider).
// A nil RefreshToken or AccountEmail keeps the stored value; providers omit the
// refresh token on reconnects and refreshes.
func (s *PostgresStore) UpsertCredential(ctx context.Context, c Credential) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO calendar_credentials (user_id, provider, access_token, refresh_token, expires_at, account_email)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = COALESCE(EXCLUDED.refresh_token, calendar_credentials.refresh_token),
			expires_at = EXCLUDED.expires_at,
			account_email = COALESCE(EXCLUDED.account_email, calendar_credentials.account_email),
			updated_at = now()
	`, c.UserID, c.Provider, c.AccessToken, c.RefreshToken, c.ExpiresAt, c.AccountEmail)
	if err != nil {
		return fmt.Errorf("upserting credential: %w", err)
	}
	return nil
}

// GetCredential fetches the stored credential for (user, provider).
// Returns pgx.ErrNoRows if the user never connected.
func (s *PostgresStore) GetCredential(ctx context.Context, userID uuid.UUID, provider string) (*Credential, error) {
	var c Credential
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, provider, access_token, refresh_token, expires_at, account_email, created_at, updated_at
		FROM calendar_credentials WHERE user_id = $1 AND provider = $2
	`, userID, provider).Scan(
		&c.UserID, &c.Provider, &c.AccessToken, &c.RefreshToken,
		&c.ExpiresAt, &c.AccountEmail, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CredentialExists reports whether a credential row exists. It does not validate the tokens.
func (s *PostgresStore) CredentialExists(ctx context.Context, userID uuid.UUID, provider string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM calendar_credentials WHERE user_id = $1 AND provider = $2)",
		userID, provider,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking credential: %w", err)
	}
	return exists, nil
}

// DeleteCredential removes the credential for (user, provider). Missing rows are not an error.
func (s *PostgresStore) DeleteCredential(ctx context.Context, userID uuid.UUID, provider string) error {
	_, err := s.pool.Exec(ctx,
		"DELETE FROM calendar_credentials WHERE user_id = $1 AND provider = $2",
		userID, provider)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return nil
}

const hearingColumns = `
	h.id, h.case_id, c.firm_id, c.case_number, c.title,
	h.title, h.starts_at, h.ends_at, h.location, h.notes, h.updated_at`

func scanHearing(row interface{ Scan(...any) error }, h *Hearing) error {
	return row.Scan(
		&h.ID, &h.CaseID, &h.FirmID, &h.CaseNumber, &h.CaseTitle,
		&h.Title, &h.StartsAt, &h.EndsAt, &h.Location, &h.Notes, &h.UpdatedAt,
	)
}

// GetHearing fetches one hearing scoped to a firm.
// Returns pgx.ErrNoRows if the hearing does not exist or belongs to another firm.
func (s *PostgresStore) GetHearing(ctx context.Context, firmID, hearingID uuid.UUID) (*Hearing, error) {
	var h Hearing
	row := s.pool.QueryRow(ctx, `
		SELECT `+hearingColumns+`
		FROM hearings h
		JOIN cases c ON c.id = h.case_id
		WHERE h.id = $1 AND c.firm_id = $2
	`, hearingID, firmID)
	if err := scanHearing(row, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ListHearings returns a firm's hearings in start order.
// When visibleTo is set, only hearings on cases that user is a member of are returned.
func (s *PostgresStore) ListHearings(ctx context.Context, firmID uuid.UUID, visibleTo *uuid.UUID) ([]Hearing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+hearingColumns+`
		FROM hearings h
		JOIN cases c ON c.id = h.case_id
		WHERE c.firm_id = $1
			AND ($2::uuid IS NULL OR EXISTS (
				SELECT 1 FROM case_members m WHERE m.case_id = c.id AND m.user_id = $2
			))
		ORDER BY h.starts_at, h.id
	`, firmID, visibleTo)
	if err != nil {
		return nil, fmt.Errorf("listing hearings: %w", err)
	}
	defer rows.Close()

	var hearings []Hearing
	for rows.Next() {
		var h Hearing
		if err := scanHearing(rows, &h); err != nil {
			return nil, fmt.Errorf("scanning hearing: %w", err)
		}
		hearings = append(hearings, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating hearings: %w", err)
	}
	return hearings, nil
}

// GetSyncRecord fetches the sync record for (hearing, provider).
// Returns pgx.ErrNoRows if the hearing was never synced.
func (s *PostgresStore) GetSyncRecord(ctx context.Context, hearingID uuid.UUID, provider string) (*SyncRecord, error) {
	var r SyncRecord
	err := s.pool.QueryRow(ctx, `
		SELECT hearing_id, provider, remote_event_id, sync_status, last_error, last_synced_at
		FROM calendar_sync_records WHERE hearing_id = $1 AND provider = $2
	`, hearingID, provider).Scan(
		&r.HearingID, &r.Provider, &r.RemoteEventID, &r.Status, &r.LastError, &r.LastSyncedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpsertSyncRecord writes the outcome of a sync attempt.
// A nil RemoteEventID keeps the previously stored event id so a failed retry
// does not orphan the remote event.
func (s *PostgresStore) UpsertSyncRecord(ctx context.Context, r SyncRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO calendar_sync_records (hearing_id, provider, remote_event_id, sync_status, last_error, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (hearing_id, provider) DO UPDATE SET
			remote_event_id = COALESCE(EXCLUDED.remote_event_id, calendar_sync_records.remote_event_id),
			sync_status = EXCLUDED.sync_status,
			last_error = EXCLUDED.last_error,
			last_synced_at = EXCLUDED.last_synced_at
	`, r.HearingID, r.Provider, r.RemoteEventID, r.Status, r.LastError, r.LastSyncedAt)
	if err != nil {
		return fmt.Errorf("upserting sync record: %w", err)
	}
	return nil
}

// SyncSummaryForFirm counts synced and failed records across a firm's hearings.
func (s *PostgresStore) SyncSummaryForFirm(ctx context.Context, firmID uuid.UUID, provider string) (*SyncSummary, error) {
	var (
		sum  SyncSummary
		last *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE r.sync_status = 'SYNCED'),
			count(*) FILTER (WHERE r.sync_status = 'FAILED'),
			max(r.last_synced_at)
		FROM calendar_sync_records r
		JOIN hearings h ON h.id = r.hearing_id
		JOIN cases c ON c.id = h.case_id
		WHERE c.firm_id = $1 AND r.provider = $2
	`, firmID, provider).Scan(&sum.Synced, &sum.Failed, &last)
	if err != nil {
		return nil, fmt.Errorf("summarizing sync records: %w", err)
	}
	sum.LastSyncedAt = last
	return &sum, nil
}
