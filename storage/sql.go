package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"scmauthd/core"

	"github.com/google/uuid"
)

// dialect holds the statements one database/sql engine needs. Every upsert
// takes its arguments in column order so the engines share the Go side.
type dialect struct {
	name string

	getToken         string
	putToken         string
	markValidated    string // (last_validated_at, user_id, provider, id)
	countToken       string // Set when the driver cannot report affected rows
	deleteToken      string
	deleteUserTokens string
	deleteExpired    string
	countExpired     string // Set when the driver cannot report affected rows

	getGrant         string
	putGrant         string
	deleteGrant      string
	deleteUserGrants string
}

// SQLStore implements Backend over database/sql.
type SQLStore struct {
	db      *sql.DB
	q       dialect
	onClose func() error
}

var _ Backend = (*SQLStore)(nil)

func (s *SQLStore) Close() error {
	err := s.db.Close()
	if s.onClose != nil {
		err = errors.Join(err, s.onClose())
	}
	return err
}

func (s *SQLStore) Get(ctx context.Context, userID string, provider core.Provider) (*core.Token, error) {
	var token core.Token
	var idStr, scopes string
	var issuedAt, expiresAt, validatedAt int64

	err := s.db.QueryRowContext(ctx, s.q.getToken, userID, string(provider)).Scan(
		&idStr,
		&token.Value,
		&scopes,
		&issuedAt,
		&expiresAt,
		&validatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(s.q.name+" get token", err)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, unavailable(s.q.name+" get token", err)
	}

	token.ID = id
	token.UserID = userID
	token.Provider = provider
	token.Scopes = splitScopes(scopes)
	token.IssuedAt = fromInstantNanos(issuedAt)
	token.ExpiresAt = fromNanos(expiresAt)
	token.LastValidatedAt = fromNanos(validatedAt)

	return &token, nil
}

func (s *SQLStore) Put(ctx context.Context, token *core.Token) error {
	_, err := s.db.ExecContext(ctx, s.q.putToken,
		token.UserID,
		string(token.Provider),
		token.ID.String(),
		token.Value,
		joinScopes(token.Scopes),
		instantNanos(token.IssuedAt),
		toNanos(token.ExpiresAt),
		toNanos(token.LastValidatedAt),
	)
	if err != nil {
		return unavailable(s.q.name+" put token", err)
	}
	return nil
}

func (s *SQLStore) MarkValidated(ctx context.Context, userID string, provider core.Provider, id uuid.UUID, at time.Time) error {
	if s.q.countToken != "" {
		var count int64
		if err := s.db.QueryRowContext(ctx, s.q.countToken, userID, string(provider), id.String()).Scan(&count); err != nil {
			return unavailable(s.q.name+" find token", err)
		}
		if count == 0 {
			return core.ErrNotFound
		}
	}

	result, err := s.db.ExecContext(ctx, s.q.markValidated, at.UnixNano(), userID, string(provider), id.String())
	if err != nil {
		return unavailable(s.q.name+" mark token validated", err)
	}
	if s.q.countToken != "" {
		return nil
	}

	updated, err := result.RowsAffected()
	if err != nil {
		return unavailable(s.q.name+" mark token validated", err)
	}
	if updated == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, userID string, provider core.Provider) error {
	if _, err := s.db.ExecContext(ctx, s.q.deleteToken, userID, string(provider)); err != nil {
		return unavailable(s.q.name+" delete token", err)
	}
	return nil
}

func (s *SQLStore) DeleteAllForUser(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, s.q.deleteUserTokens, userID); err != nil {
		return unavailable(s.q.name+" delete user tokens", err)
	}
	if _, err := s.db.ExecContext(ctx, s.q.deleteUserGrants, userID); err != nil {
		return unavailable(s.q.name+" delete user grants", err)
	}
	return nil
}

func (s *SQLStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.UnixNano()

	if s.q.countExpired != "" {
		var count int64
		if err := s.db.QueryRowContext(ctx, s.q.countExpired, cutoff).Scan(&count); err != nil {
			return 0, unavailable(s.q.name+" count expired tokens", err)
		}
		if count == 0 {
			return 0, nil
		}
		if _, err := s.db.ExecContext(ctx, s.q.deleteExpired, cutoff); err != nil {
			return 0, unavailable(s.q.name+" delete expired tokens", err)
		}
		return count, nil
	}

	result, err := s.db.ExecContext(ctx, s.q.deleteExpired, cutoff)
	if err != nil {
		return 0, unavailable(s.q.name+" delete expired tokens", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable(s.q.name+" delete expired tokens", err)
	}
	return count, nil
}

func (s *SQLStore) GetGrant(ctx context.Context, userID string, provider core.Provider) (*core.Grant, error) {
	var grant core.Grant
	var scopes string
	var expiry, createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, s.q.getGrant, userID, string(provider)).Scan(
		&grant.AccessToken,
		&grant.RefreshToken,
		&scopes,
		&expiry,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(s.q.name+" get grant", err)
	}

	grant.UserID = userID
	grant.Provider = provider
	grant.Scopes = splitScopes(scopes)
	grant.Expiry = fromNanos(expiry)
	grant.CreatedAt = fromInstantNanos(createdAt)
	grant.UpdatedAt = fromInstantNanos(updatedAt)

	return &grant, nil
}

func (s *SQLStore) PutGrant(ctx context.Context, grant *core.Grant) error {
	_, err := s.db.ExecContext(ctx, s.q.putGrant,
		grant.UserID,
		string(grant.Provider),
		grant.AccessToken,
		grant.RefreshToken,
		joinScopes(grant.Scopes),
		toNanos(grant.Expiry),
		instantNanos(grant.CreatedAt),
		instantNanos(grant.UpdatedAt),
	)
	if err != nil {
		return unavailable(s.q.name+" put grant", err)
	}
	return nil
}

func (s *SQLStore) DeleteGrant(ctx context.Context, userID string, provider core.Provider) error {
	if _, err := s.db.ExecContext(ctx, s.q.deleteGrant, userID, string(provider)); err != nil {
		return unavailable(s.q.name+" delete grant", err)
	}
	return nil
}
