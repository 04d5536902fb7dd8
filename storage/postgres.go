package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"scmauthd/core"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema/postgres/schema.sql
var postgresSchema string

// PostgresStore implements Backend over a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Backend = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string, provider core.Provider) (*core.Token, error) {
	var token core.Token
	var idStr, scopes string
	var issuedAt, expiresAt, validatedAt int64

	err := s.pool.QueryRow(ctx, `
		SELECT id::text, value, scopes, issued_at, expires_at, last_validated_at
		FROM personal_access_tokens
		WHERE user_id = $1 AND provider = $2
	`, userID, string(provider)).Scan(&idStr, &token.Value, &scopes, &issuedAt, &expiresAt, &validatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("postgres get token", err)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, unavailable("postgres get token", err)
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

func (s *PostgresStore) Put(ctx context.Context, token *core.Token) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO personal_access_tokens
			(user_id, provider, id, value, scopes, issued_at, expires_at, last_validated_at)
		VALUES ($1, $2, $3::uuid, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			id = EXCLUDED.id,
			value = EXCLUDED.value,
			scopes = EXCLUDED.scopes,
			issued_at = EXCLUDED.issued_at,
			expires_at = EXCLUDED.expires_at,
			last_validated_at = EXCLUDED.last_validated_at
	`,
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
		return unavailable("postgres put token", err)
	}
	return nil
}

func (s *PostgresStore) MarkValidated(ctx context.Context, userID string, provider core.Provider, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE personal_access_tokens SET last_validated_at = $4
		WHERE user_id = $1 AND provider = $2 AND id = $3::uuid`,
		userID, string(provider), id.String(), at.UnixNano())
	if err != nil {
		return unavailable("postgres mark token validated", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, userID string, provider core.Provider) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM personal_access_tokens WHERE user_id = $1 AND provider = $2`,
		userID, string(provider))
	if err != nil {
		return unavailable("postgres delete token", err)
	}
	return nil
}

// DeleteAllForUser removes tokens and grants in one transaction.
func (s *PostgresStore) DeleteAllForUser(ctx context.Context, userID string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM personal_access_tokens WHERE user_id = $1`, userID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM oauth_grants WHERE user_id = $1`, userID)
		return err
	})
	if err != nil {
		return unavailable("postgres delete user tokens", err)
	}
	return nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM personal_access_tokens WHERE expires_at > 0 AND expires_at <= $1`,
		now.UnixNano())
	if err != nil {
		return 0, unavailable("postgres delete expired tokens", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) GetGrant(ctx context.Context, userID string, provider core.Provider) (*core.Grant, error) {
	var grant core.Grant
	var scopes string
	var expiry, createdAt, updatedAt int64

	err := s.pool.QueryRow(ctx, `
		SELECT access_token, refresh_token, scopes, expiry, created_at, updated_at
		FROM oauth_grants
		WHERE user_id = $1 AND provider = $2
	`, userID, string(provider)).Scan(
		&grant.AccessToken,
		&grant.RefreshToken,
		&scopes,
		&expiry,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("postgres get grant", err)
	}

	grant.UserID = userID
	grant.Provider = provider
	grant.Scopes = splitScopes(scopes)
	grant.Expiry = fromNanos(expiry)
	grant.CreatedAt = fromInstantNanos(createdAt)
	grant.UpdatedAt = fromInstantNanos(updatedAt)

	return &grant, nil
}

func (s *PostgresStore) PutGrant(ctx context.Context, grant *core.Grant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_grants
			(user_id, provider, access_token, refresh_token, scopes, expiry, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			scopes = EXCLUDED.scopes,
			expiry = EXCLUDED.expiry,
			updated_at = EXCLUDED.updated_at
	`,
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
		return unavailable("postgres put grant", err)
	}
	return nil
}

func (s *PostgresStore) DeleteGrant(ctx context.Context, userID string, provider core.Provider) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM oauth_grants WHERE user_id = $1 AND provider = $2`,
		userID, string(provider))
	if err != nil {
		return unavailable("postgres delete grant", err)
	}
	return nil
}
