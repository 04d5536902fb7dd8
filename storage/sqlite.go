package storage

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "modernc.org/sqlite"
)

//go:embed schema/sqlite/schema.sql
var sqliteSchema string

var sqliteDialect = dialect{
	name: "sqlite",

	getToken: `
		SELECT id, value, scopes, issued_at, expires_at, last_validated_at
		FROM personal_access_tokens
		WHERE user_id = ? AND provider = ?
	`,
	putToken: `
		INSERT INTO personal_access_tokens
			(user_id, provider, id, value, scopes, issued_at, expires_at, last_validated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			id = excluded.id,
			value = excluded.value,
			scopes = excluded.scopes,
			issued_at = excluded.issued_at,
			expires_at = excluded.expires_at,
			last_validated_at = excluded.last_validated_at
	`,
	markValidated: `
		UPDATE personal_access_tokens SET last_validated_at = ?
		WHERE user_id = ? AND provider = ? AND id = ?
	`,
	deleteToken:      `DELETE FROM personal_access_tokens WHERE user_id = ? AND provider = ?`,
	deleteUserTokens: `DELETE FROM personal_access_tokens WHERE user_id = ?`,
	deleteExpired:    `DELETE FROM personal_access_tokens WHERE expires_at > 0 AND expires_at <= ?`,

	getGrant: `
		SELECT access_token, refresh_token, scopes, expiry, created_at, updated_at
		FROM oauth_grants
		WHERE user_id = ? AND provider = ?
	`,
	putGrant: `
		INSERT INTO oauth_grants
			(user_id, provider, access_token, refresh_token, scopes, expiry, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			scopes = excluded.scopes,
			expiry = excluded.expiry,
			updated_at = excluded.updated_at
	`,
	deleteGrant:      `DELETE FROM oauth_grants WHERE user_id = ? AND provider = ?`,
	deleteUserGrants: `DELETE FROM oauth_grants WHERE user_id = ?`,
}

func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: writers are serialised.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLStore{db: db, q: sqliteDialect}, nil
}
