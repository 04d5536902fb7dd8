package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/ydb-platform/ydb-go-sdk/v3"
	yc "github.com/ydb-platform/ydb-go-yc"
)

//go:embed schema/ydb/schema.sql
var ydbSchema string

type YDBConfig struct {
	DSN                    string `yaml:"dsn"`
	ServiceAccountKeyFile  string `yaml:"service_account_key_file"`
	UseMetadataCredentials bool   `yaml:"use_metadata_credentials"` // Inside Yandex Cloud VMs and functions
}

// YQL has no ON CONFLICT; UPSERT replaces the row by primary key.
var ydbDialect = dialect{
	name: "ydb",

	getToken: `
		SELECT id, value, scopes, issued_at, expires_at, last_validated_at
		FROM personal_access_tokens
		WHERE user_id = ? AND provider = ?
	`,
	putToken: `
		UPSERT INTO personal_access_tokens
			(user_id, provider, id, value, scopes, issued_at, expires_at, last_validated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
	markValidated: `
		UPDATE personal_access_tokens SET last_validated_at = ?
		WHERE user_id = ? AND provider = ? AND id = ?
	`,
	countToken:       `SELECT COUNT(*) FROM personal_access_tokens WHERE user_id = ? AND provider = ? AND id = ?`,
	deleteToken:      `DELETE FROM personal_access_tokens WHERE user_id = ? AND provider = ?`,
	deleteUserTokens: `DELETE FROM personal_access_tokens WHERE user_id = ?`,
	deleteExpired:    `DELETE FROM personal_access_tokens WHERE expires_at > 0 AND expires_at <= ?`,
	countExpired:     `SELECT COUNT(*) FROM personal_access_tokens WHERE expires_at > 0 AND expires_at <= ?`,

	getGrant: `
		SELECT access_token, refresh_token, scopes, expiry, created_at, updated_at
		FROM oauth_grants
		WHERE user_id = ? AND provider = ?
	`,
	putGrant: `
		UPSERT INTO oauth_grants
			(user_id, provider, access_token, refresh_token, scopes, expiry, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
	deleteGrant:      `DELETE FROM oauth_grants WHERE user_id = ? AND provider = ?`,
	deleteUserGrants: `DELETE FROM oauth_grants WHERE user_id = ?`,
}

func NewYDBStore(ctx context.Context, config YDBConfig) (*SQLStore, error) {
	var opts []ydb.Option
	switch {
	case config.ServiceAccountKeyFile != "":
		opts = append(opts, yc.WithInternalCA(), yc.WithServiceAccountKeyFileCredentials(config.ServiceAccountKeyFile))
	case config.UseMetadataCredentials:
		opts = append(opts, yc.WithInternalCA(), yc.WithMetadataCredentials())
	}

	nativeDriver, err := ydb.Open(ctx, config.DSN, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open ydb: %w", err)
	}

	connector, err := ydb.Connector(nativeDriver,
		ydb.WithAutoDeclare(),
		ydb.WithPositionalArgs(),
	)
	if err != nil {
		nativeDriver.Close(ctx)
		return nil, fmt.Errorf("failed to create ydb connector: %w", err)
	}

	store := &SQLStore{
		db: sql.OpenDB(connector),
		q:  ydbDialect,
		onClose: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return nativeDriver.Close(ctx)
		},
	}

	if err := store.initYDBSchema(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLStore) initYDBSchema(ctx context.Context) error {
	schemeCtx := ydb.WithQueryMode(ctx, ydb.SchemeQueryMode)
	for _, stmt := range strings.Split(ydbSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(schemeCtx, stmt); err != nil {
			return err
		}
	}
	return nil
}
