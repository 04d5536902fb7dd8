package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"scmauthd/core"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "scmauthd"

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RedisStore implements Backend on Redis. Tokens with an expiry carry a
// key TTL, so Redis evicts them by itself.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

var _ Backend = (*RedisStore)(nil)

type redisToken struct {
	ID              string `json:"id"`
	Value           string `json:"value"`
	Scopes          string `json:"scopes"`
	IssuedAt        int64  `json:"issued_at"`
	ExpiresAt       int64  `json:"expires_at,omitempty"`
	LastValidatedAt int64  `json:"last_validated_at,omitempty"`
}

type redisGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scopes       string `json:"scopes"`
	Expiry       int64  `json:"expiry,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

func NewRedisStore(ctx context.Context, config RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return NewRedisStoreFromClient(client), nil
}

func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func tokenKey(userID string, provider core.Provider) string {
	return fmt.Sprintf("%s:token:%s:%s", redisKeyPrefix, userID, provider)
}

func grantKey(userID string, provider core.Provider) string {
	return fmt.Sprintf("%s:grant:%s:%s", redisKeyPrefix, userID, provider)
}

func userProvidersKey(userID string) string {
	return fmt.Sprintf("%s:user:%s:providers", redisKeyPrefix, userID)
}

func (s *RedisStore) Get(ctx context.Context, userID string, provider core.Provider) (*core.Token, error) {
	data, err := s.client.Get(ctx, tokenKey(userID, provider)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("redis get token", err)
	}

	var record redisToken
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, unavailable("redis decode token", err)
	}
	id, err := uuid.Parse(record.ID)
	if err != nil {
		return nil, unavailable("redis decode token", err)
	}

	return &core.Token{
		ID:              id,
		UserID:          userID,
		Provider:        provider,
		Value:           record.Value,
		Scopes:          splitScopes(record.Scopes),
		IssuedAt:        fromInstantNanos(record.IssuedAt),
		ExpiresAt:       fromNanos(record.ExpiresAt),
		LastValidatedAt: fromNanos(record.LastValidatedAt),
	}, nil
}

func (s *RedisStore) Put(ctx context.Context, token *core.Token) error {
	data, err := json.Marshal(redisToken{
		ID:              token.ID.String(),
		Value:           token.Value,
		Scopes:          joinScopes(token.Scopes),
		IssuedAt:        instantNanos(token.IssuedAt),
		ExpiresAt:       toNanos(token.ExpiresAt),
		LastValidatedAt: toNanos(token.LastValidatedAt),
	})
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	var ttl time.Duration
	if token.ExpiresAt != nil {
		// Already-expired tokens are still written so a read sees them expired.
		ttl = max(token.ExpiresAt.Sub(s.now()), time.Second)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, tokenKey(token.UserID, token.Provider), data, ttl)
		pipe.SAdd(ctx, userProvidersKey(token.UserID), string(token.Provider))
		return nil
	})
	if err != nil {
		return unavailable("redis put token", err)
	}
	return nil
}

// MarkValidated rewrites the record under WATCH so a concurrent Put wins.
func (s *RedisStore) MarkValidated(ctx context.Context, userID string, provider core.Provider, id uuid.UUID, at time.Time) error {
	key := tokenKey(userID, provider)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return core.ErrNotFound
		}
		if err != nil {
			return err
		}

		var record redisToken
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		if record.ID != id.String() {
			return core.ErrNotFound
		}
		record.LastValidatedAt = at.UnixNano()

		updated, err := json.Marshal(record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrNotFound), errors.Is(err, redis.TxFailedErr):
		return core.ErrNotFound
	default:
		return unavailable("redis mark token validated", err)
	}
}

func (s *RedisStore) Delete(ctx context.Context, userID string, provider core.Provider) error {
	if err := s.client.Del(ctx, tokenKey(userID, provider)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return unavailable("redis delete token", err)
	}
	return nil
}

func (s *RedisStore) DeleteAllForUser(ctx context.Context, userID string) error {
	providers, err := s.client.SMembers(ctx, userProvidersKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return unavailable("redis list user providers", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range providers {
			pipe.Del(ctx, tokenKey(userID, core.Provider(p)), grantKey(userID, core.Provider(p)))
		}
		pipe.Del(ctx, userProvidersKey(userID))
		return nil
	})
	if err != nil {
		return unavailable("redis delete user tokens", err)
	}
	return nil
}

// DeleteExpired is a no-op: expired tokens are evicted through their key TTL.
func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (s *RedisStore) GetGrant(ctx context.Context, userID string, provider core.Provider) (*core.Grant, error) {
	data, err := s.client.Get(ctx, grantKey(userID, provider)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("redis get grant", err)
	}

	var record redisGrant
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, unavailable("redis decode grant", err)
	}

	return &core.Grant{
		UserID:       userID,
		Provider:     provider,
		AccessToken:  record.AccessToken,
		RefreshToken: record.RefreshToken,
		Scopes:       splitScopes(record.Scopes),
		Expiry:       fromNanos(record.Expiry),
		CreatedAt:    fromInstantNanos(record.CreatedAt),
		UpdatedAt:    fromInstantNanos(record.UpdatedAt),
	}, nil
}

func (s *RedisStore) PutGrant(ctx context.Context, grant *core.Grant) error {
	data, err := json.Marshal(redisGrant{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		Scopes:       joinScopes(grant.Scopes),
		Expiry:       toNanos(grant.Expiry),
		CreatedAt:    instantNanos(grant.CreatedAt),
		UpdatedAt:    instantNanos(grant.UpdatedAt),
	})
	if err != nil {
		return fmt.Errorf("marshal grant: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, grantKey(grant.UserID, grant.Provider), data, 0)
		pipe.SAdd(ctx, userProvidersKey(grant.UserID), string(grant.Provider))
		return nil
	})
	if err != nil {
		return unavailable("redis put grant", err)
	}
	return nil
}

func (s *RedisStore) DeleteGrant(ctx context.Context, userID string, provider core.Provider) error {
	if err := s.client.Del(ctx, grantKey(userID, provider)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return unavailable("redis delete grant", err)
	}
	return nil
}
