package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type resolutionState int

const (
	stateIdle resolutionState = iota
	stateChecking
	stateValidating
	stateRefreshing
	stateDone
	stateFailed
)

func (s resolutionState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateChecking:
		return "checking"
	case stateValidating:
		return "validating"
	case stateRefreshing:
		return "refreshing"
	case stateDone:
		return "done"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TokenResolver hands out a currently valid token per (user, provider),
// collapsing concurrent resolutions of one key into a single flight.
type TokenResolver struct {
	store      TokenStore
	probes     map[Provider]ProviderAPIProbe
	exchangers map[Provider]OAuthExchanger
	config     ResolverConfig
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time

	flights singleflight.Group
	epochs  *userEpochs
}

type ResolverOption func(*TokenResolver)

func WithLogger(logger *zap.Logger) ResolverOption {
	return func(r *TokenResolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock replaces time.Now, mostly for expiry tests.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *TokenResolver) {
		r.now = now
	}
}

func NewTokenResolver(store TokenStore, probes map[Provider]ProviderAPIProbe, exchangers map[Provider]OAuthExchanger, config ResolverConfig, opts ...ResolverOption) *TokenResolver {
	r := &TokenResolver{
		store:      store,
		probes:     probes,
		exchangers: exchangers,
		config:     config.withDefaults(),
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("scmauthd/core"),
		now:        time.Now,
		epochs:     newUserEpochs(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// flightResult is shared by every caller attached to one flight.
type flightResult struct {
	token  *Token
	forced bool
}

func (r *TokenResolver) Resolve(ctx context.Context, userID string, provider Provider) (*Token, error) {
	return r.resolve(ctx, ResolutionRequest{UserID: userID, Provider: provider})
}

// ForceRefresh skips the stored token and always goes through the exchanger.
func (r *TokenResolver) ForceRefresh(ctx context.Context, userID string, provider Provider) (*Token, error) {
	return r.resolve(ctx, ResolutionRequest{UserID: userID, Provider: provider, ForceRefresh: true})
}

func (r *TokenResolver) resolve(ctx context.Context, req ResolutionRequest) (*Token, error) {
	if _, _, err := r.collaborators(req.Provider); err != nil {
		return nil, &ResolutionError{UserID: req.UserID, Provider: req.Provider, Reason: ReasonUnsupportedProvider, Err: err}
	}

	// A forced caller that attached to a plain flight gets one more, forced, flight.
	for attempt := 0; ; attempt++ {
		ch := r.flights.DoChan(req.key(), func() (interface{}, error) {
			return r.run(ctx, req)
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			flight := res.Val.(*flightResult)
			if req.ForceRefresh && !flight.forced && attempt == 0 {
				continue
			}
			return flight.token.Clone(), nil
		}
	}
}

// run executes the state machine for one flight. It is detached from the
// cancellation of the caller that started it so attached callers still get a result.
func (r *TokenResolver) run(parent context.Context, req ResolutionRequest) (*flightResult, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.config.ResolveTimeout)
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "TokenResolver.resolve", trace.WithAttributes(
		attribute.String("scm.provider", string(req.Provider)),
		attribute.Bool("scm.force_refresh", req.ForceRefresh),
	))
	defer span.End()

	logger := r.logger.With(zap.String("user_id", req.UserID), zap.String("provider", string(req.Provider)))

	lease := r.epochs.lease(req.UserID, req.Provider)
	defer lease.release()

	token, err := r.transition(ctx, req, lease, logger)
	if err != nil {
		rerr := &ResolutionError{UserID: req.UserID, Provider: req.Provider, Reason: reasonFor(err), Err: err}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(rerr.Reason))
		logger.Debug("resolution state", zap.Stringer("state", stateFailed))
		logger.Warn("token resolution failed", zap.String("reason", string(rerr.Reason)), zap.Error(err))
		return nil, rerr
	}

	logger.Debug("resolution state", zap.Stringer("state", stateDone))
	return &flightResult{token: token, forced: req.ForceRefresh}, nil
}

func (r *TokenResolver) transition(ctx context.Context, req ResolutionRequest, lease *epochLease, logger *zap.Logger) (*Token, error) {
	probe, exchanger, err := r.collaborators(req.Provider)
	if err != nil {
		return nil, err
	}

	var current, rejected *Token
	state := stateIdle
	for {
		logger.Debug("resolution state", zap.Stringer("state", state))

		switch state {
		case stateIdle:
			if req.ForceRefresh {
				state = stateRefreshing
			} else {
				state = stateChecking
			}

		case stateChecking:
			stored, err := r.store.Get(ctx, req.UserID, req.Provider)
			switch {
			case errors.Is(err, ErrNotFound):
				state = stateRefreshing
			case err != nil:
				return nil, err
			default:
				current = stored
				state = stateValidating
			}

		case stateValidating:
			valid, err := r.validate(ctx, probe, current, lease, logger)
			if err != nil {
				return nil, err
			}
			if valid {
				return current, nil
			}
			rejected = current
			state = stateRefreshing

		case stateRefreshing:
			return r.refresh(ctx, exchanger, req, rejected, lease, logger)

		default:
			return nil, fmt.Errorf("unexpected resolution state %s", state)
		}
	}
}

func (r *TokenResolver) validate(ctx context.Context, probe ProviderAPIProbe, token *Token, lease *epochLease, logger *zap.Logger) (bool, error) {
	now := r.now().UTC()
	if token.Expired(now) {
		logger.Debug("stored token expired", zap.Timep("expires_at", token.ExpiresAt))
		return false, nil
	}

	interval := r.config.ValidationInterval
	if interval > 0 && token.LastValidatedAt != nil && now.Sub(*token.LastValidatedAt) < interval {
		return true, nil
	}

	var valid bool
	err := r.retry(ctx, "validate", logger, func(ctx context.Context) error {
		var err error
		valid, err = probe.Validate(ctx, token)
		return err
	})
	if err != nil || !valid {
		return false, err
	}

	// A token replaced or invalidated meanwhile is still one the provider accepts.
	err = lease.commit(func() error {
		err := r.store.MarkValidated(ctx, token.UserID, token.Provider, token.ID, now)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return false, err
	}
	token.LastValidatedAt = &now
	return true, nil
}

func (r *TokenResolver) refresh(ctx context.Context, exchanger OAuthExchanger, req ResolutionRequest, rejected *Token, lease *epochLease, logger *zap.Logger) (*Token, error) {
	var fresh *Token
	err := r.retry(ctx, "exchange", logger, func(ctx context.Context) error {
		var err error
		fresh, err = exchanger.Exchange(ctx, req.UserID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrRevoked) {
			logger.Info("grant revoked, dropping stored token")
			if derr := r.store.Delete(ctx, req.UserID, req.Provider); derr != nil {
				logger.Warn("could not drop revoked token", zap.Error(derr))
				return nil, errors.Join(derr, err)
			}
		}
		return nil, err
	}
	if fresh == nil {
		return nil, fmt.Errorf("%w: exchanger returned no token", ErrTransient)
	}

	// The grant still holds the token the provider just refused.
	if rejected != nil && fresh.Value == rejected.Value {
		return nil, fmt.Errorf("%w: grant holds a token the provider rejected", ErrConsentRequired)
	}

	token := fresh.Clone()
	token.ID = uuid.New()
	token.UserID = req.UserID
	token.Provider = req.Provider
	if token.IssuedAt.IsZero() {
		token.IssuedAt = r.now().UTC()
	}

	err = lease.commit(func() error {
		return r.store.Put(ctx, token)
	})
	if errors.Is(err, errDisconnected) {
		// The exchange may have written the grant back after it was forgotten.
		logger.Info("integration disconnected during refresh, discarding token")
		if forgetter, ok := exchanger.(GrantForgetter); ok {
			if ferr := forgetter.ForgetGrant(ctx, req.UserID); ferr != nil {
				return nil, errors.Join(err, ferr)
			}
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	logger.Info("stored refreshed token", zap.Strings("scopes", token.Scopes))
	return token, nil
}

// retry runs fn until it succeeds, fails permanently, or MaxAttempts is reached.
func (r *TokenResolver) retry(ctx context.Context, op string, logger *zap.Logger, fn func(context.Context) error) error {
	backoff := r.config.BaseBackoff
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !retryable(err) || attempt >= r.config.MaxAttempts {
			return err
		}

		wait := backoff
		if hint, ok := RetryAfter(err); ok {
			if hint > r.config.MaxBackoff {
				return err
			}
			wait = max(wait, hint)
		}

		logger.Debug("retrying provider call",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		backoff = min(backoff*2, r.config.MaxBackoff)
	}
}

func retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}

func (r *TokenResolver) collaborators(provider Provider) (ProviderAPIProbe, OAuthExchanger, error) {
	probe, ok := r.probes[provider]
	if !ok {
		return nil, nil, ErrUnsupportedProvider
	}
	exchanger, ok := r.exchangers[provider]
	if !ok {
		return nil, nil, ErrUnsupportedProvider
	}
	return probe, exchanger, nil
}

// Invalidate drops the stored token so the next resolution exchanges a new one.
func (r *TokenResolver) Invalidate(ctx context.Context, userID string, provider Provider) error {
	return r.store.Delete(ctx, userID, provider)
}

// Disconnect removes the user's integration with provider, including the OAuth grant.
// Resolutions still running for the key cannot store their result afterwards.
func (r *TokenResolver) Disconnect(ctx context.Context, userID string, provider Provider) error {
	exchanger, ok := r.exchangers[provider]
	if !ok || provider == "" {
		return ErrUnsupportedProvider
	}
	return r.epochs.disconnect(userID, provider, func() error {
		if err := r.store.Delete(ctx, userID, provider); err != nil {
			return err
		}
		if forgetter, ok := exchanger.(GrantForgetter); ok {
			return forgetter.ForgetGrant(ctx, userID)
		}
		return nil
	})
}

func (r *TokenResolver) DisconnectAll(ctx context.Context, userID string) error {
	return r.epochs.disconnect(userID, "", func() error {
		if err := r.store.DeleteAllForUser(ctx, userID); err != nil {
			return err
		}
		for _, exchanger := range r.exchangers {
			if forgetter, ok := exchanger.(GrantForgetter); ok {
				if err := forgetter.ForgetGrant(ctx, userID); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Providers lists the providers this resolver can serve.
func (r *TokenResolver) Providers() []Provider {
	providers := make([]Provider, 0, len(r.exchangers))
	for provider := range r.exchangers {
		if _, ok := r.probes[provider]; ok {
			providers = append(providers, provider)
		}
	}
	return providers
}
