package core

import (
	"context"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// UserDataFetcher reads the provider identity behind a user's resolved token.
// Errors from the resolver and the probe are returned unchanged.
type UserDataFetcher struct {
	apiEndpoint string
	resolver    *TokenResolver
	probes      map[Provider]ProviderAPIProbe
	consent     map[Provider]ConsentFlow
	tracer      trace.Tracer
}

func NewUserDataFetcher(apiEndpoint string, resolver *TokenResolver, probes map[Provider]ProviderAPIProbe, consent map[Provider]ConsentFlow) *UserDataFetcher {
	return &UserDataFetcher{
		apiEndpoint: strings.TrimSuffix(apiEndpoint, "/"),
		resolver:    resolver,
		probes:      probes,
		consent:     consent,
		tracer:      otel.Tracer("scmauthd/core"),
	}
}

func (f *UserDataFetcher) FetchUserData(ctx context.Context, userID string, provider Provider) (*ProviderIdentity, error) {
	ctx, span := f.tracer.Start(ctx, "UserDataFetcher.FetchUserData",
		trace.WithAttributes(attribute.String("scm.provider", string(provider))))
	defer span.End()

	identity, err := f.fetch(ctx, userID, provider)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch user data")
		return nil, err
	}
	return identity, nil
}

func (f *UserDataFetcher) fetch(ctx context.Context, userID string, provider Provider) (*ProviderIdentity, error) {
	probe, ok := f.probes[provider]
	if !ok {
		return nil, ErrUnsupportedProvider
	}

	token, err := f.resolver.Resolve(ctx, userID, provider)
	if err != nil {
		return nil, err
	}

	return probe.GetUserData(ctx, token)
}

// AuthenticateURL is where a user is sent to (re)grant access to provider.
func (f *UserDataFetcher) AuthenticateURL(provider Provider) string {
	params := url.Values{}
	params.Set("oauth_provider", string(provider))
	if flow, ok := f.consent[provider]; ok && len(flow.Scopes()) > 0 {
		params.Set("scope", strings.Join(flow.Scopes(), " "))
	}
	return f.apiEndpoint + "/oauth/authenticate?" + params.Encode()
}
