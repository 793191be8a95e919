package server

import (
	"context"
	"net/http"
	"slices"

	"github.com/jrsteele09/go-auth-broker/bearer"
	"github.com/jrsteele09/go-auth-broker/internal/config"
	"github.com/jrsteele09/go-auth-broker/internal/discovery"
	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/jrsteele09/go-auth-broker/policy"
	"github.com/jrsteele09/go-auth-broker/principal"
	"github.com/jrsteele09/go-auth-broker/schemes"
	"github.com/jrsteele09/go-auth-broker/sessions"
	"github.com/jrsteele09/go-auth-broker/signin"
	"github.com/jrsteele09/go-auth-broker/token"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Policy names used by the routes
const (
	PolicySignedIn = "signed-in"
	PolicyAPI      = "api"
)

// Services are the long-lived components the HTTP surface is built from. They
// are constructed once at startup and shared by every request.
type Services struct {
	Discovery *discovery.Document
	Tokens    *token.Acquirer
	SignIn    *signin.Flow
	Sessions  sessions.Store
	Schemes   *schemes.Registry
	Policies  *policy.Evaluator
	Keys      *bearer.KeySet

	sweepers []func(ctx context.Context)
}

// ServiceOptions carries the process-level dependencies of NewServices.
type ServiceOptions struct {
	// HTTPClient talks to the authorization server. nil uses http.DefaultClient.
	HTTPClient *http.Client
	// Redis backs the token cache, sessions and sign-in challenges. nil keeps
	// them in memory, which only suits a single instance.
	Redis redis.UniversalClient
}

// NewServices discovers the authorization server and wires the broker's
// components. Any misconfiguration fails here rather than on a request.
func NewServices(ctx context.Context, cfg config.Config, opts ServiceOptions) (*Services, error) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	cred := cfg.GetCredential()
	if err := cred.Validate(); err != nil {
		return nil, err
	}

	doc, err := discovery.Discover(ctx, cred.Authority.IssuerURL(), opts.HTTPClient)
	if err != nil {
		return nil, err
	}
	log.Info().Str("issuer", doc.Issuer).Str("client", cred.String()).Msg("authorization server discovered")

	svc := &Services{Discovery: doc}

	var (
		cache      token.Cache
		challenges signin.ChallengeStore
	)
	if opts.Redis != nil {
		prefix := cfg.GetRedisKeyPrefix()
		cache = token.NewRedisCache(opts.Redis, prefix+"tokens:", cfg.GetTokenCacheGrace())
		svc.Sessions = sessions.NewRedisStore(opts.Redis, prefix+"sessions:")
		challenges = signin.NewRedisChallengeStore(opts.Redis, prefix+"challenges:")
	} else {
		memCache := token.NewInMemoryCache()
		memSessions := sessions.NewInMemoryStore()
		memChallenges := signin.NewInMemoryChallengeStore()
		interval := cfg.GetTokenCacheSweepInterval()
		svc.sweepers = append(svc.sweepers,
			func(ctx context.Context) { memCache.StartSweeper(ctx, interval, cfg.GetTokenCacheGrace()) },
			func(ctx context.Context) { memSessions.StartCleanup(ctx, interval) },
			func(ctx context.Context) { memChallenges.StartCleanup(ctx, interval) },
		)
		cache, svc.Sessions, challenges = memCache, memSessions, memChallenges
	}

	svc.Tokens = token.NewAcquirer(cache, token.NewEndpointClient(doc.TokenEndpoint, cred, opts.HTTPClient, 0), token.AcquirerConfig{
		RefreshSkew:        cfg.GetTokenRefreshSkew(),
		UpstreamTimeout:    cfg.GetUpstreamTimeout(),
		OnBehalfOfAudience: cfg.GetDownstreamAudience(),
		DefaultLifetime:    cfg.GetTokenDefaultLifetime(),
	})

	svc.SignIn, err = signin.NewFlow(doc, signin.Config{
		Credential:            cred,
		Scopes:                cfg.GetScopes(),
		Audience:              cfg.GetDownstreamAudience(),
		ChallengeTTL:          cfg.GetChallengeTTL(),
		SessionTTL:            cfg.GetMaxSessionAge(),
		UpstreamTimeout:       cfg.GetUpstreamTimeout(),
		TokenLifetime:         cfg.GetTokenDefaultLifetime(),
		PostLogoutRedirectURL: cfg.GetBaseURL() + "/",
		HTTPClient:            opts.HTTPClient,
	}, challenges, svc.Sessions, svc.Tokens)
	if err != nil {
		return nil, err
	}

	svc.Keys = bearer.NewKeySet(bearer.KeySetConfig{
		JWKSURL:         doc.JWKSURI,
		RefreshInterval: cfg.GetJWKSRefreshInterval(),
		HTTPClient:      opts.HTTPClient,
	})
	issuers := cred.Authority.AcceptedIssuers()
	if !slices.Contains(issuers, doc.Issuer) {
		issuers = append(issuers, doc.Issuer)
	}
	validator, err := bearer.NewValidator(svc.Keys, bearer.Config{
		Issuers: issuers,
		// Entra v1.0 tokens carry the bare client id as audience.
		Audiences: []string{cfg.GetAPIAudience(), cred.ID},
	})
	if err != nil {
		return nil, err
	}

	svc.Schemes, err = schemes.NewRegistry(
		schemes.NewSessionScheme(svc.Sessions, schemes.DefaultSessionCookie),
		schemes.NewBearerScheme(validator),
	)
	if err != nil {
		return nil, err
	}

	svc.Policies, err = policy.NewEvaluator(
		policy.Policy{Name: PolicySignedIn},
		policy.RequireScope(PolicyAPI, cfg.GetAPIScope()).ForSchemes(principal.MethodBearer),
	)
	if err != nil {
		return nil, err
	}

	// Warm the signing keys so the first bearer request does not pay for it.
	if err := svc.Keys.Refresh(ctx); err != nil {
		if !errors.Is(err, errors.ErrUpstreamUnavailable) {
			return nil, err
		}
		log.Warn().Err(err).Msg("signing keys not fetched at startup, will retry on demand")
	}
	return svc, nil
}

// Start runs the background sweepers of the in-memory stores until ctx is
// cancelled. Redis expires entries itself, so there is nothing to start.
func (svc *Services) Start(ctx context.Context) {
	for _, sweep := range svc.sweepers {
		sweep(ctx)
	}
}
