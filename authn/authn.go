// Package authn is the local authentication token service: it signs access
// tokens and rotates refresh tokens for end users of one host. It shares
// the host's keyring with the federation layer but lives in a disjoint
// audience and typ namespace, and its discovery metadata is only ever
// consumed by this host's own clients — never by remote hosts. That
// boundary is what separates user authentication from federation trust.
package authn

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/glyphnet/glyphnet/fedid"
	"github.com/glyphnet/glyphnet/keyring"
	"github.com/glyphnet/glyphnet/storage"
)

var (
	// ErrGrantInvalid covers bad credentials, unknown/expired/revoked
	// refresh tokens, and malformed grant requests.
	ErrGrantInvalid = errors.New("authn: invalid grant")

	// ErrRefreshReused indicates a refresh token that was already rotated
	// was presented again. Treated as theft: the entire rotation family is
	// revoked before this error returns.
	ErrRefreshReused = errors.New("authn: refresh token reused")
)

const (
	// accessTokenTyp separates local access tokens from federation tokens
	// signed by the same keyring.
	accessTokenTyp = "at+jwt"

	// DefaultAccessTTL is the access token lifetime.
	DefaultAccessTTL = time.Hour
	// DefaultRefreshTTL is the refresh token lifetime; refresh tokens are
	// long-lived but single-use.
	DefaultRefreshTTL = 30 * 24 * time.Hour

	defaultScope    = "openid"
	defaultClientID = "default"
)

// Grant is a closed set of token grant requests; see PasswordGrant and
// RefreshGrant. The token endpoint matches it exhaustively.
type Grant interface {
	grantType() string
}

// PasswordGrant exchanges user credentials for a token pair and starts a
// new refresh rotation family.
type PasswordGrant struct {
	Username string
	Password string
	Scope    string
	ClientID string
}

func (PasswordGrant) grantType() string { return "password" }

// RefreshGrant exchanges a refresh token for a new token pair, rotating the
// refresh token within its family.
type RefreshGrant struct {
	RefreshToken string
	Scope        string
	ClientID     string
}

func (RefreshGrant) grantType() string { return "refresh_token" }

// TokenPair is what the token endpoint returns.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// AccessClaims is the payload of a local access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
}

// Identity is the authenticated principal carried by a validated access
// token.
type Identity struct {
	User     fedid.ID
	Scope    string
	ClientID string
}

// Service issues and validates local tokens for one host.
type Service struct {
	host       string
	ring       *keyring.Ring
	store      storage.Store
	accessTTL  time.Duration
	refreshTTL time.Duration
	leeway     time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithAccessTTL overrides the access token lifetime.
func WithAccessTTL(d time.Duration) ServiceOption {
	return func(s *Service) { s.accessTTL = d }
}

// WithRefreshTTL overrides the refresh token lifetime.
func WithRefreshTTL(d time.Duration) ServiceOption {
	return func(s *Service) { s.refreshTTL = d }
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService builds the token service for one host.
func NewService(host string, ring *keyring.Ring, store storage.Store, opts ...ServiceOption) *Service {
	s := &Service{
		host:       fedid.NormalizeHost(host),
		ring:       ring,
		store:      store,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		leeway:     time.Minute,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Token services a grant request. The grant set is closed; an unhandled
// variant is a programming error.
func (s *Service) Token(ctx context.Context, g Grant) (*TokenPair, error) {
	switch grant := g.(type) {
	case PasswordGrant:
		return s.passwordGrant(ctx, grant)
	case *PasswordGrant:
		return s.passwordGrant(ctx, *grant)
	case RefreshGrant:
		return s.refreshGrant(ctx, grant)
	case *RefreshGrant:
		return s.refreshGrant(ctx, *grant)
	default:
		return nil, fmt.Errorf("%w: unsupported grant type %q", ErrGrantInvalid, g.grantType())
	}
}

func (s *Service) passwordGrant(ctx context.Context, g PasswordGrant) (*TokenPair, error) {
	if g.Username == "" || g.Password == "" {
		return nil, fmt.Errorf("%w: missing username or password", ErrGrantInvalid)
	}
	acct, err := s.getAccount(ctx, g.Username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: invalid credentials", ErrGrantInvalid)
		}
		return nil, err
	}
	ok, err := verifyPassword(acct.PasswordHash, g.Password)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: invalid credentials", ErrGrantInvalid)
	}

	// Fresh rotation family for every login.
	return s.issuePair(ctx, g.Username, orDefault(g.Scope, defaultScope), orDefault(g.ClientID, defaultClientID), uuid.NewString())
}

func (s *Service) refreshGrant(ctx context.Context, g RefreshGrant) (*TokenPair, error) {
	if g.RefreshToken == "" {
		return nil, fmt.Errorf("%w: missing refresh_token", ErrGrantInvalid)
	}
	hash := fingerprint(g.RefreshToken)
	rec, err := s.getRefresh(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown refresh token", ErrGrantInvalid)
		}
		return nil, err
	}

	now := s.now()
	switch {
	case rec.Revoked:
		return nil, fmt.Errorf("%w: refresh token revoked", ErrGrantInvalid)
	case rec.RotatedAt != nil:
		// A retired member of the family came back: someone is replaying
		// stolen tokens. Kill the whole lineage.
		if err := s.revokeFamily(ctx, rec.Family); err != nil {
			s.logger.ErrorContext(ctx, "family revocation failed",
				slog.String("family", rec.Family), slog.String("err", err.Error()))
		}
		s.logger.WarnContext(ctx, "refresh token reuse detected; family revoked",
			slog.String("user", rec.Username), slog.String("family", rec.Family))
		return nil, fmt.Errorf("%w: family %s revoked", ErrRefreshReused, rec.Family)
	case !rec.ExpiresAt.After(now):
		return nil, fmt.Errorf("%w: refresh token expired", ErrGrantInvalid)
	}

	// Rotate: retire the presented token, then issue its successor in the
	// same family.
	rotated := now
	rec.RotatedAt = &rotated
	if err := s.putRefresh(ctx, rec); err != nil {
		return nil, err
	}
	return s.issuePair(ctx, rec.Username, orDefault(g.Scope, rec.Scope), orDefault(g.ClientID, rec.ClientID), rec.Family)
}

func (s *Service) issuePair(ctx context.Context, username, scope, clientID, family string) (*TokenPair, error) {
	now := s.now()
	subject := fedid.New(s.host, username)
	claims := &AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.host,
			Subject:   subject.String(),
			Audience:  jwt.ClaimStrings{s.host},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			ID:        uuid.NewString(),
		},
		Scope:    scope,
		ClientID: clientID,
	}
	access, err := s.ring.Sign(claims, accessTokenTyp)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	opaque, err := newOpaqueToken()
	if err != nil {
		return nil, err
	}
	rec := &refreshRecord{
		Hash:      fingerprint(opaque),
		Family:    family,
		Username:  username,
		ClientID:  clientID,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.refreshTTL),
	}
	if err := s.putRefresh(ctx, rec); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		RefreshToken: opaque,
		Scope:        scope,
	}, nil
}

// Verify validates a local access token and returns the principal. Remote
// hosts' tokens never pass: the audience is this host and the verification
// keys are the local ring's.
func (s *Service) Verify(ctx context.Context, token string) (*Identity, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{keyring.Algorithm}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(s.host),
		jwt.WithAudience(s.host),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
	)
	claims := &AccessClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := s.ring.VerificationKey(kid)
		if !ok {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		return ed25519.PublicKey(key), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGrantInvalid, err)
	}
	if typ, _ := parsed.Header["typ"].(string); typ != accessTokenTyp {
		return nil, fmt.Errorf("%w: typ %q, want %q", ErrGrantInvalid, typ, accessTokenTyp)
	}
	user, err := fedid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGrantInvalid, err)
	}
	return &Identity{User: user, Scope: claims.Scope, ClientID: claims.ClientID}, nil
}

// newOpaqueToken produces a 256-bit random token, base64url without
// padding.
func newOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// fingerprint is the deterministic storage key for an opaque token; the
// token itself is never persisted.
func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
