// Package federation implements the server-to-server token protocol: one
// host proves its identity to another per request with a short-lived signed
// assertion, verified against the caller's published JWKS.
//
// Tokens are minted per outbound call and never persisted. The protocol does
// not track replay; the 3-minute lifetime bounds the exposure and single-use
// enforcement is an accepted limitation.
package federation

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/glyphnet/glyphnet/fedid"
	"github.com/glyphnet/glyphnet/jwks"
	"github.com/glyphnet/glyphnet/keyring"
)

// Validation failures are distinguishable so callers can separate "retry
// later" (discovery unavailable) from "reject and log" (everything else).
var (
	// ErrUnknownIssuer: the token's issuer is missing or not a host that
	// publishes keys.
	ErrUnknownIssuer = errors.New("federation: unknown issuer")
	// ErrKeyNotFound: the signing kid is absent from the issuer's key set
	// even after a forced refresh.
	ErrKeyNotFound = errors.New("federation: signing key not found")
	// ErrSignatureInvalid: the token is malformed or its signature does not
	// verify.
	ErrSignatureInvalid = errors.New("federation: signature invalid")
	// ErrTokenExpired: exp/nbf checks failed beyond clock-skew tolerance.
	ErrTokenExpired = errors.New("federation: token expired")
	// ErrClaimMismatch: audience, subject, or transport origin does not
	// match what the validating host requires.
	ErrClaimMismatch = errors.New("federation: claim mismatch")
	// ErrDiscoveryUnavailable: the issuer's JWKS could not be resolved.
	// Retryable; aliases the discovery cache's sentinel.
	ErrDiscoveryUnavailable = jwks.ErrDiscoveryUnavailable
)

const (
	// TokenLifetime is deliberately short: federation tokens are per-call
	// credentials, not sessions.
	TokenLifetime = 3 * time.Minute

	// headerTyp separates federation tokens from local access tokens signed
	// by the same keyring.
	headerTyp = "fed+jwt"

	// DefaultLeeway is the clock-skew tolerance for exp/nbf checks.
	DefaultLeeway = 30 * time.Second
)

// Claims is the federation token payload. The issuer authenticates itself:
// iss and sub are both the calling host. A delegated user reference is
// present when the call is made on behalf of one of the caller's users.
type Claims struct {
	jwt.RegisteredClaims
	Scope   string `json:"scope"`
	UserRef string `json:"user_ref,omitempty"`
}

// Assertion is the outcome of a successful validation.
type Assertion struct {
	// Issuer is the authenticated calling host.
	Issuer string
	// Scope is the capability the caller asserted for this request.
	Scope string
	// Delegated is the user the caller acts on behalf of, if any.
	Delegated *fedid.ID
	// ExpiresAt is when the token stops being valid.
	ExpiresAt time.Time
}

// Minter issues outbound federation tokens signed with the local host's
// Active key.
type Minter struct {
	host string
	ring *keyring.Ring
	now  func() time.Time
}

// NewMinter builds a Minter for the local host identifier.
func NewMinter(host string, ring *keyring.Ring) *Minter {
	return &Minter{host: fedid.NormalizeHost(host), ring: ring, now: time.Now}
}

// Mint issues a token addressed to dstHost asserting scope.
func (m *Minter) Mint(dstHost, scope string) (string, error) {
	return m.mint(dstHost, scope, "")
}

// MintDelegated issues a token that additionally carries the user the call
// is made on behalf of.
func (m *Minter) MintDelegated(dstHost, scope string, user fedid.ID) (string, error) {
	return m.mint(dstHost, scope, user.String())
}

func (m *Minter) mint(dstHost, scope, userRef string) (string, error) {
	if scope == "" {
		return "", fmt.Errorf("federation: scope is required")
	}
	now := m.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.host,
			Subject:   m.host,
			Audience:  jwt.ClaimStrings{fedid.NormalizeHost(dstHost)},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenLifetime)),
			ID:        uuid.NewString(),
		},
		Scope:   scope,
		UserRef: userRef,
	}
	return m.ring.Sign(claims, headerTyp)
}

// Validator checks inbound federation tokens against the issuer's published
// keys.
type Validator struct {
	host   string
	cache  *jwks.Cache
	leeway time.Duration
	now    func() time.Time
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithLeeway overrides the clock-skew tolerance.
func WithLeeway(d time.Duration) ValidatorOption {
	return func(v *Validator) { v.leeway = d }
}

// WithValidatorClock overrides the time source, for tests.
func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// NewValidator builds a Validator for the local host identifier.
func NewValidator(host string, cache *jwks.Cache, opts ...ValidatorOption) *Validator {
	v := &Validator{
		host:   fedid.NormalizeHost(host),
		cache:  cache,
		leeway: DefaultLeeway,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate verifies a received token. observedOrigin, when non-empty, is
// the host the transport layer attributes the request to; a token whose
// claimed issuer differs is rejected regardless of its signature, which
// blocks replaying a legitimately issued token from a third host.
func (v *Validator) Validate(ctx context.Context, token, observedOrigin string) (*Assertion, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{keyring.Algorithm}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithAudience(v.host),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)

	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing kid header", ErrKeyNotFound)
		}
		iss, _ := t.Claims.GetIssuer()
		if iss == "" {
			return nil, fmt.Errorf("%w: missing issuer claim", ErrUnknownIssuer)
		}
		key, err := v.cache.KeyByID(ctx, iss, kid)
		if err != nil {
			return nil, err
		}
		pub, ok := key.Key.(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: kid %q is not an Ed25519 key", ErrKeyNotFound, kid)
		}
		return pub, nil
	})
	if err != nil {
		return nil, mapParseError(err)
	}

	if typ, _ := parsed.Header["typ"].(string); typ != headerTyp {
		return nil, fmt.Errorf("%w: typ %q, want %q", ErrClaimMismatch, typ, headerTyp)
	}
	if claims.Subject != claims.Issuer {
		return nil, fmt.Errorf("%w: subject %q does not match issuer %q", ErrClaimMismatch, claims.Subject, claims.Issuer)
	}
	if observedOrigin != "" && !fedid.SameHost(observedOrigin, claims.Issuer) {
		return nil, fmt.Errorf("%w: issuer %q does not match transport origin %q", ErrClaimMismatch, claims.Issuer, observedOrigin)
	}

	a := &Assertion{
		Issuer:    fedid.NormalizeHost(claims.Issuer),
		Scope:     claims.Scope,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.UserRef != "" {
		ref, err := fedid.Parse(claims.UserRef)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrClaimMismatch, err)
		}
		a.Delegated = &ref
	}
	return a, nil
}

// mapParseError folds golang-jwt's error chain into the protocol's
// enumerated kinds. Errors raised inside the keyfunc (discovery, key
// lookup) already carry their kind and pass through.
func mapParseError(err error) error {
	switch {
	case errors.Is(err, ErrUnknownIssuer),
		errors.Is(err, ErrKeyNotFound),
		errors.Is(err, jwks.ErrKeyNotFound),
		errors.Is(err, ErrDiscoveryUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		if errors.Is(err, jwks.ErrKeyNotFound) && !errors.Is(err, ErrKeyNotFound) {
			return errors.Join(ErrKeyNotFound, err)
		}
		return err
	case errors.Is(err, jwks.ErrUnknownHost):
		return errors.Join(ErrUnknownIssuer, err)
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		return errors.Join(ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience), errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return errors.Join(ErrClaimMismatch, err)
	default:
		return errors.Join(ErrSignatureInvalid, err)
	}
}
