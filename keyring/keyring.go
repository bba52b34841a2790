// Package keyring owns a host's signing key material and its lifecycle.
//
// Each host instance holds exactly one Active Ed25519 key used to sign all
// outbound tokens. Rotation demotes the Active key to Retiring with a grace
// window during which it remains publishable and verifiable, so tokens
// issued under it stay valid until they would have expired anyway. Keys past
// grace are swept to Retired and dropped. Private material never leaves the
// ring; callers sign through it and read only public keys.
package keyring

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrKeyGeneration indicates key material could not be generated or
	// persisted. Fatal at host startup.
	ErrKeyGeneration = errors.New("keyring: key generation failed")

	// ErrRotationFailed indicates a rotation attempt failed before the swap;
	// the prior Active key is untouched and remains Active.
	ErrRotationFailed = errors.New("keyring: rotation failed")

	// ErrNoActiveKey indicates a signing attempt against an empty ring.
	ErrNoActiveKey = errors.New("keyring: no active key")
)

// State is the lifecycle position of one signing key.
type State string

const (
	// StateActive: the single key currently used for signing.
	StateActive State = "active"
	// StateRetiring: no longer signs, still published and verifiable until
	// its grace window elapses.
	StateRetiring State = "retiring"
	// StateRetired: past grace; dropped from JWKS output and verification.
	StateRetired State = "retired"
)

// Algorithm is the only JWS algorithm the ring signs with.
const Algorithm = "EdDSA"

// DefaultGrace is the retiring window applied on rotation: five times the
// federation token lifetime, so any token signed by a key that was Active at
// issuance outlives its own expiry before the key disappears.
const DefaultGrace = 15 * time.Minute

// PublicKey is the outward-facing view of one signing key. It carries no
// private material by construction.
type PublicKey struct {
	KID       string
	Algorithm string
	Key       ed25519.PublicKey
	State     State
	NotBefore time.Time
	// NotAfter is the end of the grace window for retiring keys; zero for
	// the active key.
	NotAfter time.Time
}

type key struct {
	kid       string
	private   ed25519.PrivateKey
	public    ed25519.PublicKey
	state     State
	notBefore time.Time
	notAfter  time.Time
}

func (k *key) publicView() PublicKey {
	return PublicKey{
		KID:       k.kid,
		Algorithm: Algorithm,
		Key:       k.public,
		State:     k.state,
		NotBefore: k.notBefore,
		NotAfter:  k.notAfter,
	}
}

// Ring manages one host's signing keys under a key directory.
type Ring struct {
	dir   string
	grace time.Duration
	now   func() time.Time

	mu       sync.RWMutex
	active   *key
	retiring []*key

	hookMu   sync.Mutex
	onChange []func()
}

// Option configures a Ring at construction.
type Option func(*Ring)

// WithGrace overrides the retiring grace window.
func WithGrace(d time.Duration) Option {
	return func(r *Ring) { r.grace = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Ring) { r.now = now }
}

// LoadOrGenerate opens the key directory, loading persisted key material if
// present or generating a fresh Ed25519 keypair otherwise. Any failure here
// wraps ErrKeyGeneration and is fatal to the host instance's startup.
func LoadOrGenerate(dir string, opts ...Option) (*Ring, error) {
	r := &Ring{
		dir:   dir,
		grace: DefaultGrace,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create key dir: %v", ErrKeyGeneration, err)
	}

	loaded, err := r.loadManifest()
	if err != nil {
		return nil, err
	}
	if !loaded {
		k, err := r.generate()
		if err != nil {
			return nil, err
		}
		k.state = StateActive
		k.notBefore = r.now()
		r.active = k
		if err := r.persist(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
		}
	}
	return r, nil
}

// ActiveKID returns the key id tokens are currently signed under.
func (r *Ring) ActiveKID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == nil {
		return ""
	}
	return r.active.kid
}

// Active returns the public view of the Active key.
func (r *Ring) Active() PublicKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == nil {
		return PublicKey{}
	}
	return r.active.publicView()
}

// Publishable returns the public parts of the Active and Retiring keys, the
// exact set a JWKS document may contain.
func (r *Ring) Publishable() []PublicKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PublicKey, 0, 1+len(r.retiring))
	if r.active != nil {
		out = append(out, r.active.publicView())
	}
	for _, k := range r.retiring {
		out = append(out, k.publicView())
	}
	return out
}

// VerificationKey returns the public key for kid if it is Active or
// Retiring. Retired keys are gone: a token signed under one fails key
// lookup, which is the intended post-grace behavior.
func (r *Ring) VerificationKey(kid string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active != nil && r.active.kid == kid {
		return r.active.public, true
	}
	for _, k := range r.retiring {
		if k.kid == kid {
			return k.public, true
		}
	}
	return nil, false
}

// Sign issues a signed JWT for claims under the Active key. The kid header
// selects the verification key at the receiver; typ separates federation
// tokens from local access tokens so one can never validate as the other.
func (r *Ring) Sign(claims jwt.Claims, typ string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == nil {
		return "", ErrNoActiveKey
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = r.active.kid
	tok.Header["typ"] = typ
	return tok.SignedString(r.active.private)
}

// Rotate generates a new keypair, persists it, and then atomically promotes
// it to Active while demoting the prior Active key to Retiring with the
// grace window. If generation or persistence fails the swap never happens
// and the prior key stays Active.
func (r *Ring) Rotate() (PublicKey, error) {
	next, err := r.generate()
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrRotationFailed, err)
	}

	r.mu.Lock()
	now := r.now()
	next.state = StateActive
	next.notBefore = now
	prev := r.active
	r.active = next
	if prev != nil {
		prev.state = StateRetiring
		prev.notAfter = now.Add(r.grace)
		r.retiring = append(r.retiring, prev)
	}
	if err := r.persistLocked(); err != nil {
		// Roll the swap back wholesale.
		r.active = prev
		if prev != nil {
			prev.state = StateActive
			prev.notAfter = time.Time{}
			r.retiring = r.retiring[:len(r.retiring)-1]
		}
		r.mu.Unlock()
		return PublicKey{}, fmt.Errorf("%w: persist: %v", ErrRotationFailed, err)
	}
	view := next.publicView()
	r.mu.Unlock()

	r.notifyChange()
	return view, nil
}

// RetireExpired sweeps Retiring keys whose grace window has elapsed into
// Retired, removing them from the ring and from disk. It returns how many
// keys were retired.
func (r *Ring) RetireExpired() int {
	r.mu.Lock()
	now := r.now()
	kept := r.retiring[:0]
	var dropped []*key
	for _, k := range r.retiring {
		if k.notAfter.After(now) {
			kept = append(kept, k)
		} else {
			k.state = StateRetired
			dropped = append(dropped, k)
		}
	}
	r.retiring = kept
	if len(dropped) > 0 {
		_ = r.persistLocked()
	}
	r.mu.Unlock()

	for _, k := range dropped {
		_ = os.Remove(r.privPath(k.kid))
		_ = os.Remove(r.pubPath(k.kid))
	}
	if len(dropped) > 0 {
		r.notifyChange()
	}
	return len(dropped)
}

// OnChange registers fn to run after every change to the publishable key
// set (rotation, retirement, external reload). Used by the JWKS publisher
// to invalidate its memoized document.
func (r *Ring) OnChange(fn func()) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onChange = append(r.onChange, fn)
}

func (r *Ring) notifyChange() {
	r.hookMu.Lock()
	hooks := append([]func(){}, r.onChange...)
	r.hookMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (r *Ring) generate() (*key, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	k := &key{
		kid:     uuid.NewString(),
		private: priv,
		public:  pub,
	}
	if err := r.writeKeyFiles(k); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return k, nil
}
