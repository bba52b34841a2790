package keyring

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// On-disk layout under the key directory:
//
//	manifest.json       kid -> {state, not_before, not_after}
//	<kid>.priv.der      PKCS#8 DER private key
//	<kid>.pub.der       SPKI DER public key
//
// The manifest is written last so a crash mid-rotation leaves the prior
// manifest (and therefore the prior Active key) in force.

const manifestName = "manifest.json"

type manifest struct {
	Keys []manifestKey `json:"keys"`
}

type manifestKey struct {
	KID       string    `json:"kid"`
	State     State     `json:"state"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after,omitempty"`
}

func (r *Ring) privPath(kid string) string {
	return filepath.Join(r.dir, kid+".priv.der")
}

func (r *Ring) pubPath(kid string) string {
	return filepath.Join(r.dir, kid+".pub.der")
}

func (r *Ring) manifestPath() string {
	return filepath.Join(r.dir, manifestName)
}

func (r *Ring) writeKeyFiles(k *key) error {
	privDER, err := x509.MarshalPKCS8PrivateKey(k.private)
	if err != nil {
		return fmt.Errorf("encode private key (pkcs8): %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(k.public)
	if err != nil {
		return fmt.Errorf("encode public key (spki): %w", err)
	}
	if err := os.WriteFile(r.privPath(k.kid), privDER, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(r.pubPath(k.kid), pubDER, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

func (r *Ring) readKeyFiles(kid string) (*key, error) {
	privDER, err := os.ReadFile(r.privPath(kid))
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	pubDER, err := os.ReadFile(r.pubPath(kid))
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	parsedPriv, err := x509.ParsePKCS8PrivateKey(privDER)
	if err != nil {
		return nil, fmt.Errorf("invalid private key (expected PKCS#8 DER): %w", err)
	}
	priv, ok := parsedPriv.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key %s is not ed25519", kid)
	}
	parsedPub, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return nil, fmt.Errorf("invalid public key (expected SPKI DER): %w", err)
	}
	pub, ok := parsedPub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key %s is not ed25519", kid)
	}
	if !pub.Equal(priv.Public().(ed25519.PublicKey)) {
		return nil, fmt.Errorf("public key %s does not match private key", kid)
	}
	return &key{kid: kid, private: priv, public: pub}, nil
}

// loadManifest populates the ring from disk. It reports whether persisted
// material was found. Keys recorded as retired, or retiring keys whose
// grace already elapsed, are not loaded.
func (r *Ring) loadManifest() (bool, error) {
	raw, err := os.ReadFile(r.manifestPath())
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: read manifest: %v", ErrKeyGeneration, err)
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return false, fmt.Errorf("%w: parse manifest: %v", ErrKeyGeneration, err)
	}

	now := r.now()
	var active *key
	var retiring []*key
	for _, mk := range m.Keys {
		switch mk.State {
		case StateActive:
			k, err := r.readKeyFiles(mk.KID)
			if err != nil {
				return false, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
			}
			if active != nil {
				return false, fmt.Errorf("%w: manifest lists two active keys", ErrKeyGeneration)
			}
			k.state = StateActive
			k.notBefore = mk.NotBefore
			active = k
		case StateRetiring:
			if !mk.NotAfter.After(now) {
				continue
			}
			k, err := r.readKeyFiles(mk.KID)
			if err != nil {
				return false, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
			}
			k.state = StateRetiring
			k.notBefore = mk.NotBefore
			k.notAfter = mk.NotAfter
			retiring = append(retiring, k)
		}
	}
	if active == nil {
		if len(retiring) > 0 {
			return false, fmt.Errorf("%w: manifest has retiring keys but no active key", ErrKeyGeneration)
		}
		return false, nil
	}

	r.mu.Lock()
	r.active = active
	r.retiring = retiring
	r.mu.Unlock()
	return true, nil
}

func (r *Ring) persist() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.persistLocked()
}

// persistLocked writes the manifest; callers hold r.mu.
func (r *Ring) persistLocked() error {
	var m manifest
	if r.active != nil {
		m.Keys = append(m.Keys, manifestKey{
			KID:       r.active.kid,
			State:     StateActive,
			NotBefore: r.active.notBefore,
		})
	}
	for _, k := range r.retiring {
		m.Keys = append(m.Keys, manifestKey{
			KID:       k.kid,
			State:     StateRetiring,
			NotBefore: k.notBefore,
			NotAfter:  k.notAfter,
		})
	}
	raw, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	tmp := r.manifestPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, r.manifestPath()); err != nil {
		return fmt.Errorf("commit manifest: %w", err)
	}
	return nil
}
