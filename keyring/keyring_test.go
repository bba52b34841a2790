package keyring

import (
	"crypto/ed25519"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestLoadOrGenerateCreatesActiveKey(t *testing.T) {
	r, err := LoadOrGenerate(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if r.ActiveKID() == "" {
		t.Fatal("fresh ring has no active kid")
	}
	pub := r.Active()
	if pub.State != StateActive {
		t.Errorf("state = %q, want active", pub.State)
	}
	if pub.Algorithm != Algorithm {
		t.Errorf("algorithm = %q, want %q", pub.Algorithm, Algorithm)
	}
	if len(pub.Key) != ed25519.PublicKeySize {
		t.Errorf("key size = %d", len(pub.Key))
	}
}

func TestLoadOrGenerateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := first.Rotate(); err != nil {
		t.Fatal(err)
	}

	second, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatal(err)
	}
	if second.ActiveKID() != first.ActiveKID() {
		t.Errorf("reloaded active kid %q, want %q", second.ActiveKID(), first.ActiveKID())
	}
	if got, want := len(second.Publishable()), len(first.Publishable()); got != want {
		t.Errorf("reloaded publishable set has %d keys, want %d", got, want)
	}
}

func TestSignCarriesKIDAndTyp(t *testing.T) {
	r, err := LoadOrGenerate(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	signed, err := r.Sign(jwt.MapClaims{"iss": "a"}, "fed+jwt")
	if err != nil {
		t.Fatal(err)
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(signed, jwt.MapClaims{})
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Header["kid"] != r.ActiveKID() {
		t.Errorf("kid header %v, want %q", parsed.Header["kid"], r.ActiveKID())
	}
	if parsed.Header["typ"] != "fed+jwt" {
		t.Errorf("typ header %v", parsed.Header["typ"])
	}
	if parsed.Header["alg"] != Algorithm {
		t.Errorf("alg header %v", parsed.Header["alg"])
	}
}

func TestRotateKeepsOldKeyVerifiable(t *testing.T) {
	r, err := LoadOrGenerate(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	oldKID := r.ActiveKID()

	next, err := r.Rotate()
	if err != nil {
		t.Fatal(err)
	}
	if next.KID == oldKID {
		t.Fatal("rotation reissued the same kid")
	}
	if r.ActiveKID() != next.KID {
		t.Errorf("active kid %q, want %q", r.ActiveKID(), next.KID)
	}

	// The demoted key stays resolvable until its grace elapses.
	if _, ok := r.VerificationKey(oldKID); !ok {
		t.Error("retiring key dropped from verification set")
	}
	pubs := r.Publishable()
	if len(pubs) != 2 {
		t.Fatalf("publishable set has %d keys, want 2", len(pubs))
	}
	states := map[string]State{}
	for _, k := range pubs {
		states[k.KID] = k.State
	}
	if states[next.KID] != StateActive || states[oldKID] != StateRetiring {
		t.Errorf("unexpected states: %v", states)
	}
}

func TestRotatePersistFailureLeavesActiveKey(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("directory permissions are not enforced for root")
	}
	dir := t.TempDir()
	r, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatal(err)
	}
	oldKID := r.ActiveKID()

	// Make the manifest un-writable so the rotation's persist step fails.
	if err := os.Chmod(dir, 0o500); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })

	if _, err := r.Rotate(); !errors.Is(err, ErrRotationFailed) {
		t.Fatalf("rotate: got %v, want ErrRotationFailed", err)
	}
	if r.ActiveKID() != oldKID {
		t.Errorf("active kid changed to %q after failed rotation", r.ActiveKID())
	}
	if len(r.Publishable()) != 1 {
		t.Errorf("publishable set grew after failed rotation")
	}
}

func TestRetireExpiredSweepsPastGrace(t *testing.T) {
	current := time.Now()
	clock := func() time.Time { return current }
	r, err := LoadOrGenerate(t.TempDir(), WithClock(clock), WithGrace(15*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	oldKID := r.ActiveKID()
	if _, err := r.Rotate(); err != nil {
		t.Fatal(err)
	}

	// Inside the grace window nothing retires.
	current = current.Add(14 * time.Minute)
	if n := r.RetireExpired(); n != 0 {
		t.Fatalf("retired %d keys inside grace", n)
	}
	if _, ok := r.VerificationKey(oldKID); !ok {
		t.Fatal("retiring key lost inside grace window")
	}

	current = current.Add(2 * time.Minute)
	if n := r.RetireExpired(); n != 1 {
		t.Fatalf("retired %d keys, want 1", n)
	}
	if _, ok := r.VerificationKey(oldKID); ok {
		t.Error("retired key still verifiable")
	}
	if len(r.Publishable()) != 1 {
		t.Errorf("publishable set has %d keys, want 1", len(r.Publishable()))
	}
}

func TestOnChangeFiresOnRotationAndRetirement(t *testing.T) {
	current := time.Now()
	r, err := LoadOrGenerate(t.TempDir(), WithClock(func() time.Time { return current }))
	if err != nil {
		t.Fatal(err)
	}
	fired := 0
	r.OnChange(func() { fired++ })

	if _, err := r.Rotate(); err != nil {
		t.Fatal(err)
	}
	if fired != 1 {
		t.Fatalf("after rotation: %d notifications, want 1", fired)
	}

	current = current.Add(DefaultGrace + time.Minute)
	r.RetireExpired()
	if fired != 2 {
		t.Fatalf("after retirement: %d notifications, want 2", fired)
	}
}

func TestSignOnEmptyRing(t *testing.T) {
	r := &Ring{now: time.Now}
	if _, err := r.Sign(jwt.MapClaims{}, "fed+jwt"); !errors.Is(err, ErrNoActiveKey) {
		t.Fatalf("got %v, want ErrNoActiveKey", err)
	}
}
