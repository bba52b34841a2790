package fedid

import (
	"context"
	"errors"
	"testing"
)

func TestNormalizeHost(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"alpha.example.org", "alpha.example.org:7000"},
		{"alpha.example.org:7000", "alpha.example.org:7000"},
		{"alpha.example.org:9999", "alpha.example.org:9999"},
		{"localhost", "localhost:7000"},
		{"[::1]", "[::1]:7000"},
		{"[::1]:8080", "[::1]:8080"},
	}
	for _, tc := range cases {
		if got := NormalizeHost(tc.in); got != tc.want {
			t.Errorf("NormalizeHost(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSameHost(t *testing.T) {
	if !SameHost("alpha.example.org", "alpha.example.org:7000") {
		t.Error("implicit and explicit default port should compare equal")
	}
	if SameHost("alpha.example.org", "alpha.example.org:9999") {
		t.Error("different ports are different hosts")
	}
}

func TestParseRoundTrip(t *testing.T) {
	id := New("beta.example.org", "general")
	parsed, err := Parse(id.String())
	if err != nil {
		t.Fatalf("Parse(%q): %v", id.String(), err)
	}
	if parsed != id {
		t.Errorf("round trip changed identity: %v != %v", parsed, id)
	}
}

func TestParseNormalizesHost(t *testing.T) {
	id, err := Parse("alice@alpha.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if id.Host != "alpha.example.org:7000" {
		t.Errorf("host not normalized: %q", id.Host)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "nohost", "@host", "local@"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) should fail", s)
		}
	}
}

func TestSameLocalDifferentHostsAreDistinct(t *testing.T) {
	a := New("alpha.example.org", "general")
	b := New("beta.example.org", "general")
	if a == b {
		t.Error("identifiers on different hosts must not compare equal")
	}
}

func TestMinterUniqueness(t *testing.T) {
	m := NewMinter("alpha.example.org")
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id, err := m.Mint()
		if err != nil {
			t.Fatalf("mint %d: %v", i, err)
		}
		if id.Host != "alpha.example.org:7000" {
			t.Fatalf("minted id has wrong host %q", id.Host)
		}
		if _, dup := seen[id.Local]; dup {
			t.Fatalf("duplicate local identifier %q", id.Local)
		}
		seen[id.Local] = struct{}{}
	}
}

func TestMinterClaimCollision(t *testing.T) {
	m := NewMinter("alpha.example.org")
	if err := m.Claim("alice"); err != nil {
		t.Fatal(err)
	}
	err := m.Claim("alice")
	if !errors.Is(err, ErrCollision) {
		t.Fatalf("second claim: got %v, want ErrCollision", err)
	}
}

type staticPresence bool

func (p staticPresence) Has(context.Context, ID) (bool, error) { return bool(p), nil }

func TestResolve(t *testing.T) {
	ctx := context.Background()
	local := New("alpha.example.org", "x")
	remote := New("beta.example.org", "x")

	res, err := Resolve(ctx, "alpha.example.org", local, staticPresence(true))
	if err != nil || res != Authoritative {
		t.Errorf("local held entity: got %v, %v; want Authoritative", res, err)
	}
	res, err = Resolve(ctx, "alpha.example.org", remote, staticPresence(true))
	if err != nil || res != Cached {
		t.Errorf("remote held entity: got %v, %v; want Cached", res, err)
	}
	res, err = Resolve(ctx, "alpha.example.org", local, staticPresence(false))
	if err != nil || res != Unknown {
		t.Errorf("absent entity: got %v, %v; want Unknown", res, err)
	}
}
