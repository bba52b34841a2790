// Package fedid implements the federated identifier scheme. Every entity in
// the network (server, channel, message, user) is addressed by the host that
// owns it plus an identifier that is unique only within that host's
// namespace. Two hosts may reuse the same local identifier without collision;
// the pair is what is globally unique.
package fedid

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrCollision indicates a host attempted to mint a local identifier it has
// already issued. This is an internal invariant violation: the mint fails,
// the process does not.
var ErrCollision = errors.New("fedid: local identifier already issued")

// DefaultPort is assumed when a host identifier carries no explicit port.
const DefaultPort = 7000

// ID names one entity anywhere in the network.
//
// Equality is structural: two IDs are the same entity exactly when both the
// host and the local part match. The zero value is not a valid ID.
type ID struct {
	// Host is the home host identifier ("hostname" or "hostname:port").
	Host string `json:"host"`
	// Local is the identifier within the home host's namespace.
	Local string `json:"local"`
}

// New builds an ID with the host part normalized to its explicit-port form.
func New(host, local string) ID {
	return ID{Host: NormalizeHost(host), Local: local}
}

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool { return id.Host == "" && id.Local == "" }

// String renders the canonical "local@host" form.
func (id ID) String() string { return id.Local + "@" + id.Host }

// Parse inverts String. The local part may not contain '@'; host parts may
// (IPv6 literals aside) so the split is on the first separator.
func Parse(s string) (ID, error) {
	local, host, ok := strings.Cut(s, "@")
	if !ok || local == "" || host == "" {
		return ID{}, fmt.Errorf("fedid: malformed identifier %q", s)
	}
	return New(host, local), nil
}

// NormalizeHost appends the default port to a host identifier that lacks
// one, so that "alpha.example.org" and "alpha.example.org:7000" compare
// equal everywhere host identifiers are compared.
func NormalizeHost(host string) string {
	if strings.HasPrefix(host, "[") {
		// IPv6 literal
		closing := strings.IndexByte(host, ']')
		if closing >= 0 && strings.HasPrefix(host[closing+1:], ":") {
			return host
		}
		return fmt.Sprintf("%s:%d", host, DefaultPort)
	}
	if strings.Contains(host, ":") {
		return host
	}
	return fmt.Sprintf("%s:%d", host, DefaultPort)
}

// BaseURL returns the HTTP base address for a host identifier.
func BaseURL(host string) string {
	return "http://" + NormalizeHost(host)
}

// SameHost reports whether two host identifiers name the same host after
// normalization.
func SameHost(a, b string) bool {
	return NormalizeHost(a) == NormalizeHost(b)
}

// Minter allocates local identifiers for one host. It refuses to hand out a
// local identifier twice, even across differently generated values.
type Minter struct {
	host string

	mu     sync.Mutex
	issued map[string]struct{}
}

// NewMinter returns a Minter for the given host identifier.
func NewMinter(host string) *Minter {
	return &Minter{
		host:   NormalizeHost(host),
		issued: make(map[string]struct{}),
	}
}

// Host returns the host identifier this minter allocates for.
func (m *Minter) Host() string { return m.host }

// Mint allocates a fresh locally-unique identifier.
func (m *Minter) Mint() (ID, error) {
	local := uuid.NewString()
	if err := m.Claim(local); err != nil {
		return ID{}, err
	}
	return ID{Host: m.host, Local: local}, nil
}

// Claim registers a caller-chosen local identifier (e.g. a user name) in the
// host's namespace. It fails with ErrCollision if the identifier was already
// issued by this minter.
func (m *Minter) Claim(local string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.issued[local]; dup {
		return fmt.Errorf("%w: %q on %s", ErrCollision, local, m.host)
	}
	m.issued[local] = struct{}{}
	return nil
}

// Resolution classifies what a host knows about an identifier.
type Resolution int

const (
	// Unknown: the host holds no copy of the entity.
	Unknown Resolution = iota
	// Cached: the host holds a read-only projection; the authoritative copy
	// lives at the identifier's home host.
	Cached
	// Authoritative: the identifier's home host is this host and the entity
	// exists here.
	Authoritative
)

func (r Resolution) String() string {
	switch r {
	case Authoritative:
		return "authoritative"
	case Cached:
		return "cached"
	default:
		return "unknown"
	}
}

// Presence answers whether a host holds any copy of an entity. Implemented
// by the storage layer.
type Presence interface {
	Has(ctx context.Context, id ID) (bool, error)
}

// Resolve classifies id from the point of view of localHost.
func Resolve(ctx context.Context, localHost string, id ID, p Presence) (Resolution, error) {
	held, err := p.Has(ctx, id)
	if err != nil {
		return Unknown, err
	}
	if !held {
		return Unknown, nil
	}
	if SameHost(localHost, id.Host) {
		return Authoritative, nil
	}
	return Cached, nil
}
