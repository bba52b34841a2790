// Package jwks publishes this host's public signing keys as an RFC 7517
// document and discovers/caches the documents of remote hosts.
package jwks

import (
	"sync"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/glyphnet/glyphnet/keyring"
)

// WellKnownPath is where every host serves its JWKS document.
const WellKnownPath = "/.well-known/jwks.json"

// Publisher renders the keyring's publishable keys (Active and Retiring) as
// a JWKS document. It is side-effect free and memoizes the document between
// key set changes.
//
// No private material can enter the document: the publisher only ever sees
// keyring.PublicKey values, which carry none.
type Publisher struct {
	ring *keyring.Ring

	mu  sync.Mutex
	doc *jose.JSONWebKeySet
}

// NewPublisher builds a Publisher over ring and hooks its memoization to the
// ring's change notifications.
func NewPublisher(ring *keyring.Ring) *Publisher {
	p := &Publisher{ring: ring}
	ring.OnChange(p.invalidate)
	return p
}

// Document returns the current JWKS document.
func (p *Publisher) Document() jose.JSONWebKeySet {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.doc == nil {
		doc := buildDocument(p.ring.Publishable())
		p.doc = &doc
	}
	return *p.doc
}

func (p *Publisher) invalidate() {
	p.mu.Lock()
	p.doc = nil
	p.mu.Unlock()
}

func buildDocument(keys []keyring.PublicKey) jose.JSONWebKeySet {
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(keys))}
	for _, k := range keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       k.Key,
			KeyID:     k.KID,
			Algorithm: k.Algorithm,
			Use:       "sig",
		})
	}
	return set
}
