// Package messaging carries the federated data model (servers, channels,
// messages, users) and the home-host-authoritative rules over it: the
// authoritative copy of every entity lives at its identifier's home host,
// remote hosts hold at most read-only cached projections, and mutation only
// happens through a request authenticated at the home host.
package messaging

import (
	"time"

	"github.com/glyphnet/glyphnet/fedid"
)

// ScopePostMessage is the federation token scope asserted when one host
// posts a message into a channel hosted by another.
const ScopePostMessage = "post-message"

// Server is a community hosted at its ID's home host.
type Server struct {
	ID          fedid.ID  `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Channel belongs to exactly one Server.
type Channel struct {
	ID        fedid.ID  `json:"id"`
	Server    fedid.ID  `json:"server"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message lives in a Channel. Author is federated-addressable: the posting
// user's home host may differ from the channel's.
type Message struct {
	ID        fedid.ID  `json:"id"`
	Channel   fedid.ID  `json:"channel"`
	Author    fedid.ID  `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Role is a user's standing on its home host.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is an account holder. The ID's local part is the user name; the host
// part is the home host and never changes for the life of the account.
type User struct {
	ID        fedid.ID  `json:"id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}
