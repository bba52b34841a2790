package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glyphnet/glyphnet/fedid"
	"github.com/glyphnet/glyphnet/storage"
)

var (
	// ErrNotAuthoritative indicates an attempt to mutate an entity whose
	// home host is not this host (and no federation client is configured
	// to forward the request).
	ErrNotAuthoritative = errors.New("messaging: not authoritative for entity")

	// ErrNotFound aliases the storage sentinel for callers of this package.
	ErrNotFound = storage.ErrNotFound
)

// Service implements the messaging operations of one host instance.
type Service struct {
	host   string
	store  storage.Store
	minter *fedid.Minter
	remote *Remote
	logger *slog.Logger
	now    func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithRemote wires the federation client used to forward mutations whose
// authority lives at another host.
func WithRemote(r *Remote) ServiceOption {
	return func(s *Service) { s.remote = r }
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// NewService builds the messaging service for one host.
func NewService(host string, store storage.Store, minter *fedid.Minter, opts ...ServiceOption) *Service {
	s := &Service{
		host:   fedid.NormalizeHost(host),
		store:  store,
		minter: minter,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Host returns the host identifier this service is authoritative for.
func (s *Service) Host() string { return s.host }

// CreateServer creates a server hosted here.
func (s *Service) CreateServer(ctx context.Context, title, description string) (*Server, error) {
	id, err := s.minter.Mint()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	srv := &Server{ID: id, Title: title, Description: description, CreatedAt: now, UpdatedAt: now}
	if err := s.put(ctx, storage.KindServer, id, nil, srv); err != nil {
		return nil, err
	}
	return srv, nil
}

// CreateChannel creates a channel under a server hosted here.
func (s *Service) CreateChannel(ctx context.Context, server fedid.ID, title string) (*Channel, error) {
	if !fedid.SameHost(server.Host, s.host) {
		return nil, fmt.Errorf("%w: server %s", ErrNotAuthoritative, server)
	}
	if _, err := s.store.Get(ctx, storage.KindServer, server); err != nil {
		return nil, fmt.Errorf("server %s: %w", server, err)
	}
	id, err := s.minter.Mint()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	ch := &Channel{ID: id, Server: server, Title: title, CreatedAt: now, UpdatedAt: now}
	if err := s.put(ctx, storage.KindChannel, id, &server, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// CreateUser registers a user entity on this host. The user name is the
// local identifier and is claimed in the host's namespace, so a second user
// with the same name fails with fedid.ErrCollision.
func (s *Service) CreateUser(ctx context.Context, name string, role Role) (*User, error) {
	if err := s.minter.Claim(name); err != nil {
		return nil, err
	}
	id := fedid.New(s.host, name)
	u := &User{ID: id, Role: role, CreatedAt: s.now().UTC()}
	if err := s.put(ctx, storage.KindUser, id, nil, u); err != nil {
		return nil, err
	}
	return u, nil
}

// PostMessage posts into a channel. If the channel's home host is this
// host the message is created authoritatively; otherwise the request is
// forwarded over federation and the returned message is kept as a cached
// projection.
func (s *Service) PostMessage(ctx context.Context, channel, author fedid.ID, body string) (*Message, error) {
	if !fedid.SameHost(channel.Host, s.host) {
		if s.remote == nil {
			return nil, fmt.Errorf("%w: channel %s and no federation client", ErrNotAuthoritative, channel)
		}
		msg, err := s.remote.PostMessage(ctx, channel, author, body)
		if err != nil {
			return nil, err
		}
		// Keep a read-only projection. The authoritative copy stays at the
		// channel's home host; failure to cache does not fail the post.
		if cacheErr := s.put(ctx, storage.KindMessage, msg.ID, &channel, msg); cacheErr != nil {
			s.logger.WarnContext(ctx, "failed to cache remote message projection",
				slog.String("message", msg.ID.String()), slog.String("err", cacheErr.Error()))
		}
		return msg, nil
	}

	if _, err := s.store.Get(ctx, storage.KindChannel, channel); err != nil {
		return nil, fmt.Errorf("channel %s: %w", channel, err)
	}
	id, err := s.minter.Mint()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	msg := &Message{ID: id, Channel: channel, Author: author, Body: body, CreatedAt: now, UpdatedAt: now}
	if err := s.put(ctx, storage.KindMessage, id, &channel, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// GetServer returns a server hosted or cached here.
func (s *Service) GetServer(ctx context.Context, id fedid.ID) (*Server, error) {
	var srv Server
	if err := s.get(ctx, storage.KindServer, id, &srv); err != nil {
		return nil, err
	}
	return &srv, nil
}

// GetChannel returns a channel hosted or cached here.
func (s *Service) GetChannel(ctx context.Context, id fedid.ID) (*Channel, error) {
	var ch Channel
	if err := s.get(ctx, storage.KindChannel, id, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// ListChannels lists the channels of a server hosted here.
func (s *Service) ListChannels(ctx context.Context, server fedid.ID) ([]*Channel, error) {
	recs, err := s.store.ListChildren(ctx, storage.KindChannel, server)
	if err != nil {
		return nil, err
	}
	out := make([]*Channel, 0, len(recs))
	for _, rec := range recs {
		var ch Channel
		if err := json.Unmarshal(rec.Data, &ch); err != nil {
			return nil, fmt.Errorf("decode channel %s: %w", rec.ID, err)
		}
		out = append(out, &ch)
	}
	return out, nil
}

// ListMessages lists the messages of a channel, oldest first.
func (s *Service) ListMessages(ctx context.Context, channel fedid.ID) ([]*Message, error) {
	recs, err := s.store.ListChildren(ctx, storage.KindMessage, channel)
	if err != nil {
		return nil, err
	}
	out := make([]*Message, 0, len(recs))
	for _, rec := range recs {
		var msg Message
		if err := json.Unmarshal(rec.Data, &msg); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", rec.ID, err)
		}
		out = append(out, &msg)
	}
	return out, nil
}

// Resolve classifies what this host knows about an identifier of the given
// kind: authoritative copy, cached projection, or nothing.
func (s *Service) Resolve(ctx context.Context, kind storage.Kind, id fedid.ID) (fedid.Resolution, error) {
	return fedid.Resolve(ctx, s.host, id, presenceFunc(func(ctx context.Context, id fedid.ID) (bool, error) {
		_, err := s.store.Get(ctx, kind, id)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}))
}

type presenceFunc func(ctx context.Context, id fedid.ID) (bool, error)

func (f presenceFunc) Has(ctx context.Context, id fedid.ID) (bool, error) { return f(ctx, id) }

func (s *Service) put(ctx context.Context, kind storage.Kind, id fedid.ID, parent *fedid.ID, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	return s.store.Put(ctx, &storage.Record{ID: id, Kind: kind, Parent: parent, Data: raw})
}

func (s *Service) get(ctx context.Context, kind storage.Kind, id fedid.ID, v any) error {
	rec, err := s.store.Get(ctx, kind, id)
	if err != nil {
		return err
	}
	return json.Unmarshal(rec.Data, v)
}
