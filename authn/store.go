package authn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glyphnet/glyphnet/fedid"
	"github.com/glyphnet/glyphnet/storage"
)

// Account is a user's local credential record. The credential hash lives
// only here, never in any token or JWKS output.
type Account struct {
	Username     string    `json:"username"`
	Host         string    `json:"host"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// refreshRecord is the stored state of one refresh token, keyed by the
// token's fingerprint. Records of one rotation family share a synthetic
// parent identifier so the whole lineage can be revoked in one sweep.
type refreshRecord struct {
	Hash      string     `json:"hash"`
	Family    string     `json:"family"`
	Username  string     `json:"username"`
	ClientID  string     `json:"client_id"`
	Scope     string     `json:"scope"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	RotatedAt *time.Time `json:"rotated_at,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Signup creates an account with an argon2id credential hash. The username
// must not already exist.
func (s *Service) Signup(ctx context.Context, username, password string) (*Account, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: missing username or password", ErrGrantInvalid)
	}
	if _, err := s.getAccount(ctx, username); err == nil {
		return nil, fmt.Errorf("%w: username %q taken", ErrGrantInvalid, username)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	hash, err := hashPassword(password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	acct := &Account{
		Username:     username,
		Host:         s.host,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.putAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

func (s *Service) accountID(username string) fedid.ID {
	return fedid.ID{Host: s.host, Local: username}
}

func (s *Service) refreshID(hash string) fedid.ID {
	return fedid.ID{Host: s.host, Local: hash}
}

func (s *Service) familyID(family string) fedid.ID {
	return fedid.ID{Host: s.host, Local: "family/" + family}
}

func (s *Service) getAccount(ctx context.Context, username string) (*Account, error) {
	rec, err := s.store.Get(ctx, storage.KindAccount, s.accountID(username))
	if err != nil {
		return nil, err
	}
	var acct Account
	if err := json.Unmarshal(rec.Data, &acct); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	return &acct, nil
}

func (s *Service) putAccount(ctx context.Context, acct *Account) error {
	raw, err := json.Marshal(acct)
	if err != nil {
		return err
	}
	return s.store.Put(ctx, &storage.Record{
		ID:   s.accountID(acct.Username),
		Kind: storage.KindAccount,
		Data: raw,
	})
}

func (s *Service) getRefresh(ctx context.Context, hash string) (*refreshRecord, error) {
	rec, err := s.store.Get(ctx, storage.KindRefresh, s.refreshID(hash))
	if err != nil {
		return nil, err
	}
	var rr refreshRecord
	if err := json.Unmarshal(rec.Data, &rr); err != nil {
		return nil, fmt.Errorf("decode refresh record: %w", err)
	}
	return &rr, nil
}

func (s *Service) putRefresh(ctx context.Context, rr *refreshRecord) error {
	raw, err := json.Marshal(rr)
	if err != nil {
		return err
	}
	parent := s.familyID(rr.Family)
	return s.store.Put(ctx, &storage.Record{
		ID:     s.refreshID(rr.Hash),
		Kind:   storage.KindRefresh,
		Parent: &parent,
		Data:   raw,
	})
}

// revokeFamily marks every member of a rotation family revoked.
func (s *Service) revokeFamily(ctx context.Context, family string) error {
	recs, err := s.store.ListChildren(ctx, storage.KindRefresh, s.familyID(family))
	if err != nil {
		return err
	}
	for _, rec := range recs {
		var rr refreshRecord
		if err := json.Unmarshal(rec.Data, &rr); err != nil {
			return fmt.Errorf("decode refresh record: %w", err)
		}
		if rr.Revoked {
			continue
		}
		rr.Revoked = true
		if err := s.putRefresh(ctx, &rr); err != nil {
			return err
		}
	}
	return nil
}
