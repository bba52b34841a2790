package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/glyphnet/glyphnet/fedid"
)

// OriginHeader carries the calling host's identifier on federation
// requests. The receiving validator cross-checks it against the token's
// claimed issuer.
const OriginHeader = "X-Glyphnet-Origin"

// TokenMinter issues federation tokens for outbound calls. Satisfied by
// federation.Minter.
type TokenMinter interface {
	Mint(dstHost, scope string) (string, error)
	MintDelegated(dstHost, scope string, user fedid.ID) (string, error)
}

// Remote performs server-to-server messaging calls, authenticating each
// request with a freshly minted federation token.
type Remote struct {
	origin  string
	minter  TokenMinter
	client  *http.Client
	baseURL func(host string) string
}

// RemoteOption configures a Remote.
type RemoteOption func(*Remote)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) RemoteOption {
	return func(r *Remote) { r.client = client }
}

// WithBaseURL overrides host-to-address mapping; tests point this at
// httptest servers.
func WithBaseURL(fn func(host string) string) RemoteOption {
	return func(r *Remote) { r.baseURL = fn }
}

// NewRemote builds a federation client originating from the given host.
func NewRemote(origin string, minter TokenMinter, opts ...RemoteOption) *Remote {
	r := &Remote{
		origin:  fedid.NormalizeHost(origin),
		minter:  minter,
		client:  &http.Client{},
		baseURL: fedid.BaseURL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type postMessageRequest struct {
	Author string `json:"author"`
	Body   string `json:"body"`
}

// PostMessage posts into a channel hosted at channel.Host on behalf of
// author, returning the authoritative message the home host created.
func (r *Remote) PostMessage(ctx context.Context, channel, author fedid.ID, body string) (*Message, error) {
	token, err := r.minter.MintDelegated(channel.Host, ScopePostMessage, author)
	if err != nil {
		return nil, fmt.Errorf("mint federation token: %w", err)
	}

	payload, err := json.Marshal(postMessageRequest{Author: author.String(), Body: body})
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/federation/channels/%s/messages",
		r.baseURL(channel.Host), url.PathEscape(channel.Local))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(OriginHeader, r.origin)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("federation call to %s: %w", channel.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("federation call to %s: status %d: %s", channel.Host, resp.StatusCode, snippet)
	}
	var msg Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode federation response: %w", err)
	}
	return &msg, nil
}
