// Package hostserver is the HTTP surface of one host instance: well-known
// discovery documents, the local token endpoint, the federation message
// API, and a liveness probe. Routing and marshaling live here so the trust
// layer underneath stays transport-agnostic.
package hostserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/glyphnet/glyphnet/authn"
	"github.com/glyphnet/glyphnet/federation"
	"github.com/glyphnet/glyphnet/fedid"
	"github.com/glyphnet/glyphnet/internal/logctx"
	"github.com/glyphnet/glyphnet/jwks"
	"github.com/glyphnet/glyphnet/messaging"
	"github.com/glyphnet/glyphnet/storage"
)

var jsonMediaTypes = []contenttype.MediaType{contenttype.NewMediaType("application/json")}

// Handler serves one host instance's HTTP API.
type Handler struct {
	host      string
	publisher *jwks.Publisher
	auth      *authn.Service
	validator *federation.Validator
	msg       *messaging.Service
	logger    *slog.Logger
	router    *mux.Router
}

// New wires the handler for a host.
func New(host string, publisher *jwks.Publisher, auth *authn.Service, validator *federation.Validator, msg *messaging.Service, logger *slog.Logger) *Handler {
	h := &Handler{
		host:      fedid.NormalizeHost(host),
		publisher: publisher,
		auth:      auth,
		validator: validator,
		msg:       msg,
		logger:    logger,
		router:    mux.NewRouter(),
	}

	h.router.HandleFunc(jwks.WellKnownPath, h.handleJWKS).Methods(http.MethodGet)
	h.router.HandleFunc("/.well-known/openid-configuration", h.handleDiscovery).Methods(http.MethodGet)
	h.router.HandleFunc("/auth/token", h.handleToken).Methods(http.MethodPost)
	h.router.HandleFunc("/auth/signup", h.handleSignup).Methods(http.MethodPost)
	h.router.HandleFunc("/api/servers", h.handleCreateServer).Methods(http.MethodPost)
	h.router.HandleFunc("/api/servers/{server}/channels", h.handleCreateChannel).Methods(http.MethodPost)
	h.router.HandleFunc("/api/servers/{server}/channels", h.handleListChannels).Methods(http.MethodGet)
	h.router.HandleFunc("/api/messages", h.handlePostMessage).Methods(http.MethodPost)
	h.router.HandleFunc("/api/channels/{channel}/messages", h.handleListMessages).Methods(http.MethodGet)
	h.router.HandleFunc("/federation/channels/{channel}/messages", h.handleFederatedPost).Methods(http.MethodPost)
	h.router.HandleFunc("/healthz", h.handleHealthz).Methods(http.MethodGet)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
	})
	h.router.ServeHTTP(w, r.WithContext(ctx))
}

func (h *Handler) handleJWKS(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, h.publisher.Document())
}

func (h *Handler) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, h.auth.Discovery())
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	var grant authn.Grant
	switch r.PostFormValue("grant_type") {
	case "password":
		grant = authn.PasswordGrant{
			Username: r.PostFormValue("username"),
			Password: r.PostFormValue("password"),
			Scope:    r.PostFormValue("scope"),
			ClientID: r.PostFormValue("client_id"),
		}
	case "refresh_token":
		grant = authn.RefreshGrant{
			RefreshToken: r.PostFormValue("refresh_token"),
			Scope:        r.PostFormValue("scope"),
			ClientID:     r.PostFormValue("client_id"),
		}
	default:
		h.writeError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	pair, err := h.auth.Token(r.Context(), grant)
	if err != nil {
		switch {
		case errors.Is(err, authn.ErrRefreshReused):
			h.logger.WarnContext(r.Context(), "refresh token reuse rejected", slog.String("err", err.Error()))
			h.writeError(w, http.StatusUnauthorized, "invalid_grant")
		case errors.Is(err, authn.ErrGrantInvalid):
			h.writeError(w, http.StatusUnauthorized, "invalid_grant")
		default:
			h.logger.ErrorContext(r.Context(), "token grant failed", slog.String("err", err.Error()))
			h.writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}
	h.writeJSON(w, r, http.StatusOK, pair)
}

type signupRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if _, err := h.auth.Signup(r.Context(), req.Name, req.Password); err != nil {
		if errors.Is(err, authn.ErrGrantInvalid) {
			h.writeError(w, http.StatusBadRequest, "invalid_request")
		} else {
			h.logger.ErrorContext(r.Context(), "signup failed", slog.String("err", err.Error()))
			h.writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}
	user, err := h.msg.CreateUser(r.Context(), req.Name, messaging.RoleUser)
	if err != nil {
		if errors.Is(err, fedid.ErrCollision) {
			h.writeError(w, http.StatusConflict, "conflict")
		} else {
			h.logger.ErrorContext(r.Context(), "user creation failed", slog.String("err", err.Error()))
			h.writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}
	h.writeJSON(w, r, http.StatusCreated, user)
}

type createServerRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (h *Handler) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireUser(w, r); !ok {
		return
	}
	var req createServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	srv, err := h.msg.CreateServer(r.Context(), req.Title, req.Description)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "server creation failed", slog.String("err", err.Error()))
		h.writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	h.writeJSON(w, r, http.StatusCreated, srv)
}

type createChannelRequest struct {
	Title string `json:"title"`
}

func (h *Handler) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireUser(w, r); !ok {
		return
	}
	var req createChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	server := fedid.New(h.host, mux.Vars(r)["server"])
	ch, err := h.msg.CreateChannel(r.Context(), server, req.Title)
	if err != nil {
		h.writeEntityError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, ch)
}

func (h *Handler) handleListChannels(w http.ResponseWriter, r *http.Request) {
	server := fedid.New(h.host, mux.Vars(r)["server"])
	channels, err := h.msg.ListChannels(r.Context(), server)
	if err != nil {
		h.writeEntityError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, channels)
}

type postMessageRequest struct {
	Channel fedid.ID `json:"channel"`
	Body    string   `json:"body"`
}

// handlePostMessage is the client-facing post operation: the author is the
// authenticated local user, and the messaging layer forwards over
// federation when the channel lives elsewhere.
func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Body == "" || req.Channel.IsZero() {
		h.writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	msg, err := h.msg.PostMessage(r.Context(), req.Channel, identity.User, req.Body)
	if err != nil {
		h.writeEntityError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, msg)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	channel := fedid.New(h.host, mux.Vars(r)["channel"])
	msgs, err := h.msg.ListMessages(r.Context(), channel)
	if err != nil {
		h.writeEntityError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, msgs)
}

type federatedPostRequest struct {
	Author string `json:"author"`
	Body   string `json:"body"`
}

// handleFederatedPost accepts a message post from a remote host. The bearer
// credential is a federation token; the channel addressed must be hosted
// here.
func (h *Handler) handleFederatedPost(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	assertion, err := h.validator.Validate(r.Context(), token, r.Header.Get(messaging.OriginHeader))
	if err != nil {
		h.writeFederationError(w, r, err)
		return
	}
	if assertion.Scope != messaging.ScopePostMessage {
		h.writeError(w, http.StatusForbidden, "insufficient_scope")
		return
	}

	var req federatedPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Body == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	author, err := fedid.Parse(req.Author)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	// A delegated token must be delegated by the author it posts as.
	if assertion.Delegated != nil && *assertion.Delegated != author {
		h.writeError(w, http.StatusForbidden, "claim_mismatch")
		return
	}

	channel := fedid.New(h.host, mux.Vars(r)["channel"])
	msg, err := h.msg.PostMessage(r.Context(), channel, author, req.Body)
	if err != nil {
		h.writeEntityError(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "federated message accepted",
		slog.String("issuer", assertion.Issuer),
		slog.String("channel", channel.String()),
		slog.String("author", author.String()))
	h.writeJSON(w, r, http.StatusCreated, msg)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok", "host": h.host})
}

// requireUser authenticates the request with a local access token.
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (*authn.Identity, bool) {
	token, ok := bearerToken(r)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "missing_token")
		return nil, false
	}
	identity, err := h.auth.Verify(r.Context(), token)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "invalid_token")
		return nil, false
	}
	return identity, true
}

func (h *Handler) writeFederationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, federation.ErrDiscoveryUnavailable):
		h.logger.WarnContext(r.Context(), "federation validation deferred", slog.String("err", err.Error()))
		h.writeError(w, http.StatusServiceUnavailable, "discovery_unavailable")
	case errors.Is(err, federation.ErrTokenExpired):
		h.writeError(w, http.StatusUnauthorized, "token_expired")
	case errors.Is(err, federation.ErrUnknownIssuer):
		h.writeError(w, http.StatusUnauthorized, "unknown_issuer")
	case errors.Is(err, federation.ErrKeyNotFound):
		h.writeError(w, http.StatusUnauthorized, "key_not_found")
	case errors.Is(err, federation.ErrClaimMismatch):
		h.writeError(w, http.StatusUnauthorized, "claim_mismatch")
	case errors.Is(err, federation.ErrSignatureInvalid):
		h.writeError(w, http.StatusUnauthorized, "signature_invalid")
	default:
		h.logger.ErrorContext(r.Context(), "federation validation failed", slog.String("err", err.Error()))
		h.writeError(w, http.StatusInternalServerError, "server_error")
	}
}

func (h *Handler) writeEntityError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, messaging.ErrNotAuthoritative):
		h.writeError(w, http.StatusBadGateway, "not_authoritative")
	case errors.Is(err, fedid.ErrCollision):
		h.writeError(w, http.StatusConflict, "conflict")
	default:
		h.logger.ErrorContext(r.Context(), "request failed", slog.String("err", err.Error()))
		h.writeError(w, http.StatusInternalServerError, "server_error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	if _, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes); err != nil {
		http.Error(w, "only application/json responses are supported", http.StatusNotAcceptable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.ErrorContext(r.Context(), "response encoding failed", slog.String("err", err.Error()))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func bearerToken(r *http.Request) (string, bool) {
	raw := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}
