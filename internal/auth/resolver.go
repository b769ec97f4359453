package auth

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"promptctf/webapi/internal/config"
	"promptctf/webapi/internal/httputil"
	"promptctf/webapi/internal/itsdangerous"
)

// Failure reasons. These strings are part of the wire contract with the
// CTFd front-end, which matches on them to decide whether to redirect
// to the scoreboard login page.
const (
	ReasonCookieNotFound   = "Session cookie not found"
	ReasonBadCookieFormat  = "Invalid session cookie format"
	ReasonSignerMissing    = "CTFd cookie signer not available"
	ReasonBadSignature     = "Invalid session cookie signature"
	ReasonBadSessionValue  = "Invalid session value"
	ReasonMissingValues    = "Invalid session value. Missing required values"
	ReasonBadUserID        = "Invalid user id"
	ReasonSessionExpired   = "Session expired"
	ReasonSessionNotFound  = "Session not found in redis"
	ReasonUnknownMode      = "Invalid auth type"
)

const (
	guestCookieName   = "User-ID"
	sessionCookieName = "session"
)

// authErrorResponse is the structured 401 body returned in CTFd mode so
// the client can bounce the user to the scoreboard login.
type authErrorResponse struct {
	AuthType    string `json:"auth_type"`
	Error       string `json:"error"`
	RedirectURI string `json:"redirect_uri"`
}

// UserTracker receives every successfully resolved user id; it must be
// idempotent per id.
type UserTracker interface {
	TrackUserID(userID string)
}

// Resolver authenticates inbound requests in one of three mutually
// exclusive modes fixed at startup: guest (mint a UUID cookie),
// signed-foreign-session (challenge home), or trusted-external-session
// (CTFd, backed by the shared Redis store).
type Resolver struct {
	mode        config.AuthType
	signer      *itsdangerous.Signer
	cache       *IdentityCache
	store       SessionStore
	tracker     UserTracker
	redirectURL string
	log         zerolog.Logger
}

func NewResolver(cfg *config.Config, signer *itsdangerous.Signer, cache *IdentityCache, store SessionStore, tracker UserTracker, log zerolog.Logger) *Resolver {
	redirect := ""
	if cfg.Challenge.Ctfd != nil {
		redirect = cfg.Challenge.Ctfd.RedirectURL
	}
	return &Resolver{
		mode:        cfg.Challenge.AuthType,
		signer:      signer,
		cache:       cache,
		store:       store,
		tracker:     tracker,
		redirectURL: redirect,
		log:         log,
	}
}

// Middleware authenticates the request and attaches the identity to the
// context. Every failure branch terminates in a named reason; nothing
// inside resolution is allowed to panic its way to a framework error
// page.
func (rs *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, reason, ok := rs.resolve(w, r)
		if !ok {
			rs.deny(w, r, reason)
			return
		}
		if rs.tracker != nil && id.UserID != "" {
			rs.tracker.TrackUserID(id.UserID)
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func (rs *Resolver) resolve(w http.ResponseWriter, r *http.Request) (*Identity, string, bool) {
	switch rs.mode {
	case config.AuthNone:
		return rs.resolveGuest(w, r), "", true
	case config.AuthChallengeHome:
		return rs.resolveChallengeHome(r)
	case config.AuthCtfd:
		return rs.resolveCtfd(r)
	default:
		return nil, ReasonUnknownMode, false
	}
}

func (rs *Resolver) deny(w http.ResponseWriter, r *http.Request, reason string) {
	logger := httputil.GetLogger(r.Context())
	logger.Warn().Str("reason", reason).Msg("authentication failed")
	if rs.mode == config.AuthCtfd {
		httputil.WriteJSON(w, http.StatusUnauthorized, authErrorResponse{
			AuthType:    "ctfd",
			Error:       reason,
			RedirectURI: rs.redirectURL,
		})
		return
	}
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// resolveGuest never fails: a missing or malformed cookie just mints a
// fresh guest id.
func (rs *Resolver) resolveGuest(w http.ResponseWriter, r *http.Request) *Identity {
	userID := ""
	if c, err := r.Cookie(guestCookieName); err == nil {
		if _, err := uuid.Parse(c.Value); err == nil {
			userID = c.Value
		}
	}
	if userID == "" {
		userID = uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:  guestCookieName,
			Value: userID,
			Path:  "/",
		})
	}
	return &Identity{UserID: userID, DisplayName: DefaultUserName}
}

// resolveChallengeHome validates a self-contained signed session cookie
// of the form <base64url payload>.<signature>. No cache and no external
// store: the decode is pure CPU.
func (rs *Resolver) resolveChallengeHome(r *http.Request) (*Identity, string, bool) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil || c.Value == "" {
		return nil, ReasonCookieNotFound, false
	}
	parts := strings.Split(c.Value, ".")
	if len(parts) < 2 {
		return nil, ReasonBadCookieFormat, false
	}
	payload := parts[0]
	if rs.signer == nil {
		return nil, ReasonSignerMissing, false
	}
	if rs.signer.Sign(payload) != parts[1] {
		return nil, ReasonBadSignature, false
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(payload, "="))
	if err != nil {
		return nil, ReasonBadSessionValue, false
	}
	var claims struct {
		UserID *string      `json:"user_id"`
		Exp    *json.Number `json:"exp"`
	}
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, ReasonBadSessionValue, false
	}
	if claims.UserID == nil || claims.Exp == nil {
		return nil, ReasonMissingValues, false
	}
	userID, err := uuid.Parse(*claims.UserID)
	if err != nil {
		return nil, ReasonBadUserID, false
	}
	exp, err := claims.Exp.Int64()
	if err != nil {
		return nil, ReasonBadSessionValue, false
	}
	if exp < time.Now().Unix() {
		return nil, ReasonSessionExpired, false
	}
	return &Identity{UserID: userID.String(), DisplayName: DefaultUserName}, "", true
}

// resolveCtfd validates a CTFd session cookie <sessionId>.<signature>
// against the shared session store, consulting the identity cache
// first. Concurrent misses may both validate and both write the cache;
// the writes are idempotent so no lock spans the flow.
func (rs *Resolver) resolveCtfd(r *http.Request) (*Identity, string, bool) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil || c.Value == "" {
		return nil, ReasonCookieNotFound, false
	}
	rawCookie := c.Value

	if id, ok := rs.cache.Get(rawCookie); ok {
		return id, "", true
	}

	parts := strings.Split(rawCookie, ".")
	if len(parts) < 2 {
		return nil, ReasonBadCookieFormat, false
	}
	sessionID := parts[0]
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, ReasonBadCookieFormat, false
	}
	if rs.signer == nil {
		return nil, ReasonSignerMissing, false
	}
	if rs.signer.Sign(sessionID) != parts[1] {
		return nil, ReasonBadSignature, false
	}

	sessionValue, err := rs.store.Get(r.Context(), sessionID)
	if err != nil {
		return nil, ReasonSessionNotFound, false
	}

	jsonPart, ok := extractSessionJSON(sessionValue)
	if !ok {
		return nil, ReasonBadSessionValue, false
	}
	var claims struct {
		ID    *json.Number `json:"id"`
		Nonce *string      `json:"nonce"`
	}
	if err := json.Unmarshal([]byte(jsonPart), &claims); err != nil {
		return nil, ReasonBadSessionValue, false
	}
	if claims.ID == nil || claims.Nonce == nil {
		return nil, ReasonMissingValues, false
	}
	ctfdID, err := claims.ID.Int64()
	if err != nil {
		return nil, ReasonBadUserID, false
	}

	id := &Identity{
		UserID:      CtfdUserUUID(int32(ctfdID)).String(),
		DisplayName: DefaultUserName,
		SessionID:   sessionID,
		Nonce:       *claims.Nonce,
		RawCookie:   rawCookie,
	}
	rs.cache.Put(rawCookie, id)
	return id, "", true
}
