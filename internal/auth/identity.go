package auth

import (
	"context"
)

// DefaultUserName is the display name for every resolved identity; the
// platform has no user profiles of its own.
const DefaultUserName = "Default User"

// Identity is a validated principal. UserID and DisplayName are always
// set; the remaining fields are only populated in CTFd mode, where the
// original cookie and nonce are needed again to call back into the
// scoreboard on the user's behalf.
type Identity struct {
	UserID      string
	DisplayName string
	SessionID   string
	Nonce       string
	RawCookie   string
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the request identity, or nil if the request was
// not authenticated.
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
