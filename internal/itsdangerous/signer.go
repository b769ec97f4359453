// Package itsdangerous reimplements the signature half of the Python
// "itsdangerous" signing scheme, which both CTFd and the challenge home
// service use for their session cookies. Knowing the shared secret and
// the fixed salt is enough to recompute a cookie's signature, so foreign
// sessions can be validated without any other foreign state.
package itsdangerous

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
)

// Salts are fixed constants of the foreign signers. CTFd configures
// itsdangerous with its Signer class path; the challenge home service
// uses the library default.
const (
	CtfdSalt          = "itsdangerous.Signersigner"
	ChallengeHomeSalt = "itsdangeroussigner"
)

var ErrNoSecret = errors.New("itsdangerous: secret key not set")

// Signer computes itsdangerous-compatible signatures. SHA-1 and
// HMAC-SHA1 are mandated by the foreign scheme; this is interop code,
// not a place to borrow hashing from.
type Signer struct {
	key []byte
}

// New derives the signing key from salt+secret the way itsdangerous
// does: the key is the SHA-1 digest of the concatenation.
func New(salt, secret string) (*Signer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	sum := sha1.Sum([]byte(salt + secret))
	return &Signer{key: sum[:]}, nil
}

// Sign returns the URL-safe unpadded base64 HMAC-SHA1 of value.
func (s *Signer) Sign(value string) string {
	mac := hmac.New(sha1.New, s.key)
	mac.Write([]byte(value))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
