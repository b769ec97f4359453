package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"promptctf/webapi/internal/config"
)

// ctfdSessionKeyPrefix is the Flask-Caching key namespace CTFd stores
// its server-side sessions under.
const ctfdSessionKeyPrefix = "flask_cache_session"

var ErrSessionNotFound = errors.New("auth: session not found in store")

// SessionStore fetches the serialized session payload for a foreign
// session id. Only the CTFd mode needs it.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (string, error)
}

// RedisSessionStore reads CTFd's shared session backend.
type RedisSessionStore struct {
	rdb *redis.Client
}

func NewRedisSessionStore(cfg config.RedisCfg) *RedisSessionStore {
	return &RedisSessionStore{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

func (s *RedisSessionStore) Get(ctx context.Context, sessionID string) (string, error) {
	val, err := s.rdb.Get(ctx, ctfdSessionKeyPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("auth: session store get: %w", err)
	}
	return val, nil
}

// Ping verifies the store is reachable. Called once at startup so a bad
// address fails fast instead of on the first login.
func (s *RedisSessionStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisSessionStore) Close() error {
	return s.rdb.Close()
}

// extractSessionJSON pulls the first balanced JSON object out of a
// stored session value. Flask-Caching prefixes the JSON with pickle
// framing bytes, so the value cannot be parsed as-is. A depth counter is
// used rather than a greedy regex so braces inside nested objects or
// string values do not truncate or over-extend the match.
func extractSessionJSON(raw string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if start >= 0 && inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '{':
			if start < 0 {
				start = i
			}
			depth++
		case '}':
			if start >= 0 {
				depth--
				if depth == 0 {
					return raw[start : i+1], true
				}
			}
		case '"':
			if start >= 0 {
				inString = true
			}
		}
	}
	return "", false
}
