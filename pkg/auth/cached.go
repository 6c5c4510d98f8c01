package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"worldsync/pkg/store"
)

// CachedValidator memoizes verdicts from a slow validator, typically a
// remote auth service. Only positive verdicts are cached, and only for a
// short TTL, so a revocation is honored within the TTL window. Cache
// failures fall through to the inner validator.
type CachedValidator struct {
	Inner Validator
	Cache store.Cache
	TTL   time.Duration
}

func NewCachedValidator(inner Validator, cache store.Cache, ttl time.Duration) *CachedValidator {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedValidator{Inner: inner, Cache: cache, TTL: ttl}
}

func (v *CachedValidator) ValidateToken(ctx context.Context, token, provider string) (Verdict, error) {
	key := verdictKey(token, provider)
	if cached, err := v.Cache.Get(ctx, key); err == nil {
		var verdict Verdict
		if err := json.Unmarshal([]byte(cached), &verdict); err == nil {
			return verdict, nil
		}
	} else if !errors.Is(err, store.ErrCacheMiss) {
		// Cache trouble is not an auth failure.
		return v.Inner.ValidateToken(ctx, token, provider)
	}

	verdict, err := v.Inner.ValidateToken(ctx, token, provider)
	if err != nil {
		return verdict, err
	}
	if verdict.Valid {
		if raw, err := json.Marshal(verdict); err == nil {
			_ = v.Cache.Set(ctx, key, string(raw), v.TTL)
		}
	}
	return verdict, nil
}

func verdictKey(token, provider string) string {
	sum := sha256.Sum256([]byte(provider + ":" + token))
	return "verdict:" + hex.EncodeToString(sum[:])
}
