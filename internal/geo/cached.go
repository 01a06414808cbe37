package geo

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// CachedResolver serves lookups from a domain.Cache and falls through to
// the wrapped Resolver on a miss. Cache errors are logged and bypassed.
type CachedResolver struct {
	next  Resolver
	cache domain.Cache
	ttl   time.Duration
}

// NewCachedResolver wraps next with cache. A non-positive ttl defaults to
// one hour.
func NewCachedResolver(next Resolver, cache domain.Cache, ttl time.Duration) *CachedResolver {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedResolver{next: next, cache: cache, ttl: ttl}
}

// Lookup implements Resolver.
func (r *CachedResolver) Lookup(ctx context.Context, ip string) (*IPInfo, error) {
	key := "geoip:" + ip

	if data, err := r.cache.Get(ctx, key); err != nil {
		slog.Warn("geoip cache read failed", "ip", ip, "error", err)
	} else if data != nil {
		var info IPInfo
		if err := json.Unmarshal(data, &info); err == nil {
			return &info, nil
		}
		slog.Warn("geoip cache entry corrupt", "ip", ip)
	}

	info, err := r.next.Lookup(ctx, ip)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(info); err == nil {
		if err := r.cache.Set(ctx, key, data, r.ttl); err != nil {
			slog.Warn("geoip cache write failed", "ip", ip, "error", err)
		}
	}
	return info, nil
}
