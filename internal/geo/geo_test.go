package geo

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/cache"
)

var (
	newYork = Point{Lat: 40.7128, Lng: -74.0060}
	london  = Point{Lat: 51.5074, Lng: -0.1278}
	paris   = Point{Lat: 48.8566, Lng: 2.3522}
)

func TestDistance(t *testing.T) {
	t.Run("NewYorkToLondon", func(t *testing.T) {
		d := Distance(newYork, london)
		assert.InDelta(t, 5570, d, 10)
	})

	t.Run("Symmetric", func(t *testing.T) {
		pairs := [][2]Point{
			{newYork, london},
			{london, paris},
			{{Lat: -33.8688, Lng: 151.2093}, {Lat: 35.6762, Lng: 139.6503}},
			{{Lat: 0, Lng: 179.9}, {Lat: 0, Lng: -179.9}},
		}
		for _, p := range pairs {
			assert.InDelta(t, Distance(p[0], p[1]), Distance(p[1], p[0]), 1e-9)
		}
	})

	t.Run("ZeroForSamePoint", func(t *testing.T) {
		assert.InDelta(t, 0, Distance(paris, paris), 1e-9)
		assert.Greater(t, Distance(paris, Point{Lat: paris.Lat + 0.0001, Lng: paris.Lng}), 0.0)
	})

	t.Run("Antipodal", func(t *testing.T) {
		d := Distance(Point{Lat: 0, Lng: 0}, Point{Lat: 0, Lng: 180})
		assert.InDelta(t, math.Pi*EarthRadiusKm, d, 1e-6)
	})

	t.Run("Within", func(t *testing.T) {
		assert.True(t, Within(paris, Point{Lat: 48.8570, Lng: 2.3525}, 1))
		assert.False(t, Within(paris, london, 100))
	})
}

func TestSpeed(t *testing.T) {
	assert.InDelta(t, 5570, Speed(newYork, london, time.Hour), 10)
	assert.True(t, math.IsInf(Speed(newYork, london, 0), 1))
	assert.Equal(t, 0.0, Speed(paris, paris, 0))
}

func TestPrefixResolver(t *testing.T) {
	ctx := context.Background()
	r := NewPrefixResolver()
	require.NoError(t, r.Add("203.0.113.0/24", IPInfo{Country: "XX", IsTor: true, ASN: "AS12345"}))

	t.Run("TableHit", func(t *testing.T) {
		info, err := r.Lookup(ctx, "203.0.113.9")
		require.NoError(t, err)
		assert.Equal(t, "XX", info.Country)
		assert.True(t, info.IsTor)
		assert.Equal(t, "203.0.113.9", info.IP)
	})

	t.Run("OctetFallback", func(t *testing.T) {
		cases := map[string]string{
			"8.8.8.8":     "US",
			"130.1.2.3":   "CA",
			"200.1.2.3":   "GB",
			"10.0.0.1":    "US",
			"240.0.0.1":   UnknownCountry,
			"2001:db8::1": UnknownCountry,
		}
		for ip, want := range cases {
			info, err := r.Lookup(ctx, ip)
			require.NoError(t, err, ip)
			assert.Equal(t, want, info.Country, ip)
		}
	})

	t.Run("InvalidAddress", func(t *testing.T) {
		_, err := r.Lookup(ctx, "not-an-ip")
		assert.Error(t, err)
	})

	t.Run("InvalidPrefix", func(t *testing.T) {
		assert.Error(t, r.Add("300.0.0.0/8", IPInfo{}))
	})
}

type countingResolver struct {
	calls int
	err   error
}

func (r *countingResolver) Lookup(ctx context.Context, ip string) (*IPInfo, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &IPInfo{IP: ip, Country: "DE", IsVPN: true}, nil
}

func TestCachedResolver(t *testing.T) {
	ctx := context.Background()

	t.Run("CachesLookups", func(t *testing.T) {
		next := &countingResolver{}
		r := NewCachedResolver(next, cache.NewLRUCache(10), time.Minute)

		first, err := r.Lookup(ctx, "1.2.3.4")
		require.NoError(t, err)
		second, err := r.Lookup(ctx, "1.2.3.4")
		require.NoError(t, err)

		assert.Equal(t, 1, next.calls)
		assert.Equal(t, first, second)
		assert.True(t, second.IsVPN)
	})

	t.Run("PropagatesErrors", func(t *testing.T) {
		boom := errors.New("boom")
		r := NewCachedResolver(&countingResolver{err: boom}, cache.NewLRUCache(10), 0)

		_, err := r.Lookup(ctx, "1.2.3.4")
		assert.ErrorIs(t, err, boom)
	})
}
