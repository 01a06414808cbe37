package signals

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func deviceTx(user, device string, at time.Time) *domain.Transaction {
	tx := newTx("tx", user, 25, at)
	tx.DeviceID = device
	tx.UserAgent = "Mozilla/5.0"
	tx.IPAddress = "8.8.8.8"
	return tx
}

func TestDevice(t *testing.T) {
	t.Run("NoDeviceDataScoresZero", func(t *testing.T) {
		d := NewDevice(domain.DeviceConfig{}, fixedClock(base))
		assert.Equal(t, 0.0, score(t, d, newTx("tx", "user-1", 10, base)))
		assert.Zero(t, d.Stats().Devices)
	})

	t.Run("NewDevice", func(t *testing.T) {
		d := NewDevice(domain.DeviceConfig{}, fixedClock(base))
		assert.InDelta(t, 0.3, score(t, d, deviceTx("user-1", "dev-1", base)), 1e-9)
		assert.Equal(t, []string{"dev-1"}, d.UserDevices("user-1"))
	})

	t.Run("TooManyDevices", func(t *testing.T) {
		d := NewDevice(domain.DeviceConfig{MaxDevicesPerUser: 3}, fixedClock(base))
		for i := 0; i < 3; i++ {
			score(t, d, deviceTx("user-1", fmt.Sprintf("dev-%d", i), base.Add(time.Duration(i)*10*time.Minute)))
		}
		assert.InDelta(t, 0.6, score(t, d, deviceTx("user-1", "dev-9", base.Add(time.Hour))), 1e-9)
	})

	t.Run("StaleDevicesLeaveTheUserCap", func(t *testing.T) {
		d := NewDevice(domain.DeviceConfig{MaxDevicesPerUser: 3}, fixedClock(base))
		for i := 0; i < 3; i++ {
			score(t, d, deviceTx("user-1", fmt.Sprintf("dev-%d", i), base.Add(time.Duration(i)*10*time.Minute)))
		}

		later := base.Add(profileRetention + 24*time.Hour)
		assert.InDelta(t, 0.3, score(t, d, deviceTx("user-1", "dev-9", later)), 1e-9)
		assert.Equal(t, []string{"dev-9"}, d.UserDevices("user-1"))
	})

	t.Run("SharedDeviceScoresHigherThanUnshared", func(t *testing.T) {
		shared := NewDevice(domain.DeviceConfig{}, fixedClock(base))
		score(t, shared, deviceTx("alice", "dev-1", base))
		got := score(t, shared, deviceTx("bob", "dev-1", base.Add(10*time.Minute)))

		unshared := NewDevice(domain.DeviceConfig{}, fixedClock(base))
		score(t, unshared, deviceTx("alice", "dev-1", base))
		want := score(t, unshared, deviceTx("alice", "dev-1", base.Add(10*time.Minute)))

		assert.Greater(t, got, 0.4)
		assert.Greater(t, got, want)

		fp, ok := shared.Fingerprint("dev-1")
		require.True(t, ok)
		assert.Equal(t, []string{"alice", "bob"}, fp.Users)
		assert.Equal(t, 2, fp.TransactionCount)
		assert.Equal(t, 1, shared.Stats().Shared)
	})

	t.Run("FingerprintDrift", func(t *testing.T) {
		d := NewDevice(domain.DeviceConfig{}, fixedClock(base))
		score(t, d, deviceTx("user-1", "dev-1", base))

		tx := deviceTx("user-1", "dev-1", base.Add(30*time.Second))
		tx.UserAgent = "curl/8.0"
		tx.IPAddress = "9.9.9.9"
		tx.Metadata = map[string]any{MetaScreenResolution: "800x600", MetaTimezone: "Asia/Tokyo"}

		// 0.3 + 0.2 + 0.1 + 0.1 + 0.2 capped at 0.8.
		assert.InDelta(t, 0.8, score(t, d, tx), 1e-9)

		fp, ok := d.Fingerprint("dev-1")
		require.True(t, ok)
		assert.Equal(t, "curl/8.0", fp.UserAgent)
		assert.Equal(t, "Asia/Tokyo", fp.Timezone)
	})

	t.Run("VelocityBands", func(t *testing.T) {
		d := NewDevice(domain.DeviceConfig{SuspiciousDeviceThreshold: 4}, fixedClock(base))
		d.MarkTrusted("dev-1")
		var got float64
		for i := 0; i < 6; i++ {
			got = score(t, d, deviceTx("user-1", "dev-1", base.Add(time.Duration(i)*5*time.Second)))
		}
		assert.InDelta(t, 0.4, got, 1e-9)
	})

	t.Run("TrustedAndSuspiciousMarks", func(t *testing.T) {
		d := NewDevice(domain.DeviceConfig{}, fixedClock(base))
		d.MarkTrusted("dev-ok")
		assert.Equal(t, 0.0, score(t, d, deviceTx("user-1", "dev-ok", base)))

		d.MarkSuspicious("dev-bad")
		assert.InDelta(t, 0.8, score(t, d, deviceTx("user-1", "dev-bad", base.Add(time.Hour))), 1e-9)

		fp, _ := d.Fingerprint("dev-bad")
		assert.True(t, fp.Suspicious)
		assert.False(t, fp.Trusted)

		d.MarkTrusted("dev-bad")
		fp, _ = d.Fingerprint("dev-bad")
		assert.True(t, fp.Trusted)
		assert.False(t, fp.Suspicious)

		stats := d.Stats()
		assert.Equal(t, 2, stats.Trusted)
		assert.Zero(t, stats.Suspicious)
	})

	t.Run("DerivedDeviceID", func(t *testing.T) {
		tx := newTx("tx", "user-1", 10, base)
		assert.Empty(t, DeviceID(tx))

		tx.UserAgent = "Mozilla/5.0"
		id := DeviceID(tx)
		assert.True(t, strings.HasPrefix(id, "device_"))
		assert.Equal(t, id, DeviceID(tx))

		tx.Metadata = map[string]any{MetaScreenResolution: "1920x1080"}
		assert.NotEqual(t, id, DeviceID(tx))

		tx.DeviceID = "explicit"
		assert.Equal(t, "explicit", DeviceID(tx))
	})
}
