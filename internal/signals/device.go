package signals

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/window"
)

// Metadata keys read from the transaction for device fingerprinting.
const (
	MetaScreenResolution = "screen_resolution"
	MetaTimezone         = "timezone"
	MetaLanguage         = "language"
	MetaPlatform         = "platform"
)

const maxDeviceMismatchRisk = 0.8

// Device scores the device a transaction came from: novelty, fingerprint
// drift, per-device velocity and sharing between users.
type Device struct {
	cfg         domain.DeviceConfig
	devices     *window.Store[deviceRecord]
	userDevices *identityIndex
	flags       *flagSet
	clock       func() time.Time
}

type deviceRecord struct {
	core  identityCore
	attrs deviceAttrs
}

type deviceAttrs struct {
	userAgent        string
	ipAddress        string
	screenResolution string
	timezone         string
	language         string
	platform         string
}

// DeviceFingerprint is a snapshot of everything known about a device.
type DeviceFingerprint struct {
	ID               string          `json:"id"`
	UserAgent        string          `json:"userAgent,omitempty"`
	IPAddress        string          `json:"ipAddress,omitempty"`
	ScreenResolution string          `json:"screenResolution,omitempty"`
	Timezone         string          `json:"timezone,omitempty"`
	Language         string          `json:"language,omitempty"`
	Platform         string          `json:"platform,omitempty"`
	FirstSeen        time.Time       `json:"firstSeen"`
	LastSeen         time.Time       `json:"lastSeen"`
	TransactionCount int             `json:"transactionCount"`
	TotalAmount      decimal.Decimal `json:"totalAmount"`
	Users            []string        `json:"users"`
	Trusted          bool            `json:"trusted"`
	Suspicious       bool            `json:"suspicious"`
}

// DeviceStats summarizes the device registry.
type DeviceStats struct {
	Devices    int `json:"devices"`
	Shared     int `json:"shared"`
	Users      int `json:"users"`
	Trusted    int `json:"trusted"`
	Suspicious int `json:"suspicious"`
}

// NewDevice creates the device signal.
func NewDevice(cfg domain.DeviceConfig, clock func() time.Time) *Device {
	def := domain.DefaultSignalsConfig().Device
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.SuspiciousDeviceThreshold <= 0 {
		cfg.SuspiciousDeviceThreshold = def.SuspiciousDeviceThreshold
	}
	if cfg.MaxDevicesPerUser <= 0 {
		cfg.MaxDevicesPerUser = def.MaxDevicesPerUser
	}
	if cfg.RapidChangeWindow <= 0 {
		cfg.RapidChangeWindow = def.RapidChangeWindow
	}
	return &Device{
		cfg:         cfg,
		devices:     window.New[deviceRecord](0).WithClock(clock),
		userDevices: newIdentityIndex(clock),
		flags:       newFlagSet(nil, nil),
		clock:       clock,
	}
}

// Kind implements Signal.
func (d *Device) Kind() Kind { return KindDevice }

// DeviceID returns the device identifier for tx: the explicit device id,
// or a hash of the user agent, address and fingerprint metadata. It
// returns "" when the transaction carries no device data at all.
func DeviceID(tx *domain.Transaction) string {
	if tx.DeviceID != "" {
		return tx.DeviceID
	}
	if tx.UserAgent == "" && tx.IPAddress == "" {
		return ""
	}
	parts := []string{
		orUnknown(tx.UserAgent),
		orUnknown(tx.IPAddress),
		orUnknown(tx.MetaString(MetaScreenResolution)),
		orUnknown(tx.MetaString(MetaTimezone)),
	}
	return fmt.Sprintf("device_%016x", xxhash.Sum64String(strings.Join(parts, "|")))
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func attrsOf(tx *domain.Transaction) deviceAttrs {
	return deviceAttrs{
		userAgent:        tx.UserAgent,
		ipAddress:        tx.IPAddress,
		screenResolution: tx.MetaString(MetaScreenResolution),
		timezone:         tx.MetaString(MetaTimezone),
		language:         tx.MetaString(MetaLanguage),
		platform:         tx.MetaString(MetaPlatform),
	}
}

// Score implements Signal.
func (d *Device) Score(ctx context.Context, tx *domain.Transaction) (float64, error) {
	id := DeviceID(tx)
	if id == "" {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := tx.Timestamp
	current := attrsOf(tx)
	trusted := d.flags.isTrusted(id)
	suspicious := d.flags.isSuspicious(id)
	userDeviceCount := d.userDevices.count(tx.UserID, now)

	var risk float64
	d.devices.Update(id, func(r *deviceRecord, exists bool) bool {
		switch {
		case !exists:
			r.core.init(now)
			if !trusted {
				if userDeviceCount >= d.cfg.MaxDevicesPerUser {
					risk += 0.6
				} else {
					risk += 0.3
				}
			}
		case !trusted:
			risk += d.mismatchRisk(r, current, now)
		}

		rate := r.core.rate(now, d.cfg.Window)
		switch {
		case rate > d.cfg.SuspiciousDeviceThreshold:
			risk += 0.4
		case rate > d.cfg.SuspiciousDeviceThreshold/2:
			risk += 0.2
		}

		if r.core.usersWith(tx.UserID) > 1 {
			risk += 0.5
		}
		if suspicious {
			risk += 0.5
		}

		r.attrs = current
		r.core.observe(tx.UserID, now, tx.Amount, d.cfg.Window)
		return true
	})
	d.userDevices.add(tx.UserID, id, now)

	return clamp01(risk), nil
}

func (d *Device) mismatchRisk(r *deviceRecord, current deviceAttrs, now time.Time) float64 {
	var risk float64
	if r.attrs.userAgent != current.userAgent {
		risk += 0.3
	}
	if r.attrs.ipAddress != current.ipAddress {
		risk += 0.2
	}
	if r.attrs.screenResolution != current.screenResolution {
		risk += 0.1
	}
	if r.attrs.timezone != current.timezone {
		risk += 0.1
	}
	if gap := now.Sub(r.core.lastSeen); gap > -d.cfg.RapidChangeWindow && gap < d.cfg.RapidChangeWindow {
		risk += 0.2
	}
	if risk > maxDeviceMismatchRisk {
		risk = maxDeviceMismatchRisk
	}
	return risk
}

// Fingerprint returns the device's profile.
func (d *Device) Fingerprint(id string) (*DeviceFingerprint, bool) {
	var fp *DeviceFingerprint
	d.devices.View(id, func(r *deviceRecord) {
		fp = &DeviceFingerprint{
			ID:               id,
			UserAgent:        r.attrs.userAgent,
			IPAddress:        r.attrs.ipAddress,
			ScreenResolution: r.attrs.screenResolution,
			Timezone:         r.attrs.timezone,
			Language:         r.attrs.language,
			Platform:         r.attrs.platform,
			FirstSeen:        r.core.firstSeen,
			LastSeen:         r.core.lastSeen,
			TransactionCount: r.core.count,
			TotalAmount:      r.core.total,
			Users:            sortedKeys(r.core.users),
		}
	})
	if fp == nil {
		return nil, false
	}
	fp.Trusted = d.flags.isTrusted(id)
	fp.Suspicious = d.flags.isSuspicious(id)
	return fp, true
}

// UserDevices returns the device ids seen for a user, sorted.
func (d *Device) UserDevices(userID string) []string {
	return d.userDevices.list(userID)
}

// Stats summarizes the registry.
func (d *Device) Stats() DeviceStats {
	var s DeviceStats
	d.devices.Range(func(_ string, r *deviceRecord) bool {
		s.Devices++
		if len(r.core.users) > 1 {
			s.Shared++
		}
		return true
	})
	s.Users = d.userDevices.store.Len()
	s.Trusted, s.Suspicious = d.flags.counts()
	return s
}

// MarkTrusted exempts a device from novelty and fingerprint drift risk.
func (d *Device) MarkTrusted(id string) { d.flags.markTrusted(id) }

// MarkSuspicious adds a fixed penalty to every transaction on the device.
func (d *Device) MarkSuspicious(id string) { d.flags.markSuspicious(id) }

func (d *Device) stores() []namedStore {
	return []namedStore{
		{name: "device_profiles", store: d.devices, sweep: d.devices, maxIdle: profileRetention},
		{name: "device_users", store: d.userDevices.store, sweep: d.userDevices.store, maxIdle: profileRetention},
	}
}

func (d *Device) reset() {
	d.devices.Reset()
	d.userDevices.store.Reset()
}
