package detector

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/signals"
)

// VelocityStats summarizes a user's transactions over the trailing span.
func (d *Detector) VelocityStats(userID string, span time.Duration) signals.VelocityStats {
	return d.signals.Velocity.Stats(userID, span)
}

// IsSuspiciousAmount reports whether amount reaches the suspicious
// threshold once converted to the base currency.
func (d *Detector) IsSuspiciousAmount(amount decimal.Decimal, currency string) bool {
	return d.signals.Amount.IsSuspicious(amount, currency)
}

// IsHighRiskAmount reports whether amount reaches the high-risk threshold.
func (d *Detector) IsHighRiskAmount(amount decimal.Decimal, currency string) bool {
	return d.signals.Amount.IsHighRisk(amount, currency)
}

// AmountRiskLevel returns "low", "medium" or "high".
func (d *Detector) AmountRiskLevel(amount decimal.Decimal, currency string) string {
	return d.signals.Amount.RiskLevel(amount, currency)
}

// IsImpossibleTravel reports whether moving from a to b within elapsed
// requires a faster than plausible speed.
func (d *Detector) IsImpossibleTravel(a, b domain.Location, elapsed time.Duration) bool {
	return d.signals.Location.IsImpossibleTravel(a, b, elapsed)
}

// DeviceFingerprint returns the recorded profile for a device id.
func (d *Detector) DeviceFingerprint(deviceID string) (*signals.DeviceFingerprint, error) {
	fp, ok := d.signals.Device.Fingerprint(deviceID)
	if !ok {
		return nil, fmt.Errorf("device %s: %w", deviceID, domain.ErrNotFound)
	}
	return fp, nil
}

// UserDevices lists the device ids seen for a user.
func (d *Detector) UserDevices(userID string) []string {
	return d.signals.Device.UserDevices(userID)
}

// MerchantProfile returns the recorded profile for a merchant.
func (d *Detector) MerchantProfile(merchantID string) (*signals.MerchantProfile, error) {
	p, ok := d.signals.Merchant.Profile(merchantID)
	if !ok {
		return nil, fmt.Errorf("merchant %s: %w", merchantID, domain.ErrNotFound)
	}
	return p, nil
}

// IPProfile returns the recorded profile for a network address.
func (d *Detector) IPProfile(ip string) (*signals.IPProfile, error) {
	p, ok := d.signals.Network.Profile(ip)
	if !ok {
		return nil, fmt.Errorf("ip %s: %w", ip, domain.ErrNotFound)
	}
	return p, nil
}

// UserIPs lists the network addresses seen for a user.
func (d *Detector) UserIPs(userID string) []string {
	return d.signals.Network.UserIPs(userID)
}

// BehaviorProfile returns a user's learned behavior.
func (d *Detector) BehaviorProfile(userID string) (*signals.BehaviorProfile, error) {
	p, ok := d.signals.Behavioral.Profile(userID)
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	return p, nil
}

func (d *Detector) MarkDeviceTrusted(deviceID string)    { d.signals.Device.MarkTrusted(deviceID) }
func (d *Detector) MarkDeviceSuspicious(deviceID string) { d.signals.Device.MarkSuspicious(deviceID) }

func (d *Detector) MarkMerchantTrusted(merchantID string) { d.signals.Merchant.MarkTrusted(merchantID) }
func (d *Detector) MarkMerchantSuspicious(merchantID string) {
	d.signals.Merchant.MarkSuspicious(merchantID)
}

func (d *Detector) MarkIPTrusted(ip string)    { d.signals.Network.MarkTrusted(ip) }
func (d *Detector) MarkIPSuspicious(ip string) { d.signals.Network.MarkSuspicious(ip) }
