// Package config loads Kestrel configuration from a .env file and
// KESTREL_* environment variables on top of the tier defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultEnvFile is read by Load when no file is named.
const DefaultEnvFile = ".env"

// Load reads envFile (DefaultEnvFile when empty) into the process
// environment, then builds the configuration. A missing file is not an
// error; variables already set in the environment win over the file.
func Load(envFile string) (*domain.Config, error) {
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the current environment.
func FromEnv() (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if strings.EqualFold(getEnv("KESTREL_TIER", ""), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	cfg.Server.Enabled = getEnvBool("KESTREL_SERVER_ENABLED", cfg.Server.Enabled)
	cfg.Server.Host = getEnv("KESTREL_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("KESTREL_PORT", cfg.Server.Port)

	cfg.Logging.Level = getEnv("KESTREL_LOG_LEVEL", cfg.Logging.Level)
	if getEnvBool("KESTREL_DEBUG", false) {
		cfg.Logging.Level = "debug"
	}
	cfg.Logging.Format = getEnv("KESTREL_LOG_FORMAT", cfg.Logging.Format)
	cfg.Tracing.Enabled = getEnvBool("KESTREL_TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.ServiceName = getEnv("KESTREL_SERVICE_NAME", cfg.Tracing.ServiceName)
	cfg.Tracing.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.Endpoint)
	cfg.Tracing.Endpoint = getEnv("KESTREL_OTLP_ENDPOINT", cfg.Tracing.Endpoint)

	det := &cfg.Detector
	if rules := getEnvList("KESTREL_RULES"); rules != nil {
		det.Rules = rules
	}
	for name, t := range getEnvFloatMap("KESTREL_THRESHOLDS") {
		det.Thresholds[name] = t
	}
	det.GlobalThreshold = getEnvFloat("KESTREL_GLOBAL_THRESHOLD", det.GlobalThreshold)
	det.EnableLogging = getEnvBool("KESTREL_ENABLE_LOGGING", det.EnableLogging)
	det.SignalTimeout = getEnvDuration("KESTREL_SIGNAL_TIMEOUT", det.SignalTimeout)
	det.MaxWorkers = getEnvInt("KESTREL_MAX_WORKERS", det.MaxWorkers)
	det.SweepInterval = getEnvDuration("KESTREL_SWEEP_INTERVAL", det.SweepInterval)
	if raw := getEnv("KESTREL_CUSTOM_RULES", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &det.CustomRules); err != nil {
			return nil, fmt.Errorf("KESTREL_CUSTOM_RULES: %w", err)
		}
	}

	sig := &cfg.Signals
	sig.Velocity.Window = getEnvDuration("KESTREL_VELOCITY_WINDOW", sig.Velocity.Window)
	sig.Velocity.MaxTransactions = getEnvInt("KESTREL_VELOCITY_MAX_TRANSACTIONS", sig.Velocity.MaxTransactions)
	sig.Velocity.MaxAmount = getEnvFloat("KESTREL_VELOCITY_MAX_AMOUNT", sig.Velocity.MaxAmount)
	sig.Amount.SuspiciousThreshold = getEnvFloat("KESTREL_AMOUNT_SUSPICIOUS", sig.Amount.SuspiciousThreshold)
	sig.Amount.HighRiskThreshold = getEnvFloat("KESTREL_AMOUNT_HIGH_RISK", sig.Amount.HighRiskThreshold)
	sig.Location.MaxDistanceKm = getEnvFloat("KESTREL_LOCATION_MAX_DISTANCE_KM", sig.Location.MaxDistanceKm)
	sig.Location.EnableGeofencing = getEnvBool("KESTREL_LOCATION_GEOFENCING", sig.Location.EnableGeofencing)
	sig.Device.MaxDevicesPerUser = getEnvInt("KESTREL_DEVICE_MAX_PER_USER", sig.Device.MaxDevicesPerUser)
	if v := getEnvList("KESTREL_SUSPICIOUS_COUNTRIES"); v != nil {
		sig.Network.SuspiciousCountries = v
	}
	if v := getEnvList("KESTREL_TRUSTED_COUNTRIES"); v != nil {
		sig.Network.TrustedCountries = v
	}
	sig.Network.SuspiciousIPs = append(sig.Network.SuspiciousIPs, getEnvList("KESTREL_SUSPICIOUS_IPS")...)
	sig.Network.TrustedIPs = append(sig.Network.TrustedIPs, getEnvList("KESTREL_TRUSTED_IPS")...)
	sig.Merchant.SuspiciousMerchants = append(sig.Merchant.SuspiciousMerchants, getEnvList("KESTREL_SUSPICIOUS_MERCHANTS")...)
	sig.Merchant.TrustedMerchants = append(sig.Merchant.TrustedMerchants, getEnvList("KESTREL_TRUSTED_MERCHANTS")...)
	sig.Time.Holidays = append(sig.Time.Holidays, getEnvList("KESTREL_HOLIDAYS")...)
	sig.Model.MinSamples = getEnvInt("KESTREL_MODEL_MIN_SAMPLES", sig.Model.MinSamples)
	sig.Model.RetrainInterval = getEnvDuration("KESTREL_MODEL_RETRAIN_INTERVAL", sig.Model.RetrainInterval)

	cfg.GeoIP.Type = getEnv("KESTREL_GEOIP_TYPE", cfg.GeoIP.Type)
	cfg.GeoIP.CityDBPath = getEnv("KESTREL_GEOIP_CITY_DB", cfg.GeoIP.CityDBPath)
	cfg.GeoIP.ASNDBPath = getEnv("KESTREL_GEOIP_ASN_DB", cfg.GeoIP.ASNDBPath)
	cfg.GeoIP.AnonymousDBPath = getEnv("KESTREL_GEOIP_ANONYMOUS_DB", cfg.GeoIP.AnonymousDBPath)
	cfg.GeoIP.CacheTTL = getEnvDuration("KESTREL_GEOIP_CACHE_TTL", cfg.GeoIP.CacheTTL)

	cfg.Cache.Type = getEnv("KESTREL_CACHE_TYPE", cfg.Cache.Type)
	cfg.Cache.RedisAddr = getEnv("KESTREL_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = getEnv("KESTREL_REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.RedisDB = getEnvInt("KESTREL_REDIS_DB", cfg.Cache.RedisDB)

	cfg.EventBus.Type = getEnv("KESTREL_BUS_TYPE", cfg.EventBus.Type)
	cfg.EventBus.NATSUrl = getEnv("KESTREL_NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = getEnv("KESTREL_NATS_TOKEN", cfg.EventBus.NATSToken)
	cfg.EventBus.NATSQueueGroup = getEnv("KESTREL_NATS_QUEUE_GROUP", cfg.EventBus.NATSQueueGroup)

	cfg.Worker.Enabled = getEnvBool("KESTREL_WORKER_ENABLED", cfg.Worker.Enabled)
	cfg.Worker.Topic = getEnv("KESTREL_WORKER_TOPIC", cfg.Worker.Topic)
	cfg.Worker.Concurrency = getEnvInt("KESTREL_WORKER_CONCURRENCY", cfg.Worker.Concurrency)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func Validate(cfg *domain.Config) error {
	if g := cfg.Detector.GlobalThreshold; g < 0 || g > 1 {
		return fmt.Errorf("global threshold: %w: got %v", domain.ErrInvalidThreshold, g)
	}
	for name, t := range cfg.Detector.Thresholds {
		if t < 0 || t > 1 {
			return fmt.Errorf("threshold for %s: %w: got %v", name, domain.ErrInvalidThreshold, t)
		}
	}
	if cfg.Server.Enabled && (cfg.Server.Port <= 0 || cfg.Server.Port > 65535) {
		return fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported cache type: %s", cfg.Cache.Type)
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		return fmt.Errorf("unsupported event bus type: %s", cfg.EventBus.Type)
	}
	switch cfg.GeoIP.Type {
	case "static":
	case "maxmind":
		if cfg.GeoIP.CityDBPath == "" {
			return fmt.Errorf("maxmind geoip requires KESTREL_GEOIP_CITY_DB")
		}
	default:
		return fmt.Errorf("unsupported geoip type: %s", cfg.GeoIP.Type)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("ignoring invalid integer", "key", key, "value", value)
		return defaultValue
	}
	return i
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		slog.Warn("ignoring invalid number", "key", key, "value", value)
		return defaultValue
	}
	return f
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		slog.Warn("ignoring invalid boolean", "key", key, "value", value)
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("ignoring invalid duration", "key", key, "value", value)
		return defaultValue
	}
	return d
}

// getEnvList splits a comma-separated variable. It returns nil when unset.
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvFloatMap parses "name=value" pairs separated by commas.
func getEnvFloatMap(key string) map[string]float64 {
	out := make(map[string]float64)
	for _, pair := range getEnvList(key) {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			slog.Warn("ignoring malformed pair", "key", key, "pair", pair)
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			slog.Warn("ignoring invalid number", "key", key, "pair", pair)
			continue
		}
		out[strings.TrimSpace(name)] = f
	}
	return out
}
