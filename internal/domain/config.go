package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Tier selects infrastructure defaults.
	Tier Tier `json:"tier"`

	// Server settings for the operational HTTP endpoints.
	Server ServerConfig `json:"server"`

	// Detector and signal settings
	Detector DetectorConfig `json:"detector"`
	Signals  SignalsConfig  `json:"signals"`
	GeoIP    GeoIPConfig    `json:"geoip"`

	// Component configurations
	Cache    CacheConfig    `json:"cache"`
	EventBus EventBusConfig `json:"eventBus"`
	Worker   WorkerConfig   `json:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// DetectorConfig controls rule registration and aggregation.
type DetectorConfig struct {
	// Rules names the rules to enable, drawn from SignalNames.
	Rules []string `json:"rules"`

	// Thresholds overrides the default threshold per rule.
	Thresholds map[string]float64 `json:"thresholds"`

	// GlobalThreshold is the aggregate score at or above which a
	// transaction is reported as fraudulent.
	GlobalThreshold float64 `json:"globalThreshold"`

	// EnableLogging logs every analysis at info level.
	EnableLogging bool `json:"enableLogging"`

	// CustomRules are appended to the default registry, or replace a
	// default rule with the same name.
	CustomRules []DetectionRule `json:"customRules,omitempty"`

	// SignalTimeout bounds each signal invocation.
	SignalTimeout time.Duration `json:"signalTimeout"`

	// MaxWorkers bounds concurrent signal invocations per analysis.
	MaxWorkers int `json:"maxWorkers"`

	// SweepInterval runs proactive eviction of idle entity state.
	// Zero disables the background sweep.
	SweepInterval time.Duration `json:"sweepInterval"`
}

// SignalsConfig groups the per-signal settings.
type SignalsConfig struct {
	Velocity   VelocityConfig   `json:"velocity"`
	Amount     AmountConfig     `json:"amount"`
	Location   LocationConfig   `json:"location"`
	Device     DeviceConfig     `json:"device"`
	Network    NetworkConfig    `json:"network"`
	Merchant   MerchantConfig   `json:"merchant"`
	Time       TimeConfig       `json:"time"`
	Behavioral BehavioralConfig `json:"behavioral"`
	Model      ModelConfig      `json:"model"`
}

// VelocityConfig configures the spending velocity signal.
type VelocityConfig struct {
	Window          time.Duration `json:"window"`
	MaxTransactions int           `json:"maxTransactions"`
	MaxAmount       float64       `json:"maxAmount"`
}

// AmountConfig configures the amount magnitude signal.
type AmountConfig struct {
	SuspiciousThreshold float64            `json:"suspiciousThreshold"`
	HighRiskThreshold   float64            `json:"highRiskThreshold"`
	CurrencyMultipliers map[string]float64 `json:"currencyMultipliers"`
}

// LocationConfig configures the geographic plausibility signal.
type LocationConfig struct {
	MaxDistanceKm        float64       `json:"maxDistanceKm"`
	SuspiciousDistanceKm float64       `json:"suspiciousDistanceKm"`
	Window               time.Duration `json:"window"`
	EnableGeofencing     bool          `json:"enableGeofencing"`
	TrustedLocations     []Location    `json:"trustedLocations,omitempty"`
	MaxHistory           int           `json:"maxHistory"`
}

// DeviceConfig configures the device reputation signal.
type DeviceConfig struct {
	Window time.Duration `json:"window"`

	// SuspiciousDeviceThreshold is the transactions-per-minute rate on a
	// single device considered high risk.
	SuspiciousDeviceThreshold float64 `json:"suspiciousDeviceThreshold"`

	MaxDevicesPerUser int           `json:"maxDevicesPerUser"`
	RapidChangeWindow time.Duration `json:"rapidChangeWindow"`
}

// NetworkConfig configures the network address reputation signal.
type NetworkConfig struct {
	SuspiciousCountries []string      `json:"suspiciousCountries"`
	TrustedCountries    []string      `json:"trustedCountries"`
	SuspiciousASNs      []string      `json:"suspiciousAsns"`
	SuspiciousIPs       []string      `json:"suspiciousIps,omitempty"`
	TrustedIPs          []string      `json:"trustedIps,omitempty"`
	MaxUsersPerIP       int           `json:"maxUsersPerIp"`
	MaxIPsPerUser       int           `json:"maxIpsPerUser"`
	Window              time.Duration `json:"window"`
}

// MerchantConfig configures the merchant reputation signal.
type MerchantConfig struct {
	SuspiciousMerchants        []string           `json:"suspiciousMerchants,omitempty"`
	TrustedMerchants           []string           `json:"trustedMerchants,omitempty"`
	HighRiskCategories         []string           `json:"highRiskCategories"`
	CategoryRisk               map[string]float64 `json:"categoryRisk"`
	Window                     time.Duration      `json:"window"`
	MaxTransactionsPerMerchant int                `json:"maxTransactionsPerMerchant"`
}

// TimeConfig configures the temporal pattern signal.
type TimeConfig struct {
	SuspiciousHours        []int   `json:"suspiciousHours"`
	WeekendMultiplier      float64 `json:"weekendMultiplier"`
	HolidayMultiplier      float64 `json:"holidayMultiplier"`
	TimezoneThresholdHours float64 `json:"timezoneThresholdHours"`
	MaxPatterns            int     `json:"maxPatterns"`

	// Holidays adds custom dates, as "MM-DD" (every year) or "YYYY-MM-DD".
	Holidays []string `json:"holidays,omitempty"`
}

// BehavioralConfig configures the profile drift signal.
type BehavioralConfig struct {
	Retention       time.Duration `json:"retention"`
	MaxLocations    int           `json:"maxLocations"`
	ClusterRadiusKm float64       `json:"clusterRadiusKm"`
	MinHistory      int           `json:"minHistory"`
}

// ModelConfig configures the model-based signal.
type ModelConfig struct {
	RetrainInterval time.Duration `json:"retrainInterval"`
	MinSamples      int           `json:"minSamples"`
	MaxSamples      int           `json:"maxSamples"`

	// FallbackScore is the anomaly score reported before the first fit.
	FallbackScore float64 `json:"fallbackScore"`
}

// GeoIPConfig selects how network addresses are resolved to locations.
type GeoIPConfig struct {
	// Type is "static" (built-in prefix table) or "maxmind".
	Type string `json:"type"`

	CityDBPath      string `json:"cityDbPath,omitempty"`
	ASNDBPath       string `json:"asnDbPath,omitempty"`
	AnonymousDBPath string `json:"anonymousDbPath,omitempty"`

	// CacheTTL controls how long lookups are cached. Zero disables caching.
	CacheTTL time.Duration `json:"cacheTtl"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Enabled      bool   `json:"enabled"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// WorkerConfig controls the bus consumer that analyzes ingested
// transactions.
type WorkerConfig struct {
	Enabled     bool   `json:"enabled"`
	Topic       string `json:"topic"`
	Concurrency int    `json:"concurrency"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`

	// Endpoint is the OTLP gRPC collector address. Empty keeps spans local.
	Endpoint string `json:"endpoint,omitempty"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs fully in-process: LRU cache and channel bus.
	TierCommunity Tier = "community"

	// TierPro uses Redis for the cache and NATS for the event bus.
	TierPro Tier = "pro"
)

// DefaultRules lists the rules enabled by DefaultConfig. The model-based
// rule is opt-in because it scores from a fallback until it has been fitted.
func DefaultRules() []string {
	return []string{
		string(SignalVelocity),
		string(SignalAmount),
		string(SignalLocation),
		string(SignalDevice),
		string(SignalTime),
		string(SignalMerchant),
		string(SignalBehavioral),
		string(SignalNetwork),
	}
}

// DefaultSignalsConfig returns the built-in per-signal settings.
func DefaultSignalsConfig() SignalsConfig {
	return SignalsConfig{
		Velocity: VelocityConfig{
			Window:          60 * time.Minute,
			MaxTransactions: 10,
			MaxAmount:       5000,
		},
		Amount: AmountConfig{
			SuspiciousThreshold: 1000,
			HighRiskThreshold:   5000,
			CurrencyMultipliers: map[string]float64{
				"USD": 1.0,
				"EUR": 1.1,
				"GBP": 1.3,
				"JPY": 0.007,
			},
		},
		Location: LocationConfig{
			MaxDistanceKm:        1000,
			SuspiciousDistanceKm: 100,
			Window:               60 * time.Minute,
			MaxHistory:           100,
		},
		Device: DeviceConfig{
			Window:                    60 * time.Minute,
			SuspiciousDeviceThreshold: 5,
			MaxDevicesPerUser:         5,
			RapidChangeWindow:         time.Minute,
		},
		Network: NetworkConfig{
			SuspiciousCountries: []string{"XX", "ZZ"},
			TrustedCountries:    []string{"US", "CA", "GB", "DE", "FR"},
			SuspiciousASNs:      []string{"AS12345", "AS67890"},
			MaxUsersPerIP:       10,
			MaxIPsPerUser:       10,
			Window:              60 * time.Minute,
		},
		Merchant: MerchantConfig{
			HighRiskCategories: []string{"gambling", "adult", "cash_advance", "cryptocurrency"},
			CategoryRisk: map[string]float64{
				"electronics":  0.3,
				"grocery":      0.1,
				"gas":          0.2,
				"restaurant":   0.2,
				"travel":       0.6,
				"gambling":     0.8,
				"adult":        0.9,
				"pharmacy":     0.4,
				"jewelry":      0.7,
				"cash_advance": 0.9,
			},
			Window:                     60 * time.Minute,
			MaxTransactionsPerMerchant: 20,
		},
		Time: TimeConfig{
			SuspiciousHours:        []int{0, 1, 2, 3, 4, 5, 22, 23},
			WeekendMultiplier:      1.2,
			HolidayMultiplier:      1.5,
			TimezoneThresholdHours: 8,
			MaxPatterns:            100,
		},
		Behavioral: BehavioralConfig{
			Retention:       30 * 24 * time.Hour,
			MaxLocations:    10,
			ClusterRadiusKm: 1,
			MinHistory:      3,
		},
		Model: ModelConfig{
			RetrainInterval: 24 * time.Hour,
			MinSamples:      100,
			MaxSamples:      10000,
		},
	}
}

// DefaultConfig returns a default configuration for the Community tier.
func DefaultConfig() *Config {
	return &Config{
		Tier: TierCommunity,
		Server: ServerConfig{
			Enabled:      true,
			Host:         "0.0.0.0",
			Port:         9090,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Detector: DetectorConfig{
			Rules:           DefaultRules(),
			Thresholds:      map[string]float64{},
			GlobalThreshold: 0.7,
			SignalTimeout:   250 * time.Millisecond,
			MaxWorkers:      len(SignalNames),
			SweepInterval:   5 * time.Minute,
		},
		Signals: DefaultSignalsConfig(),
		GeoIP: GeoIPConfig{
			Type:     "static",
			CacheTTL: time.Hour,
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Worker: WorkerConfig{
			Topic:       TopicTransactionIngested,
			Concurrency: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for the Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "kestrel-workers",
	}
	cfg.Worker.Enabled = true
	cfg.Worker.Concurrency = 8
	cfg.Tracing.Enabled = true
	return cfg
}
