package domain

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete Harrier configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier determines which collaborators back the service
	Tier Tier `json:"tier" yaml:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"event_bus"`
	Graph      GraphConfig      `json:"graph" yaml:"graph"`

	// Analysis thresholds and windows
	Analysis AnalysisConfig `json:"analysis" yaml:"analysis"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"write_timeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	ServiceName  string `json:"serviceName" yaml:"service_name"`
	ExporterType string `json:"exporterType" yaml:"exporter_type"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// AnalysisConfig carries the numeric contract of the correlation engine.
// Zero values fall back to the defaults in DefaultAnalysisConfig.
type AnalysisConfig struct {
	// DefaultRegion is the implicit country for phone numbers without a prefix.
	DefaultRegion string `json:"defaultRegion" yaml:"default_region"`

	// Timezone used to derive the local hour for night windows.
	Timezone string `json:"timezone" yaml:"timezone"`

	HalfLife            time.Duration `json:"halfLife" yaml:"half_life"`
	StayRadiusM         float64       `json:"stayRadiusM" yaml:"stay_radius_m"`
	MinStay             time.Duration `json:"minStay" yaml:"min_stay"`
	ColocationDistanceM float64       `json:"colocationDistanceM" yaml:"colocation_distance_m"`
	ColocationBucket    time.Duration `json:"colocationBucket" yaml:"colocation_bucket"`
	NightStartHour      int           `json:"nightStartHour" yaml:"night_start_hour"`
	NightEndHour        int           `json:"nightEndHour" yaml:"night_end_hour"`
	MinHotelOverlap     time.Duration `json:"minHotelOverlap" yaml:"min_hotel_overlap"`
	SafeHouseMinHits    int           `json:"safeHouseMinHits" yaml:"safe_house_min_hits"`
	SafeHouseLimit      int           `json:"safeHouseLimit" yaml:"safe_house_limit"`
	RelationshipLimit   int           `json:"relationshipLimit" yaml:"relationship_limit"`
	NameSimilarity      float64       `json:"nameSimilarity" yaml:"name_similarity"`

	// AlertThreshold is the case risk score (0-100) at which an alert is raised.
	AlertThreshold float64 `json:"alertThreshold" yaml:"alert_threshold"`

	// Sensitivity is the default multiplier tier: LOW, MEDIUM or HIGH.
	Sensitivity Sensitivity `json:"sensitivity" yaml:"sensitivity"`

	// StoreTimeout bounds every call into a collaborator.
	StoreTimeout time.Duration `json:"storeTimeout" yaml:"store_timeout"`

	// MaxWorkers bounds per-pair and per-identity fan-out.
	MaxWorkers int `json:"maxWorkers" yaml:"max_workers"`

	// BuildsPerMinute limits bulk builds per case. Zero disables the limit.
	BuildsPerMinute int64 `json:"buildsPerMinute" yaml:"builds_per_minute"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, in-process cache, channels and an in-memory graph
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis, NATS and Neo4j
	TierPro Tier = "pro"
)

// DefaultAnalysisConfig returns the reference thresholds.
func DefaultAnalysisConfig() AnalysisConfig {
	return AnalysisConfig{
		DefaultRegion:       "US",
		Timezone:            "UTC",
		HalfLife:            30 * 24 * time.Hour,
		StayRadiusM:         200,
		MinStay:             20 * time.Minute,
		ColocationDistanceM: 150,
		ColocationBucket:    10 * time.Minute,
		NightStartHour:      22,
		NightEndHour:        6,
		MinHotelOverlap:     30 * time.Minute,
		SafeHouseMinHits:    6,
		SafeHouseLimit:      20,
		RelationshipLimit:   50,
		NameSimilarity:      90,
		AlertThreshold:      40,
		Sensitivity:         SensitivityMedium,
		StoreTimeout:        5 * time.Second,
		MaxWorkers:          8,
		BuildsPerMinute:     30,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 60,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./harrier.db",
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
		Graph: GraphConfig{
			Driver: "memory",
		},
		Analysis: DefaultAnalysisConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "harrier",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "harrier",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
	}
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
	}
	cfg.Graph = GraphConfig{
		Driver:         "neo4j",
		URI:            "bolt://localhost:7687",
		Username:       "neo4j",
		MaxConnections: 50,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadConfig builds the configuration for the tier named by HARRIER_TIER,
// overlays the YAML file at path (if non-empty) and applies environment
// overrides last.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if Tier(os.Getenv("HARRIER_TIER")) == TierPro {
		cfg = ProConfig()
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Analysis = cfg.Analysis.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s must be an integer", ErrValidation, key)
		}
		*dst = n
		return nil
	}

	setString("HARRIER_HOST", &c.Server.Host)
	if err := setInt("HARRIER_PORT", &c.Server.Port); err != nil {
		return err
	}

	setString("HARRIER_SQLITE_PATH", &c.Repository.SQLitePath)
	setString("HARRIER_POSTGRES_HOST", &c.Repository.PostgresHost)
	if err := setInt("HARRIER_POSTGRES_PORT", &c.Repository.PostgresPort); err != nil {
		return err
	}
	setString("HARRIER_POSTGRES_USER", &c.Repository.PostgresUser)
	setString("HARRIER_POSTGRES_PASSWORD", &c.Repository.PostgresPassword)
	setString("HARRIER_POSTGRES_DB", &c.Repository.PostgresDB)
	setString("HARRIER_POSTGRES_SSLMODE", &c.Repository.PostgresSSLMode)

	setString("HARRIER_REDIS_ADDR", &c.Cache.RedisAddr)
	setString("HARRIER_REDIS_PASSWORD", &c.Cache.RedisPassword)

	setString("HARRIER_NATS_URL", &c.EventBus.NATSUrl)
	setString("HARRIER_NATS_TOKEN", &c.EventBus.NATSToken)

	setString("HARRIER_GRAPH_DRIVER", &c.Graph.Driver)
	setString("HARRIER_NEO4J_URI", &c.Graph.URI)
	setString("HARRIER_NEO4J_USER", &c.Graph.Username)
	setString("HARRIER_NEO4J_PASSWORD", &c.Graph.Password)
	setString("HARRIER_NEO4J_DATABASE", &c.Graph.Database)

	setString("HARRIER_DEFAULT_REGION", &c.Analysis.DefaultRegion)
	setString("HARRIER_TIMEZONE", &c.Analysis.Timezone)
	setString("HARRIER_LOG_LEVEL", &c.Logging.Level)
	setString("HARRIER_LOG_FORMAT", &c.Logging.Format)

	if v := os.Getenv("HARRIER_SENSITIVITY"); v != "" {
		c.Analysis.Sensitivity = Sensitivity(strings.ToUpper(v))
	}
	if os.Getenv("HARRIER_DEBUG") == "true" {
		c.Logging.Level = "debug"
	}
	return nil
}

// WithDefaults fills zero values from DefaultAnalysisConfig.
func (a AnalysisConfig) WithDefaults() AnalysisConfig {
	d := DefaultAnalysisConfig()
	if a.DefaultRegion == "" {
		a.DefaultRegion = d.DefaultRegion
	}
	if a.Timezone == "" {
		a.Timezone = d.Timezone
	}
	if a.HalfLife <= 0 {
		a.HalfLife = d.HalfLife
	}
	if a.StayRadiusM <= 0 {
		a.StayRadiusM = d.StayRadiusM
	}
	if a.MinStay <= 0 {
		a.MinStay = d.MinStay
	}
	if a.ColocationDistanceM <= 0 {
		a.ColocationDistanceM = d.ColocationDistanceM
	}
	if a.ColocationBucket <= 0 {
		a.ColocationBucket = d.ColocationBucket
	}
	if a.NightStartHour == 0 && a.NightEndHour == 0 {
		a.NightStartHour, a.NightEndHour = d.NightStartHour, d.NightEndHour
	}
	if a.MinHotelOverlap <= 0 {
		a.MinHotelOverlap = d.MinHotelOverlap
	}
	if a.SafeHouseMinHits <= 0 {
		a.SafeHouseMinHits = d.SafeHouseMinHits
	}
	if a.SafeHouseLimit <= 0 {
		a.SafeHouseLimit = d.SafeHouseLimit
	}
	if a.RelationshipLimit <= 0 {
		a.RelationshipLimit = d.RelationshipLimit
	}
	if a.NameSimilarity <= 0 {
		a.NameSimilarity = d.NameSimilarity
	}
	if a.AlertThreshold <= 0 {
		a.AlertThreshold = d.AlertThreshold
	}
	if a.Sensitivity == "" {
		a.Sensitivity = d.Sensitivity
	}
	if a.StoreTimeout <= 0 {
		a.StoreTimeout = d.StoreTimeout
	}
	if a.MaxWorkers <= 0 {
		a.MaxWorkers = d.MaxWorkers
	}
	return a
}

// Location resolves the configured timezone, falling back to UTC.
func (a AnalysisConfig) Location() *time.Location {
	if a.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NightWindow returns the configured night window.
func (a AnalysisConfig) NightWindow() NightWindow {
	return NightWindow{StartHour: a.NightStartHour, EndHour: a.NightEndHour}
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d out of range", ErrValidation, c.Server.Port)
	}
	if !c.Analysis.Sensitivity.Valid() {
		return fmt.Errorf("%w: unknown sensitivity %q", ErrValidation, c.Analysis.Sensitivity)
	}
	nw := c.Analysis.NightWindow()
	if nw.StartHour < 0 || nw.StartHour > 23 || nw.EndHour < 0 || nw.EndHour > 23 {
		return fmt.Errorf("%w: night window hours must be in [0,23]", ErrValidation)
	}
	if _, err := time.LoadLocation(c.Analysis.Timezone); err != nil {
		return fmt.Errorf("%w: timezone %q: %v", ErrValidation, c.Analysis.Timezone, err)
	}
	return nil
}
