// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Redis, Kafka, Grid, Matcher, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Grid     GridConfig     `yaml:"grid"`
	Matcher  MatcherConfig  `yaml:"matcher"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters for the grid-cell
// table.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig holds connection parameters for the projection cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	MatchRequests string `yaml:"matchRequests"`
	MatchResults  string `yaml:"matchResults"`
	GridRefresh   string `yaml:"gridRefresh"`
}

// GridConfig controls the geospatial partition index.
type GridConfig struct {
	// ClusterDivisor corrects inter-cell distance for intra-cell clustering
	// when neither side has a precise location.
	ClusterDivisor  float64       `yaml:"clusterDivisor"`
	DefaultRadiusKm float64       `yaml:"defaultRadiusKm"`
	LoadTimeout     time.Duration `yaml:"loadTimeout"`
	LoadRetries     int           `yaml:"loadRetries"`
}

// MatcherConfig controls the matching engine's tunables.
type MatcherConfig struct {
	DefaultMaxDistanceKm float64       `yaml:"defaultMaxDistanceKm"`
	MinAge               int           `yaml:"minAge"`
	MaxAge               int           `yaml:"maxAge"`
	// MaxAgeSentinel and above in a filter means "no upper bound".
	MaxAgeSentinel  int           `yaml:"maxAgeSentinel"`
	TravelSpeedKmh  float64       `yaml:"travelSpeedKmh"`
	ArrivalBuffer   time.Duration `yaml:"arrivalBuffer"`
	DefaultWindow   time.Duration `yaml:"defaultWindow"`
	ScoreTiers      []float64     `yaml:"scoreTiers"`
	Workers         int           `yaml:"workers"`
	RequestBuffer   int           `yaml:"requestBuffer"`
	DefaultLimit    int           `yaml:"defaultLimit"`
	MaxCandidates   int           `yaml:"maxCandidates"`
	SectionParallel int           `yaml:"sectionParallel"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "matchengine",
			User:            "matchengine",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 20,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "matchengine-group",
			Topics: KafkaTopics{
				MatchRequests: "match.requests",
				MatchResults:  "match.results",
				GridRefresh:   "grid.refresh",
			},
		},
		Grid: GridConfig{
			ClusterDivisor:  3,
			DefaultRadiusKm: 50,
			LoadTimeout:     30 * time.Second,
			LoadRetries:     3,
		},
		Matcher: MatcherConfig{
			DefaultMaxDistanceKm: 32.19, // 20 miles
			MinAge:               18,
			MaxAge:               99,
			MaxAgeSentinel:       99,
			TravelSpeedKmh:       48,
			ArrivalBuffer:        15 * time.Minute,
			DefaultWindow:        60 * time.Minute,
			ScoreTiers:           []float64{100, 300, 600},
			Workers:              8,
			RequestBuffer:        256,
			DefaultLimit:         100,
			MaxCandidates:        50000,
			SectionParallel:      4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// validate rejects configurations the engine cannot run with.
func validate(cfg *Config) error {
	if cfg.Grid.ClusterDivisor <= 0 {
		return fmt.Errorf("grid.clusterDivisor must be positive, got %v", cfg.Grid.ClusterDivisor)
	}
	if cfg.Matcher.TravelSpeedKmh <= 0 {
		return fmt.Errorf("matcher.travelSpeedKmh must be positive, got %v", cfg.Matcher.TravelSpeedKmh)
	}
	if cfg.Matcher.MinAge < 0 || cfg.Matcher.MaxAge < cfg.Matcher.MinAge {
		return fmt.Errorf("matcher age range invalid: min=%d max=%d", cfg.Matcher.MinAge, cfg.Matcher.MaxAge)
	}
	if cfg.Matcher.Workers <= 0 {
		return fmt.Errorf("matcher.workers must be positive, got %d", cfg.Matcher.Workers)
	}
	for i := 1; i < len(cfg.Matcher.ScoreTiers); i++ {
		if cfg.Matcher.ScoreTiers[i] <= cfg.Matcher.ScoreTiers[i-1] {
			return fmt.Errorf("matcher.scoreTiers must be strictly ascending")
		}
	}
	return nil
}

// applyEnvOverrides reads ME_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ME_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ME_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("ME_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("ME_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("ME_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("ME_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("ME_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("ME_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ME_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ME_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("ME_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ME_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("ME_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
