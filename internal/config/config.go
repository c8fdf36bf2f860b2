package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Storage  StorageConfig  `yaml:"storage"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Sync     SyncConfig     `yaml:"sync"`
	Game     GameSettings   `yaml:"game"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// StorageConfig selects the record store backend
type StorageConfig struct {
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlite_path"`
}

// RedisConfig holds Redis connection configuration for the rank index
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// KafkaConfig holds Kafka connection configuration for attempt ingestion
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	GroupID      string        `yaml:"group_id"`
	Enabled      bool          `yaml:"enabled"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// SyncConfig holds rank index rebuild worker configuration
type SyncConfig struct {
	Interval time.Duration `yaml:"interval"`
	Enabled  bool          `yaml:"enabled"`
}

// GameSettings is the YAML form of the game rules
type GameSettings struct {
	Cooldown        time.Duration `yaml:"cooldown"`
	MinDelta        int64         `yaml:"min_delta"`
	MaxDelta        int64         `yaml:"max_delta"`
	TimestampLayout string        `yaml:"timestamp_layout"`
	SentinelPlayed  string        `yaml:"sentinel_last_played"`
	TopLimit        int           `yaml:"top_limit"`
}

// GameConfig is the immutable rule set handed to the engine. Build it with Game().
type GameConfig struct {
	cooldown time.Duration
	minDelta int64
	maxDelta int64
	layout   string
	sentinel string
	topLimit int
}

// Cooldown is the window that must elapse between played attempts in a scope
func (g GameConfig) Cooldown() time.Duration { return g.cooldown }

// MinDelta is the inclusive lower bound of a single draw
func (g GameConfig) MinDelta() int64 { return g.minDelta }

// MaxDelta is the inclusive upper bound of a single draw
func (g GameConfig) MaxDelta() int64 { return g.maxDelta }

// SentinelLastPlayed is the persisted default for a fresh scope record
func (g GameConfig) SentinelLastPlayed() string { return g.sentinel }

// TopLimit is the default size of a top list
func (g GameConfig) TopLimit() int { return g.topLimit }

// FormatTime renders t in the persisted layout, in UTC
func (g GameConfig) FormatTime(t time.Time) string {
	return t.UTC().Format(g.layout)
}

// ParseTime parses a persisted timestamp as UTC
func (g GameConfig) ParseTime(value string) (time.Time, error) {
	return time.ParseInLocation(g.layout, value, time.UTC)
}

// Game validates the settings and freezes them into a GameConfig
func (s GameSettings) Game() (GameConfig, error) {
	if s.Cooldown <= 0 {
		return GameConfig{}, errors.New("game cooldown must be positive")
	}
	if s.MinDelta > s.MaxDelta {
		return GameConfig{}, fmt.Errorf("game min_delta %d exceeds max_delta %d", s.MinDelta, s.MaxDelta)
	}
	if s.MinDelta == 0 && s.MaxDelta == 0 {
		return GameConfig{}, errors.New("game delta range must contain a non-zero value")
	}
	if s.TopLimit <= 0 {
		return GameConfig{}, errors.New("game top_limit must be positive")
	}
	if s.TimestampLayout == "" {
		return GameConfig{}, errors.New("game timestamp_layout is required")
	}
	if _, err := time.ParseInLocation(s.TimestampLayout, s.SentinelPlayed, time.UTC); err != nil {
		return GameConfig{}, fmt.Errorf("parsing sentinel_last_played: %w", err)
	}
	return GameConfig{
		cooldown: s.Cooldown,
		minDelta: s.MinDelta,
		maxDelta: s.MaxDelta,
		layout:   s.TimestampLayout,
		sentinel: s.SentinelPlayed,
		topLimit: s.TopLimit,
	}, nil
}

// DefaultGameSettings returns the stock rule set: one roll per 24h, -5..+10
func DefaultGameSettings() GameSettings {
	return GameSettings{
		Cooldown:        24 * time.Hour,
		MinDelta:        -5,
		MaxDelta:        10,
		TimestampLayout: "2006-01-02 15:04:05",
		SentinelPlayed:  "2000-01-01 00:00:00",
		TopLimit:        10,
	}
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints after defaults are applied
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if _, err := c.Game.Game(); err != nil {
		return fmt.Errorf("invalid game config: %w", err)
	}
	return nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	// Storage defaults
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverSQLite
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "database.db"
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 2
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 10
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 1
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "attempt-requests"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "size-ruler"
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = 50
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = 500 * time.Millisecond
	}

	// Sync defaults
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 30 * time.Minute
	}

	// Game defaults
	def := DefaultGameSettings()
	if c.Game.Cooldown == 0 {
		c.Game.Cooldown = def.Cooldown
	}
	if c.Game.MinDelta == 0 && c.Game.MaxDelta == 0 {
		c.Game.MinDelta = def.MinDelta
		c.Game.MaxDelta = def.MaxDelta
	}
	if c.Game.TimestampLayout == "" {
		c.Game.TimestampLayout = def.TimestampLayout
	}
	if c.Game.SentinelPlayed == "" {
		c.Game.SentinelPlayed = def.SentinelPlayed
	}
	if c.Game.TopLimit == 0 {
		c.Game.TopLimit = def.TopLimit
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Sync.Enabled = true
	return cfg
}
