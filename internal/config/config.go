// Package config provides configuration loading for the Agora off-chain services.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Arena      ArenaConfig      `mapstructure:"arena"`
	Influence  InfluenceConfig  `mapstructure:"influence"`
	Moderation ModerationConfig `mapstructure:"moderation"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"` // dev, staging, prod
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration (API rate limiting).
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LedgerConfig holds chain access and ingestion configuration.
type LedgerConfig struct {
	RPCURL           string        `mapstructure:"rpc_url"`
	ArtifactAddress  string        `mapstructure:"artifact_address"`
	ArenaAddress     string        `mapstructure:"arena_address"`
	ChainID          int64         `mapstructure:"chain_id"`
	FinalizerKey     string        `mapstructure:"finalizer_key"`
	FinalityDepth    uint64        `mapstructure:"finality_depth"`
	BlockBatchSize   uint64        `mapstructure:"block_batch_size"`
	TailPollInterval time.Duration `mapstructure:"tail_poll_interval"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
}

// ArenaConfig holds round orchestration configuration.
type ArenaConfig struct {
	CommitWindowSeconds int     `mapstructure:"commit_window_seconds"`
	RevealWindowSeconds int     `mapstructure:"reveal_window_seconds"`
	TargetSeconds       float64 `mapstructure:"target_seconds"`
	DifficultyMin       float64 `mapstructure:"difficulty_min"`
	DifficultyMax       float64 `mapstructure:"difficulty_max"`
	Kp                  float64 `mapstructure:"kp"`
	Ki                  float64 `mapstructure:"ki"`
	Kd                  float64 `mapstructure:"kd"`
	EloK                float64 `mapstructure:"elo_k"`
	QualityWeight       float64 `mapstructure:"quality_weight"`
	NoveltyWeight       float64 `mapstructure:"novelty_weight"`
}

// InfluenceConfig holds PageRank engine configuration.
type InfluenceConfig struct {
	Damping           float64 `mapstructure:"damping"`
	MaxIterations     int     `mapstructure:"max_iterations"`
	Tolerance         float64 `mapstructure:"tolerance"`
	ValidatorEndpoint string  `mapstructure:"validator_endpoint"`
}

// ModerationConfig holds moderation gateway configuration.
type ModerationConfig struct {
	ExternalEndpoint string        `mapstructure:"external_endpoint"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
}

// SnapshotConfig holds CAS snapshotter configuration.
type SnapshotConfig struct {
	Dir string `mapstructure:"dir"`
}

// OracleConfig holds the energy oracle contract and signer configuration.
type OracleConfig struct {
	RPCURL    string `mapstructure:"rpc_url"`
	APIURL    string `mapstructure:"api_url"`
	APIToken  string `mapstructure:"api_token"`
	Address   string `mapstructure:"address"`
	SignerKey string `mapstructure:"signer_key"`
	ChainID   int64  `mapstructure:"chain_id"`
}

// TelemetryConfig holds the telemetry submitter configuration.
type TelemetryConfig struct {
	Mode              string        `mapstructure:"mode"` // contract or api
	EnergyLogDir      string        `mapstructure:"energy_log_dir"`
	StateFile         string        `mapstructure:"state_file"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	PollIntervalMS    int64         `mapstructure:"poll_interval_ms"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	RetryDelayMS      int64         `mapstructure:"retry_delay_ms"`
	DeadlineBufferSec int64         `mapstructure:"deadline_buffer_sec"`
	EpochDurationSec  int64         `mapstructure:"epoch_duration_sec"`
	EnergyScaling     float64       `mapstructure:"energy_scaling"`
	ValueScaling      float64       `mapstructure:"value_scaling"`
	Role              uint8         `mapstructure:"role"`
	MaxBatch          int           `mapstructure:"max_batch"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/agora")

	v.SetEnvPrefix("AGORA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Operator-facing variable names predate the AGORA_ prefix convention;
	// bind them explicitly.
	v.BindEnv("oracle.rpc_url", "ENERGY_ORACLE_RPC_URL")
	v.BindEnv("oracle.api_url", "ENERGY_ORACLE_API_URL")
	v.BindEnv("oracle.api_token", "ENERGY_ORACLE_API_TOKEN")
	v.BindEnv("oracle.address", "ENERGY_ORACLE_ADDRESS")
	v.BindEnv("oracle.signer_key", "ENERGY_ORACLE_SIGNER_KEY")
	v.BindEnv("oracle.chain_id", "ENERGY_ORACLE_CHAIN_ID")

	v.BindEnv("telemetry.mode", "TELEMETRY_MODE")
	v.BindEnv("telemetry.poll_interval_ms", "TELEMETRY_POLL_INTERVAL_MS")
	v.BindEnv("telemetry.max_retries", "TELEMETRY_MAX_RETRIES")
	v.BindEnv("telemetry.retry_delay_ms", "TELEMETRY_RETRY_DELAY_MS")
	v.BindEnv("telemetry.deadline_buffer_sec", "TELEMETRY_DEADLINE_BUFFER_SEC")
	v.BindEnv("telemetry.epoch_duration_sec", "TELEMETRY_EPOCH_DURATION_SEC")
	v.BindEnv("telemetry.energy_scaling", "TELEMETRY_ENERGY_SCALING")
	v.BindEnv("telemetry.value_scaling", "TELEMETRY_VALUE_SCALING")
	v.BindEnv("telemetry.role", "TELEMETRY_ROLE")
	v.BindEnv("telemetry.state_file", "TELEMETRY_STATE_FILE")
	v.BindEnv("telemetry.max_batch", "TELEMETRY_MAX_BATCH")
	v.BindEnv("telemetry.energy_log_dir", "ENERGY_LOG_DIR")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// The _MS variables carry bare integer milliseconds, which the duration
	// decode hook rejects. They are unmarshalled as integers and take
	// precedence over the duration-typed keys here.
	if cfg.Telemetry.PollIntervalMS > 0 {
		cfg.Telemetry.PollInterval = time.Duration(cfg.Telemetry.PollIntervalMS) * time.Millisecond
	}
	if cfg.Telemetry.RetryDelayMS > 0 {
		cfg.Telemetry.RetryDelay = time.Duration(cfg.Telemetry.RetryDelayMS) * time.Millisecond
	}

	return &cfg, nil
}

// ValidateTelemetry checks the invariants the submitter cannot start without.
// Called at boot only when the telemetry loop is enabled.
func (c *Config) ValidateTelemetry() error {
	if c.Telemetry.EnergyLogDir == "" {
		return fmt.Errorf("telemetry: energy log dir is required")
	}
	if c.Oracle.SignerKey == "" {
		return fmt.Errorf("telemetry: signer key is required")
	}
	switch c.Telemetry.Mode {
	case "contract":
		if c.Oracle.Address == "" {
			return fmt.Errorf("telemetry: oracle contract address is required in contract mode")
		}
		if c.Oracle.RPCURL == "" {
			return fmt.Errorf("telemetry: oracle rpc url is required in contract mode")
		}
	case "api":
		if c.Oracle.APIURL == "" {
			return fmt.Errorf("telemetry: oracle api url is required in api mode")
		}
		if c.Oracle.ChainID == 0 {
			return fmt.Errorf("telemetry: chain id is required in api mode")
		}
	default:
		return fmt.Errorf("telemetry: unknown mode %q", c.Telemetry.Mode)
	}
	return nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.environment", "dev")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agora")
	v.SetDefault("database.password", "agora")
	v.SetDefault("database.database", "agora")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Ledger defaults
	v.SetDefault("ledger.rpc_url", "http://localhost:8545")
	v.SetDefault("ledger.finality_depth", 5)
	v.SetDefault("ledger.block_batch_size", 2000)
	v.SetDefault("ledger.tail_poll_interval", "12s")
	v.SetDefault("ledger.request_timeout", "30s")

	// Arena defaults
	v.SetDefault("arena.commit_window_seconds", 300)
	v.SetDefault("arena.reveal_window_seconds", 300)
	v.SetDefault("arena.target_seconds", 600)
	v.SetDefault("arena.difficulty_min", 0.25)
	v.SetDefault("arena.difficulty_max", 4.0)
	v.SetDefault("arena.kp", 0.4)
	v.SetDefault("arena.ki", 0.05)
	v.SetDefault("arena.kd", 0.1)
	v.SetDefault("arena.elo_k", 32)
	v.SetDefault("arena.quality_weight", 0.6)
	v.SetDefault("arena.novelty_weight", 0.4)

	// Influence defaults
	v.SetDefault("influence.damping", 0.85)
	v.SetDefault("influence.max_iterations", 25)
	v.SetDefault("influence.tolerance", 1e-6)

	// Moderation defaults
	v.SetDefault("moderation.request_timeout", "10s")

	// Snapshot defaults
	v.SetDefault("snapshot.dir", "./snapshots")

	// Telemetry defaults
	v.SetDefault("telemetry.mode", "contract")
	v.SetDefault("telemetry.state_file", "./telemetry-state.json")
	v.SetDefault("telemetry.poll_interval", "10s")
	v.SetDefault("telemetry.max_retries", 5)
	v.SetDefault("telemetry.retry_delay", "2s")
	v.SetDefault("telemetry.deadline_buffer_sec", 3600)
	v.SetDefault("telemetry.epoch_duration_sec", 86400)
	v.SetDefault("telemetry.energy_scaling", 1)
	v.SetDefault("telemetry.value_scaling", 1000000)
	v.SetDefault("telemetry.role", 2)
	v.SetDefault("telemetry.max_batch", 20)
}
