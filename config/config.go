package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	VaultConfig    VaultConfig    `json:"vault"`
	LoggingConfig  LoggingConfig  `json:"logging"`
	WorkerConfig   WorkerConfig   `json:"worker"`
	BrokerConfigs  BrokerConfigs  `json:"brokers"`
	KIConfig       KIConfig       `json:"ki"`
	PhaseDefaults  PhaseDefaults  `json:"phase_defaults"`
	APIConfig      APIConfig      `json:"api"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis settings for the streaming candle cache
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds HashiCorp Vault configuration for broker credentials
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // Path prefix for broker credentials
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"` // JSON output instead of console
}

// WorkerConfig holds trading worker loop configuration
type WorkerConfig struct {
	IntervalSeconds  int     `json:"interval_seconds"`  // Seconds between ticks
	ShadowOnly       bool    `json:"shadow_only"`       // Never place live orders
	MultiAsset       bool    `json:"multi_asset"`       // Fan out over all active assets
	DefaultEpic      string  `json:"default_epic"`      // Single-asset mode epic
	DryRun           bool    `json:"dry_run"`           // Skip execution entirely
	MaxIterations    int     `json:"max_iterations"`    // 0 = unbounded
	SnapshotKeepHrs  int     `json:"snapshot_keep_hrs"` // Price snapshot retention
	StreamIntervalS  int     `json:"stream_interval_s"` // Streaming worker poll seconds
	StreamBrokerKind string  `json:"stream_broker_kind"`
	EIAReferenceUTC  string  `json:"eia_reference_utc"` // HH:MM, empty disables EIA windows
	EIAPreMinutes    int     `json:"eia_pre_minutes"`
	EIAPostMinutes   int     `json:"eia_post_minutes"`
	FridayLateStart  string  `json:"friday_late_start"` // HH:MM UTC
	RiskPerTradePct  float64 `json:"risk_per_trade_pct"`
	MaxOpenPositions int     `json:"max_open_positions"`
	MaxSpreadPoints  float64 `json:"max_spread_points"`
}

// BrokerConfigs holds per-venue connection settings.
// Credentials can come from here, from the environment, or from Vault.
type BrokerConfigs struct {
	IG     IGConfig     `json:"ig"`
	MEXC   MEXCConfig   `json:"mexc"`
	Kraken KrakenConfig `json:"kraken"`
}

// IGConfig holds IG Markets REST API configuration
type IGConfig struct {
	Enabled        bool   `json:"enabled"`
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	AccountID      string `json:"account_id"`
	UseOAuth       bool   `json:"use_oauth"` // v3 session with bearer tokens
	TimeoutSeconds int    `json:"timeout_seconds"`
	Demo           bool   `json:"demo"`
}

// MEXCConfig holds MEXC REST + WebSocket configuration
type MEXCConfig struct {
	Enabled        bool   `json:"enabled"`
	BaseURL        string `json:"base_url"`
	WSURL          string `json:"ws_url"`
	APIKey         string `json:"api_key"`
	SecretKey      string `json:"secret_key"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// KrakenConfig holds Kraken REST configuration
type KrakenConfig struct {
	Enabled        bool   `json:"enabled"`
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	SecretKey      string `json:"secret_key"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// KIConfig holds the two-stage LLM evaluation configuration
type KIConfig struct {
	Enabled             bool    `json:"enabled"`
	LocalEndpoint       string  `json:"local_endpoint"` // OpenAI-compatible local server
	LocalModel          string  `json:"local_model"`
	ReflectionProvider  string  `json:"reflection_provider"` // "claude", "openai" or "local"
	ReflectionEndpoint  string  `json:"reflection_endpoint"` // OpenAI-compatible URL for "local"
	ReflectionAPIKey    string  `json:"reflection_api_key"`
	ReflectionModel     string  `json:"reflection_model"`
	TimeoutSeconds      int     `json:"timeout_seconds"`
	MaxTokens           int     `json:"max_tokens"`
	Temperature         float64 `json:"temperature"`
	StrongConfidenceMin float64 `json:"strong_confidence_min"` // >= strong
	WeakConfidenceMin   float64 `json:"weak_confidence_min"`   // >= weak, below strong
}

// PhaseWindow is a default session window used when an asset has no
// per-asset phase configuration.
type PhaseWindow struct {
	Start string `json:"start"` // HH:MM UTC
	End   string `json:"end"`   // HH:MM UTC, may wrap past midnight
}

// PhaseDefaults holds the default session windows per phase
type PhaseDefaults struct {
	AsiaRange     PhaseWindow `json:"asia_range"`
	LondonCore    PhaseWindow `json:"london_core"`
	PreUSRange    PhaseWindow `json:"pre_us_range"`
	USCoreTrading PhaseWindow `json:"us_core_trading"`
}

// APIConfig holds the read-only status API settings
type APIConfig struct {
	Port           int    `json:"port"` // 0 disables the API
	AllowedOrigins string `json:"allowed_origins"`
}

func Load() (*Config, error) {
	// Base config from file, if present
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	// Environment variable overrides take precedence
	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Database
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", defaultStr(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", defaultInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", defaultStr(cfg.DatabaseConfig.User, "trading"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", defaultStr(cfg.DatabaseConfig.Database, "trading"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", defaultStr(cfg.DatabaseConfig.SSLMode, "disable"))

	// Redis
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolStr(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", defaultStr(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", defaultInt(cfg.RedisConfig.PoolSize, 10))

	// Vault
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", boolStr(cfg.VaultConfig.Enabled)) == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", defaultStr(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", defaultStr(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", defaultStr(cfg.VaultConfig.SecretPath, "trading-worker/brokers"))
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultStr(cfg.LoggingConfig.Level, "info"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", defaultStr(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", boolStr(cfg.LoggingConfig.JSONFormat)) == "true"

	// Worker
	cfg.WorkerConfig.IntervalSeconds = getEnvIntOrDefault("WORKER_INTERVAL", defaultInt(cfg.WorkerConfig.IntervalSeconds, 60))
	cfg.WorkerConfig.ShadowOnly = getEnvOrDefault("WORKER_SHADOW_ONLY", boolStr(cfg.WorkerConfig.ShadowOnly)) == "true"
	cfg.WorkerConfig.MultiAsset = getEnvOrDefault("WORKER_MULTI_ASSET", boolStr(cfg.WorkerConfig.MultiAsset)) == "true"
	cfg.WorkerConfig.DefaultEpic = getEnvOrDefault("WORKER_DEFAULT_EPIC", cfg.WorkerConfig.DefaultEpic)
	cfg.WorkerConfig.DryRun = getEnvOrDefault("WORKER_DRY_RUN", boolStr(cfg.WorkerConfig.DryRun)) == "true"
	cfg.WorkerConfig.SnapshotKeepHrs = getEnvIntOrDefault("WORKER_SNAPSHOT_KEEP_HOURS", defaultInt(cfg.WorkerConfig.SnapshotKeepHrs, 2))
	cfg.WorkerConfig.StreamIntervalS = getEnvIntOrDefault("STREAM_INTERVAL", defaultInt(cfg.WorkerConfig.StreamIntervalS, 5))
	cfg.WorkerConfig.StreamBrokerKind = getEnvOrDefault("STREAM_BROKER_KIND", defaultStr(cfg.WorkerConfig.StreamBrokerKind, "MEXC"))
	cfg.WorkerConfig.EIAReferenceUTC = getEnvOrDefault("WORKER_EIA_REFERENCE_UTC", cfg.WorkerConfig.EIAReferenceUTC)
	cfg.WorkerConfig.EIAPreMinutes = getEnvIntOrDefault("WORKER_EIA_PRE_MINUTES", defaultInt(cfg.WorkerConfig.EIAPreMinutes, 30))
	cfg.WorkerConfig.EIAPostMinutes = getEnvIntOrDefault("WORKER_EIA_POST_MINUTES", defaultInt(cfg.WorkerConfig.EIAPostMinutes, 60))
	cfg.WorkerConfig.FridayLateStart = getEnvOrDefault("WORKER_FRIDAY_LATE_START", defaultStr(cfg.WorkerConfig.FridayLateStart, "20:00"))
	cfg.WorkerConfig.RiskPerTradePct = getEnvFloatOrDefault("WORKER_RISK_PER_TRADE_PCT", defaultFloat(cfg.WorkerConfig.RiskPerTradePct, 1.0))
	cfg.WorkerConfig.MaxOpenPositions = getEnvIntOrDefault("WORKER_MAX_OPEN_POSITIONS", defaultInt(cfg.WorkerConfig.MaxOpenPositions, 3))
	cfg.WorkerConfig.MaxSpreadPoints = getEnvFloatOrDefault("WORKER_MAX_SPREAD_POINTS", defaultFloat(cfg.WorkerConfig.MaxSpreadPoints, 6.0))

	// IG
	cfg.BrokerConfigs.IG.Enabled = getEnvOrDefault("IG_ENABLED", boolStr(cfg.BrokerConfigs.IG.Enabled)) == "true"
	cfg.BrokerConfigs.IG.BaseURL = getEnvOrDefault("IG_BASE_URL", defaultStr(cfg.BrokerConfigs.IG.BaseURL, "https://api.ig.com/gateway/deal"))
	cfg.BrokerConfigs.IG.APIKey = getEnvOrDefault("IG_API_KEY", cfg.BrokerConfigs.IG.APIKey)
	cfg.BrokerConfigs.IG.Username = getEnvOrDefault("IG_USERNAME", cfg.BrokerConfigs.IG.Username)
	cfg.BrokerConfigs.IG.Password = getEnvOrDefault("IG_PASSWORD", cfg.BrokerConfigs.IG.Password)
	cfg.BrokerConfigs.IG.AccountID = getEnvOrDefault("IG_ACCOUNT_ID", cfg.BrokerConfigs.IG.AccountID)
	cfg.BrokerConfigs.IG.UseOAuth = getEnvOrDefault("IG_USE_OAUTH", boolStr(cfg.BrokerConfigs.IG.UseOAuth)) == "true"
	cfg.BrokerConfigs.IG.TimeoutSeconds = getEnvIntOrDefault("IG_TIMEOUT_SECONDS", defaultInt(cfg.BrokerConfigs.IG.TimeoutSeconds, 15))
	cfg.BrokerConfigs.IG.Demo = getEnvOrDefault("IG_DEMO", boolStr(cfg.BrokerConfigs.IG.Demo)) == "true"

	// MEXC
	cfg.BrokerConfigs.MEXC.Enabled = getEnvOrDefault("MEXC_ENABLED", boolStr(cfg.BrokerConfigs.MEXC.Enabled)) == "true"
	cfg.BrokerConfigs.MEXC.BaseURL = getEnvOrDefault("MEXC_BASE_URL", defaultStr(cfg.BrokerConfigs.MEXC.BaseURL, "https://api.mexc.com"))
	cfg.BrokerConfigs.MEXC.WSURL = getEnvOrDefault("MEXC_WS_URL", defaultStr(cfg.BrokerConfigs.MEXC.WSURL, "wss://wbs.mexc.com/ws"))
	cfg.BrokerConfigs.MEXC.APIKey = getEnvOrDefault("MEXC_API_KEY", cfg.BrokerConfigs.MEXC.APIKey)
	cfg.BrokerConfigs.MEXC.SecretKey = getEnvOrDefault("MEXC_SECRET_KEY", cfg.BrokerConfigs.MEXC.SecretKey)
	cfg.BrokerConfigs.MEXC.TimeoutSeconds = getEnvIntOrDefault("MEXC_TIMEOUT_SECONDS", defaultInt(cfg.BrokerConfigs.MEXC.TimeoutSeconds, 10))

	// Kraken
	cfg.BrokerConfigs.Kraken.Enabled = getEnvOrDefault("KRAKEN_ENABLED", boolStr(cfg.BrokerConfigs.Kraken.Enabled)) == "true"
	cfg.BrokerConfigs.Kraken.BaseURL = getEnvOrDefault("KRAKEN_BASE_URL", defaultStr(cfg.BrokerConfigs.Kraken.BaseURL, "https://api.kraken.com"))
	cfg.BrokerConfigs.Kraken.APIKey = getEnvOrDefault("KRAKEN_API_KEY", cfg.BrokerConfigs.Kraken.APIKey)
	cfg.BrokerConfigs.Kraken.SecretKey = getEnvOrDefault("KRAKEN_SECRET_KEY", cfg.BrokerConfigs.Kraken.SecretKey)
	cfg.BrokerConfigs.Kraken.TimeoutSeconds = getEnvIntOrDefault("KRAKEN_TIMEOUT_SECONDS", defaultInt(cfg.BrokerConfigs.Kraken.TimeoutSeconds, 10))

	// KI
	cfg.KIConfig.Enabled = getEnvOrDefault("KI_ENABLED", boolStr(cfg.KIConfig.Enabled)) == "true"
	cfg.KIConfig.LocalEndpoint = getEnvOrDefault("KI_LOCAL_ENDPOINT", defaultStr(cfg.KIConfig.LocalEndpoint, "http://localhost:11434/v1"))
	cfg.KIConfig.LocalModel = getEnvOrDefault("KI_LOCAL_MODEL", defaultStr(cfg.KIConfig.LocalModel, "llama3.1"))
	cfg.KIConfig.ReflectionProvider = getEnvOrDefault("KI_REFLECTION_PROVIDER", defaultStr(cfg.KIConfig.ReflectionProvider, "claude"))
	cfg.KIConfig.ReflectionEndpoint = getEnvOrDefault("KI_REFLECTION_ENDPOINT", cfg.KIConfig.ReflectionEndpoint)
	cfg.KIConfig.ReflectionAPIKey = getEnvOrDefault("KI_REFLECTION_API_KEY", cfg.KIConfig.ReflectionAPIKey)
	cfg.KIConfig.ReflectionModel = getEnvOrDefault("KI_REFLECTION_MODEL", defaultStr(cfg.KIConfig.ReflectionModel, "claude-sonnet-4-20250514"))
	cfg.KIConfig.TimeoutSeconds = getEnvIntOrDefault("KI_TIMEOUT_SECONDS", defaultInt(cfg.KIConfig.TimeoutSeconds, 30))
	cfg.KIConfig.MaxTokens = getEnvIntOrDefault("KI_MAX_TOKENS", defaultInt(cfg.KIConfig.MaxTokens, 1024))
	cfg.KIConfig.Temperature = getEnvFloatOrDefault("KI_TEMPERATURE", defaultFloat(cfg.KIConfig.Temperature, 0.2))
	cfg.KIConfig.StrongConfidenceMin = getEnvFloatOrDefault("KI_STRONG_CONFIDENCE_MIN", defaultFloat(cfg.KIConfig.StrongConfidenceMin, 80))
	cfg.KIConfig.WeakConfidenceMin = getEnvFloatOrDefault("KI_WEAK_CONFIDENCE_MIN", defaultFloat(cfg.KIConfig.WeakConfidenceMin, 60))

	// Phase defaults
	if cfg.PhaseDefaults.AsiaRange.Start == "" {
		cfg.PhaseDefaults = DefaultPhaseWindows()
	}
	cfg.PhaseDefaults.AsiaRange.Start = getEnvOrDefault("PHASE_ASIA_START", cfg.PhaseDefaults.AsiaRange.Start)
	cfg.PhaseDefaults.AsiaRange.End = getEnvOrDefault("PHASE_ASIA_END", cfg.PhaseDefaults.AsiaRange.End)
	cfg.PhaseDefaults.LondonCore.Start = getEnvOrDefault("PHASE_LONDON_START", cfg.PhaseDefaults.LondonCore.Start)
	cfg.PhaseDefaults.LondonCore.End = getEnvOrDefault("PHASE_LONDON_END", cfg.PhaseDefaults.LondonCore.End)
	cfg.PhaseDefaults.PreUSRange.Start = getEnvOrDefault("PHASE_PRE_US_START", cfg.PhaseDefaults.PreUSRange.Start)
	cfg.PhaseDefaults.PreUSRange.End = getEnvOrDefault("PHASE_PRE_US_END", cfg.PhaseDefaults.PreUSRange.End)
	cfg.PhaseDefaults.USCoreTrading.Start = getEnvOrDefault("PHASE_US_CORE_START", cfg.PhaseDefaults.USCoreTrading.Start)
	cfg.PhaseDefaults.USCoreTrading.End = getEnvOrDefault("PHASE_US_CORE_END", cfg.PhaseDefaults.USCoreTrading.End)

	// Status API
	cfg.APIConfig.Port = getEnvIntOrDefault("API_PORT", cfg.APIConfig.Port)
	cfg.APIConfig.AllowedOrigins = getEnvOrDefault("API_ALLOWED_ORIGINS", defaultStr(cfg.APIConfig.AllowedOrigins, "*"))
}

// DefaultPhaseWindows returns the built-in session windows used when neither
// the config file nor the database provides per-asset windows.
func DefaultPhaseWindows() PhaseDefaults {
	return PhaseDefaults{
		AsiaRange:     PhaseWindow{Start: "00:00", End: "08:00"},
		LondonCore:    PhaseWindow{Start: "08:00", End: "11:00"},
		PreUSRange:    PhaseWindow{Start: "13:00", End: "15:00"},
		USCoreTrading: PhaseWindow{Start: "15:00", End: "22:00"},
	}
}

// Validate checks settings that would make startup pointless
func (c *Config) Validate() error {
	if c.WorkerConfig.IntervalSeconds <= 0 {
		return fmt.Errorf("worker interval must be positive, got %d", c.WorkerConfig.IntervalSeconds)
	}
	if !c.BrokerConfigs.IG.Enabled && !c.BrokerConfigs.MEXC.Enabled && !c.BrokerConfigs.Kraken.Enabled {
		return fmt.Errorf("no broker enabled")
	}
	if c.KIConfig.Enabled && c.KIConfig.WeakConfidenceMin >= c.KIConfig.StrongConfidenceMin {
		return fmt.Errorf("ki confidence bands invalid: weak %.0f >= strong %.0f",
			c.KIConfig.WeakConfidenceMin, c.KIConfig.StrongConfidenceMin)
	}
	return nil
}

// KITimeout returns the configured LLM call timeout
func (c *KIConfig) KITimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func defaultStr(current, fallback string) string {
	if current != "" {
		return current
	}
	return fallback
}

func defaultInt(current, fallback int) int {
	if current != 0 {
		return current
	}
	return fallback
}

func defaultFloat(current, fallback float64) float64 {
	if current != 0 {
		return current
	}
	return fallback
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
