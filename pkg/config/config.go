package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Relay drivers.
const (
	RelayMemory    = "memory"
	RelayRedis     = "redis"
	RelayWebSocket = "websocket"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	CORS       CORSConfig
	Log        LogConfig
	Store      StoreConfig
	Relay      RelayConfig
	Presence   PresenceConfig
	Sessions   SessionConfig
	JoinCache  JoinCacheConfig
	Moderation ModerationConfig
	Export     ExportConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Issuer     string
	Expiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// StoreConfig selects and tunes the realtime document store.
type StoreConfig struct {
	Driver        string
	BatchLimit    int
	NotifyChannel string
}

// RelayConfig selects the companion transport and the local node identity.
type RelayConfig struct {
	Driver          string
	NodeID          string
	NodeName        string
	URL             string
	SessionID       string
	PresenceTTL     time.Duration
	PushWorkers     int
	PushRetries     int
	PushRetryDelay  time.Duration
	DiscoverTimeout time.Duration
}

// PresenceConfig tunes the companion-side reconnect loop.
type PresenceConfig struct {
	Interval time.Duration
}

// SessionConfig controls join-code generation.
type SessionConfig struct {
	CodeLength   int
	CodeAttempts int
}

// JoinCacheConfig toggles the Redis cache for join-code lookups.
type JoinCacheConfig struct {
	Enabled bool
	TTL     time.Duration
}

// ModerationConfig tunes batch moderation.
type ModerationConfig struct {
	ApproveAllRetries int
}

// ExportConfig controls transcript files and their signed download links.
type ExportConfig struct {
	Dir       string
	URLTTL    time.Duration
	Retention time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Issuer:     v.GetString("JWT_ISSUER"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), 12*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	batchLimit := v.GetInt("STORE_BATCH_LIMIT")
	if batchLimit <= 0 {
		batchLimit = 500
	}
	cfg.Store = StoreConfig{
		Driver:        strings.ToLower(v.GetString("STORE_DRIVER")),
		BatchLimit:    batchLimit,
		NotifyChannel: v.GetString("STORE_NOTIFY_CHANNEL"),
	}

	cfg.Relay = RelayConfig{
		Driver:          strings.ToLower(v.GetString("RELAY_DRIVER")),
		NodeID:          v.GetString("RELAY_NODE_ID"),
		NodeName:        v.GetString("RELAY_NODE_NAME"),
		URL:             v.GetString("RELAY_URL"),
		SessionID:       v.GetString("RELAY_SESSION_ID"),
		PresenceTTL:     parseDuration(v.GetString("RELAY_PRESENCE_TTL"), 15*time.Second),
		PushWorkers:     v.GetInt("RELAY_PUSH_WORKERS"),
		PushRetries:     v.GetInt("RELAY_PUSH_RETRIES"),
		PushRetryDelay:  parseDuration(v.GetString("RELAY_PUSH_RETRY_DELAY"), 500*time.Millisecond),
		DiscoverTimeout: parseDuration(v.GetString("RELAY_DISCOVER_TIMEOUT"), 2*time.Second),
	}

	cfg.Presence = PresenceConfig{
		Interval: parseDuration(v.GetString("PRESENCE_INTERVAL"), 5*time.Second),
	}

	cfg.Sessions = SessionConfig{
		CodeLength:   clamp(v.GetInt("SESSION_CODE_LENGTH"), 4, 8),
		CodeAttempts: v.GetInt("SESSION_CODE_ATTEMPTS"),
	}

	cfg.JoinCache = JoinCacheConfig{
		Enabled: v.GetBool("JOIN_CACHE_ENABLED"),
		TTL:     parseDuration(v.GetString("JOIN_CACHE_TTL"), 10*time.Minute),
	}

	cfg.Moderation = ModerationConfig{
		ApproveAllRetries: v.GetInt("MODERATION_APPROVE_ALL_RETRIES"),
	}

	cfg.Export = ExportConfig{
		Dir:       v.GetString("EXPORT_DIR"),
		URLTTL:    parseDuration(v.GetString("EXPORT_URL_TTL"), 15*time.Minute),
		Retention: parseDuration(v.GetString("EXPORT_RETENTION"), 24*time.Hour),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "asknon")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "asknon")
	v.SetDefault("JWT_EXPIRATION", "12h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("STORE_DRIVER", StoreMemory)
	v.SetDefault("STORE_BATCH_LIMIT", 500)
	v.SetDefault("STORE_NOTIFY_CHANNEL", "realtime_changes")

	v.SetDefault("RELAY_DRIVER", RelayWebSocket)
	v.SetDefault("RELAY_NODE_ID", "")
	v.SetDefault("RELAY_NODE_NAME", "asknon-gateway")
	v.SetDefault("RELAY_URL", "ws://localhost:8080/relay/ws")
	v.SetDefault("RELAY_SESSION_ID", "")
	v.SetDefault("RELAY_PRESENCE_TTL", "15s")
	v.SetDefault("RELAY_PUSH_WORKERS", 2)
	v.SetDefault("RELAY_PUSH_RETRIES", 3)
	v.SetDefault("RELAY_PUSH_RETRY_DELAY", "500ms")
	v.SetDefault("RELAY_DISCOVER_TIMEOUT", "2s")

	v.SetDefault("PRESENCE_INTERVAL", "5s")

	v.SetDefault("SESSION_CODE_LENGTH", 6)
	v.SetDefault("SESSION_CODE_ATTEMPTS", 10)

	v.SetDefault("JOIN_CACHE_ENABLED", false)
	v.SetDefault("JOIN_CACHE_TTL", "10m")

	v.SetDefault("MODERATION_APPROVE_ALL_RETRIES", 3)

	v.SetDefault("EXPORT_DIR", "./exports")
	v.SetDefault("EXPORT_URL_TTL", "15m")
	v.SetDefault("EXPORT_RETENTION", "24h")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// viper reports an explicit config file that does not exist as a path error rather than
// ConfigFileNotFoundError.
func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func clamp(value, lo, hi int) int {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}
