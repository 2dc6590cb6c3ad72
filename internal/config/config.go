package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppName  string
	Env      string
	Host     string
	Port     int
	DBDriver string // postgres | sqlite | memory

	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	JWTSecret          string
	AccessTokenMinutes int
	EncryptKey         string
	LegacyEncryptKeys  []string

	CORSOrigins []string
	Debug       bool

	RingTimeout           time.Duration
	ConnectTimeout        time.Duration
	MaxGroupParticipants  int
	MaxFetchLimit         int
	RejectPostsToArchived bool
	WSSendBuffer          int
}

// Load reads configuration from the environment, after merging an optional
// .env file from the working directory.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: reading .env: %v", err)
	}

	dbHost := getEnv("POSTGRES_HOST", "localhost")
	dbPort := getEnv("POSTGRES_PORT", "5432")
	dbUser := getEnv("POSTGRES_USER", "postgres")
	dbPass := getEnv("POSTGRES_PASSWORD", "postgres")
	dbName := getEnv("POSTGRES_DB", "chatcore")

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(dbUser, dbPass),
		Host:     fmt.Sprintf("%s:%s", dbHost, dbPort),
		Path:     dbName,
		RawQuery: "sslmode=disable",
	}

	cfg := &Config{
		AppName:  getEnv("APP_NAME", "chatcore"),
		Env:      getEnv("APP_ENV", "development"),
		Host:     getEnv("HTTP_HOST", "0.0.0.0"),
		Port:     getEnvAsInt("HTTP_PORT", 8000),
		DBDriver: strings.ToLower(getEnv("DB_DRIVER", "postgres")),

		DatabaseURL: getEnv("DATABASE_URL", u.String()),
		SQLitePath:  getEnv("SQLITE_PATH", "chatcore.db"),
		RedisURL:    os.Getenv("REDIS_URL"),

		JWTSecret:          os.Getenv("JWT_SECRET"),
		AccessTokenMinutes: getEnvAsInt("ACCESS_TOKEN_EXPIRE_MINUTES", 60*24),
		EncryptKey:         os.Getenv("ENCRYPTION_KEY"),
		LegacyEncryptKeys:  splitList(os.Getenv("LEGACY_ENCRYPTION_KEYS")),

		Debug: getEnvAsBool("DEBUG", true),

		RingTimeout:           getEnvAsDuration("CALL_RING_TIMEOUT", 30*time.Second),
		ConnectTimeout:        getEnvAsDuration("CALL_CONNECT_TIMEOUT", 15*time.Second),
		MaxGroupParticipants:  getEnvAsInt("MAX_GROUP_PARTICIPANTS", 256),
		MaxFetchLimit:         getEnvAsInt("MAX_FETCH_LIMIT", 200),
		RejectPostsToArchived: getEnvAsBool("REJECT_POSTS_TO_ARCHIVED", false),
		WSSendBuffer:          getEnvAsInt("WS_SEND_BUFFER", 256),
	}

	cfg.CORSOrigins = splitList(getEnv("CORS_ORIGINS", ""))
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.EncryptKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	switch cfg.DBDriver {
	case "postgres", "sqlite", "memory":
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
	if cfg.RingTimeout <= 0 || cfg.ConnectTimeout <= 0 {
		return nil, fmt.Errorf("call timeouts must be positive")
	}

	return cfg, nil
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getEnvAsDuration accepts Go duration strings ("30s") or plain seconds.
func getEnvAsDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	res := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			res = append(res, p)
		}
	}
	return res
}
