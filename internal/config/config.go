package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string
	CatalogPath string
	LogLevel    string
	LogFormat   string

	JWTSecret string
	TokenTTL  time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	AMQPURL       string

	RelayEnabled bool
	PollInterval time.Duration
	BatchSize    int

	RateLimitPerMinute int
	RateLimitBurst     int
}

// ClientConfig holds the env defaults of the display and attendant binaries;
// flags override them.
type ClientConfig struct {
	ServerURL    string
	Token        string
	SiteID       string
	SitePrefPath string
	LogLevel     string
	LogFormat    string
}

// Load reads the server configuration. A .env file in the working directory
// is applied first when present; real environment variables win.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:               readString("TURNOS_PORT", "8080"),
		DatabaseURL:        os.Getenv("DB_DSN"),
		CatalogPath:        os.Getenv("TURNOS_CATALOG"),
		LogLevel:           readString("LOG_LEVEL", "info"),
		LogFormat:          readString("LOG_FORMAT", "text"),
		JWTSecret:          os.Getenv("TURNOS_JWT_SECRET"),
		TokenTTL:           time.Duration(readInt("TURNOS_TOKEN_TTL_HOURS", 12)) * time.Hour,
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            readInt("REDIS_DB", 0),
		AMQPURL:            os.Getenv("AMQP_URL"),
		RelayEnabled:       readBool("TURNOS_RELAY_ENABLED", true),
		PollInterval:       readDurationMillis("TURNOS_POLL_MS", 500),
		BatchSize:          readInt("TURNOS_BATCH_SIZE", 100),
		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MINUTE", 600),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 60),
	}
}

func LoadClient() ClientConfig {
	_ = godotenv.Load()

	return ClientConfig{
		ServerURL:    readString("TURNOS_SERVER_URL", "http://localhost:8080"),
		Token:        os.Getenv("TURNOS_TOKEN"),
		SiteID:       os.Getenv("TURNOS_SITE_ID"),
		SitePrefPath: readString("TURNOS_SITE_PREF", defaultSitePrefPath()),
		LogLevel:     readString("LOG_LEVEL", "info"),
		LogFormat:    readString("LOG_FORMAT", "text"),
	}
}

func defaultSitePrefPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".turnos-site.yaml"
	}
	return dir + "/turnos/site.yaml"
}

func readString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func readDurationMillis(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Millisecond
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
