package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends selectable with TABLECAM_STORE.
const (
	StoreRedis  = "redis"
	StoreRemote = "remote"
	StoreMemory = "memory"
)

// Config holds the participant configuration.
type Config struct {
	RoomID string
	UserID string

	Store       string
	Redis       RedisConfig
	SignalURL   string
	SignalToken string

	ICEServers []ICEServer
	RecordDir  string
	MediaFile  string
	MediaFPS   int
	LogLevel   string

	SignalLookback    time.Duration
	HeartbeatInterval time.Duration
	PresenceTTL       time.Duration
	Watchdog          WatchdogConfig
}

// ServerConfig holds the signal store server configuration.
type ServerConfig struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	LogLevel       string
	Redis          RedisConfig
}

// RedisConfig locates the Redis instance backing the store and presence.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// ICEServer holds STUN/TURN server configuration.
type ICEServer struct {
	URL        string
	Username   string
	Credential string
}

// WatchdogConfig tunes stuck-connection recovery.
type WatchdogConfig struct {
	Interval       time.Duration
	StuckThreshold time.Duration
	MaxAttempts    int
	Cooldown       time.Duration
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	room := os.Getenv("TABLECAM_ROOM")
	if room == "" {
		return nil, fmt.Errorf("TABLECAM_ROOM environment variable is required")
	}

	user := os.Getenv("TABLECAM_USER")
	if user == "" {
		return nil, fmt.Errorf("TABLECAM_USER environment variable is required")
	}

	cfg := &Config{
		RoomID:      room,
		UserID:      user,
		Store:       getEnv("TABLECAM_STORE", StoreRedis),
		Redis:       loadRedis(),
		SignalURL:   os.Getenv("SIGNAL_URL"),
		SignalToken: os.Getenv("SIGNAL_TOKEN"),
		ICEServers:  parseICEServers(getEnv("ICE_SERVERS", "stun:stun.l.google.com:19302"), os.Getenv("ICE_USERNAME"), os.Getenv("ICE_CREDENTIAL")),
		RecordDir:   os.Getenv("RECORD_DIR"),
		MediaFile:   os.Getenv("MEDIA_FILE"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.MediaFPS, err = getInt("MEDIA_FPS", 30); err != nil {
		return nil, err
	}
	if cfg.SignalLookback, err = getDuration("SIGNAL_LOOKBACK", time.Minute); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval, err = getDuration("PRESENCE_HEARTBEAT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.PresenceTTL, err = getDuration("PRESENCE_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Watchdog, err = loadWatchdog(); err != nil {
		return nil, err
	}

	switch cfg.Store {
	case StoreRedis, StoreMemory:
	case StoreRemote:
		if cfg.SignalURL == "" {
			return nil, fmt.Errorf("SIGNAL_URL environment variable is required for the remote store")
		}
	default:
		return nil, fmt.Errorf("unknown TABLECAM_STORE %q", cfg.Store)
	}

	return cfg, nil
}

// LoadServer reads the signal store server configuration.
func LoadServer() (*ServerConfig, error) {
	_ = godotenv.Load()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	// Parse allowed origins (comma-separated)
	origins := strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"), ",")

	return &ServerConfig{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      secret,
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Redis:          loadRedis(),
	}, nil
}

func loadRedis() RedisConfig {
	db, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	return RedisConfig{
		Host:     getEnv("REDIS_HOST", "localhost"),
		Port:     getEnv("REDIS_PORT", "6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	}
}

func loadWatchdog() (WatchdogConfig, error) {
	var (
		w   WatchdogConfig
		err error
	)
	if w.Interval, err = getDuration("WATCHDOG_INTERVAL", 5*time.Second); err != nil {
		return w, err
	}
	if w.StuckThreshold, err = getDuration("WATCHDOG_STUCK_THRESHOLD", 30*time.Second); err != nil {
		return w, err
	}
	if w.MaxAttempts, err = getInt("WATCHDOG_MAX_ATTEMPTS", 3); err != nil {
		return w, err
	}
	if w.Cooldown, err = getDuration("WATCHDOG_COOLDOWN", time.Minute); err != nil {
		return w, err
	}
	return w, nil
}

// parseICEServers splits a comma-separated URL list. Credentials apply to
// TURN entries only.
func parseICEServers(list, username, credential string) []ICEServer {
	var servers []ICEServer
	for _, u := range strings.Split(list, ",") {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		s := ICEServer{URL: u}
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			s.Username = username
			s.Credential = credential
		}
		servers = append(servers, s)
	}
	return servers
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}
