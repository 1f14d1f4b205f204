package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends accepted by KARYON_STORE.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreS3       = "s3"
	StoreMemory   = "memory"
)

// ObjectStoreConfig locates the bucket used when KARYON_STORE=s3.
type ObjectStoreConfig struct {
	Bucket   string
	Endpoint string
	Region   string
	Prefix   string
}

// Config captures the runtime configuration of the Karyon client.
type Config struct {
	APIURL      string
	HTTPTimeout time.Duration
	RateLimit   int
	RateBurst   int

	PollInterval     time.Duration
	LookupDebounce   time.Duration
	MetadataCacheTTL time.Duration
	MetadataSource   string
	YTDLPPath        string
	YTDLPTimeout     time.Duration
	UploadWorkers    int

	Store       string
	StorePath   string
	DatabaseURL string
	ObjectStore ObjectStoreConfig
	StoreKey    string

	LogLevel  string
	LogFormat string
}

// Load reads configuration from an optional env file and then environment
// variables, applying defaults suitable for a local install.
func Load() (Config, error) {
	envFile := getString("KARYON_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
	}

	cfg := Config{
		APIURL:      getString("KARYON_API_URL", "http://localhost:8000/api"),
		HTTPTimeout: getDuration("KARYON_HTTP_TIMEOUT", 60*time.Second),
		RateLimit:   getInt("KARYON_RATE_LIMIT", 10),
		RateBurst:   getInt("KARYON_RATE_BURST", 5),

		PollInterval:     getDuration("KARYON_POLL_INTERVAL", 3*time.Second),
		LookupDebounce:   getDuration("KARYON_LOOKUP_DEBOUNCE", 800*time.Millisecond),
		MetadataCacheTTL: getDuration("KARYON_METADATA_CACHE_TTL", 15*time.Minute),
		MetadataSource:   getString("KARYON_METADATA_SOURCE", "api"),
		YTDLPPath:        getString("KARYON_YTDLP_PATH", "yt-dlp"),
		YTDLPTimeout:     getDuration("KARYON_YTDLP_TIMEOUT", 30*time.Second),
		UploadWorkers:    getInt("KARYON_UPLOAD_WORKERS", 2),

		Store:       strings.ToLower(getString("KARYON_STORE", StoreSQLite)),
		StorePath:   getString("KARYON_STORE_PATH", defaultStorePath()),
		DatabaseURL: getString("KARYON_DATABASE_URL", ""),
		ObjectStore: ObjectStoreConfig{
			Bucket:   getString("KARYON_S3_BUCKET", ""),
			Endpoint: getString("KARYON_S3_ENDPOINT", ""),
			Region:   getString("KARYON_S3_REGION", "us-east-1"),
			Prefix:   getString("KARYON_S3_PREFIX", "karyon"),
		},
		StoreKey: os.Getenv("KARYON_STORE_KEY"),

		LogLevel:  getString("KARYON_LOG_LEVEL", "warn"),
		LogFormat: getString("KARYON_LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports configuration combinations that cannot work.
func (c Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("KARYON_API_URL must be an absolute URL, got %q", c.APIURL)
	}

	switch c.Store {
	case StoreSQLite, StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("KARYON_DATABASE_URL is required when KARYON_STORE=postgres")
		}
	case StoreS3:
		if c.ObjectStore.Bucket == "" {
			return errors.New("KARYON_S3_BUCKET is required when KARYON_STORE=s3")
		}
	default:
		return fmt.Errorf("unknown KARYON_STORE %q", c.Store)
	}

	switch c.MetadataSource {
	case "api", "ytdlp":
	default:
		return fmt.Errorf("unknown KARYON_METADATA_SOURCE %q", c.MetadataSource)
	}
	return nil
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "karyon.db"
	}
	return filepath.Join(dir, "karyon", "state.db")
}

func getString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return i
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
