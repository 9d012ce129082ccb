// Package config loads master and client settings from the environment, an
// optional .env file and an optional YAML resource file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/mcdev12/movex/go/internal/client"
	"github.com/mcdev12/movex/go/internal/master"
)

// Master holds everything a master binary needs.
type Master struct {
	Port          string
	LogLevel      zerolog.Level
	NATSURL       string // empty disables the broadcast relay
	DatabaseURL   string // DATABASE_URL, else built from DB_*; empty disables the journal
	JWTSecret     string // when set, handshake api keys must be tokens signed with it
	Workers       int
	QueueSize     int
	ResourcesFile string
	Resources     ResourceFile
}

// ResourceFile is the YAML document naming the resource types a master serves.
type ResourceFile struct {
	Resources []ResourceSpec `yaml:"resources"`
}

// ResourceSpec binds a resource type to a reducer registered with
// master.RegisterReducer.
type ResourceSpec struct {
	Type    string `yaml:"type"`
	Reducer string `yaml:"reducer"`
}

// Client holds the settings of a client process.
type Client struct {
	URL             string
	UserID          string
	APIKey          string
	WaitForResponse time.Duration
	LogLevel        zerolog.Level
}

// LoadDotEnv reads .env when present. A missing file is not an error.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("could not load .env file")
	}
}

// LoadMaster reads the master configuration.
func LoadMaster() (*Master, error) {
	store := master.DefaultStoreConfig()
	level, err := ParseLogLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}

	cfg := &Master{
		Port:          getEnv("PORT", "8080"),
		LogLevel:      level,
		NATSURL:       getEnv("NATS_URL", ""),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		JWTSecret:     getEnv("MOVEX_JWT_SECRET", ""),
		Workers:       getEnvAsInt("MOVEX_WORKERS", store.Workers),
		QueueSize:     getEnvAsInt("MOVEX_QUEUE_SIZE", store.QueueSize),
		ResourcesFile: getEnv("MOVEX_CONFIG", ""),
	}

	if cfg.DatabaseURL == "" {
		if db, ok := databaseFromEnv(); ok {
			cfg.DatabaseURL = db.DSN()
		}
	}

	if cfg.ResourcesFile != "" {
		resources, err := loadResourceFile(cfg.ResourcesFile)
		if err != nil {
			return nil, err
		}
		cfg.Resources = *resources
	}
	return cfg, nil
}

// StoreConfig returns the store sizing.
func (c *Master) StoreConfig() master.StoreConfig {
	return master.StoreConfig{Workers: c.Workers, QueueSize: c.QueueSize}
}

// Reducers binds each configured resource type to its reducer. Without a
// resource file every type in defaults is served by the reducer of the same key.
func (c *Master) Reducers(defaults ...string) (*master.ReducerRegistry, error) {
	specs := c.Resources.Resources
	if len(specs) == 0 {
		for _, key := range defaults {
			specs = append(specs, ResourceSpec{Type: key, Reducer: key})
		}
	}

	reducers := master.NewReducerRegistry()
	for _, spec := range specs {
		key := spec.Reducer
		if key == "" {
			key = spec.Type
		}
		reducer, err := master.LookupReducer(key)
		if err != nil {
			return nil, fmt.Errorf("resource type %s: %w", spec.Type, err)
		}
		if err := reducers.Register(spec.Type, reducer); err != nil {
			return nil, err
		}
		log.Info().
			Str("resource_type", spec.Type).
			Str("reducer", key).
			Msg("serving resource type")
	}
	return reducers, nil
}

// LoadClient reads the client configuration.
func LoadClient() (*Client, error) {
	level, err := ParseLogLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	wait, err := time.ParseDuration(getEnv("MOVEX_WAIT_FOR_RESPONSE", client.DefaultWaitForResponse.String()))
	if err != nil {
		return nil, fmt.Errorf("parse MOVEX_WAIT_FOR_RESPONSE: %w", err)
	}
	return &Client{
		URL:             getEnv("MOVEX_URL", "ws://localhost:8080/ws"),
		UserID:          getEnv("MOVEX_USER_ID", ""),
		APIKey:          getEnv("MOVEX_API_KEY", ""),
		WaitForResponse: wait,
		LogLevel:        level,
	}, nil
}

// ClientConfig converts c into the client package's config with defaults applied.
func (c *Client) ClientConfig() client.Config {
	return client.Config{
		URL:             c.URL,
		UserID:          c.UserID,
		APIKey:          c.APIKey,
		WaitForResponse: c.WaitForResponse,
	}.WithDefaults()
}

// ParseLogLevel accepts zerolog level names case-insensitively.
func ParseLogLevel(s string) (zerolog.Level, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("parse LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}

func loadResourceFile(path string) (*ResourceFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var file ResourceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	for i, spec := range file.Resources {
		if spec.Type == "" {
			return nil, fmt.Errorf("resources[%d]: type is required", i)
		}
	}
	return &file, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
