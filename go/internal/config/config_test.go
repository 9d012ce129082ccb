package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/rs/zerolog"

	"github.com/mcdev12/movex/go/internal/client"
	"github.com/mcdev12/movex/go/internal/rps"
)

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "movex.yaml")
	assert.Equal(t, os.WriteFile(path, []byte(contents), 0o600), nil)
	return path
}

func TestLoadMasterDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("NATS_URL", "")
	t.Setenv("MOVEX_WORKERS", "")
	t.Setenv("MOVEX_QUEUE_SIZE", "")
	t.Setenv("MOVEX_CONFIG", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_HOST", "")

	cfg, err := LoadMaster()
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.Port, "8080")
	assert.Equal(t, cfg.DatabaseURL, "")
	assert.Equal(t, cfg.LogLevel, zerolog.InfoLevel)
	assert.Equal(t, cfg.NATSURL, "")
	assert.Equal(t, cfg.Workers, 8)
	assert.Equal(t, cfg.QueueSize, 256)
	assert.Equal(t, len(cfg.Resources.Resources), 0)
}

func TestLoadMasterFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("NATS_URL", "nats://nats:4222")
	t.Setenv("MOVEX_WORKERS", "2")
	t.Setenv("MOVEX_QUEUE_SIZE", "not-a-number")

	cfg, err := LoadMaster()
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.Port, "9000")
	assert.Equal(t, cfg.LogLevel, zerolog.DebugLevel)
	assert.Equal(t, cfg.NATSURL, "nats://nats:4222")
	assert.Equal(t, cfg.StoreConfig().Workers, 2)
	assert.Equal(t, cfg.StoreConfig().QueueSize, 256)
}

func TestDatabaseFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_USER", "movex")
	t.Setenv("DB_PASSWORD", "p@ss")
	t.Setenv("DB_NAME", "")
	t.Setenv("DB_SSLMODE", "")

	cfg, err := LoadMaster()
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.DatabaseURL, "postgres://movex:p%40ss@db:6543/movex?sslmode=disable")

	t.Setenv("DATABASE_URL", "postgres://elsewhere/journal")
	cfg, err = LoadMaster()
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.DatabaseURL, "postgres://elsewhere/journal")
}

func TestBadLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "loud")
	_, err := LoadMaster()
	assert.NotEqual(t, err, nil)
}

func TestResourceFileBindsReducers(t *testing.T) {
	t.Setenv("MOVEX_CONFIG", writeFile(t, `
resources:
  - type: rps
  - type: tournament-game
    reducer: rps
`))

	cfg, err := LoadMaster()
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.Resources.Resources, []ResourceSpec{
		{Type: "rps"},
		{Type: "tournament-game", Reducer: rps.ResourceType},
	})

	reducers, err := cfg.Reducers()
	assert.Equal(t, err, nil)
	_, ok := reducers.Get("tournament-game")
	assert.Equal(t, ok, true)
	_, ok = reducers.Get("rps")
	assert.Equal(t, ok, true)
}

func TestResourceFileUnknownReducer(t *testing.T) {
	t.Setenv("MOVEX_CONFIG", writeFile(t, `
resources:
  - type: chess
    reducer: chess
`))

	cfg, err := LoadMaster()
	assert.Equal(t, err, nil)
	_, err = cfg.Reducers()
	assert.NotEqual(t, err, nil)
}

func TestResourceFileRequiresType(t *testing.T) {
	t.Setenv("MOVEX_CONFIG", writeFile(t, "resources:\n  - reducer: rps\n"))
	_, err := LoadMaster()
	assert.NotEqual(t, err, nil)
}

func TestMissingResourceFile(t *testing.T) {
	t.Setenv("MOVEX_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := LoadMaster()
	assert.NotEqual(t, err, nil)
}

func TestReducersFallBackToDefaults(t *testing.T) {
	cfg := &Master{}
	reducers, err := cfg.Reducers(rps.ResourceType)
	assert.Equal(t, err, nil)
	_, ok := reducers.Get(rps.ResourceType)
	assert.Equal(t, ok, true)
}

func TestLoadClient(t *testing.T) {
	t.Setenv("MOVEX_URL", "ws://master:8080/ws")
	t.Setenv("MOVEX_USER_ID", "")
	t.Setenv("MOVEX_API_KEY", "key")
	t.Setenv("MOVEX_WAIT_FOR_RESPONSE", "")

	cfg, err := LoadClient()
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.WaitForResponse, client.DefaultWaitForResponse)

	cc := cfg.ClientConfig()
	assert.Equal(t, cc.URL, "ws://master:8080/ws")
	assert.Equal(t, cc.APIKey, "key")
	assert.NotEqual(t, cc.UserID, "")
	assert.Equal(t, cc.Validate(), nil)
}

func TestLoadClientWaitForResponse(t *testing.T) {
	t.Setenv("MOVEX_WAIT_FOR_RESPONSE", "250ms")
	cfg, err := LoadClient()
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.WaitForResponse, 250*time.Millisecond)

	t.Setenv("MOVEX_WAIT_FOR_RESPONSE", "soon")
	_, err = LoadClient()
	assert.NotEqual(t, err, nil)
}
