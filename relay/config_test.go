package relay

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 2, cfg.MaxParticipants)
	assert.Equal(t, 24*time.Hour, cfg.RoomTTL)
}

func TestLoadConfigFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"addr: \":9000\"\njwt_secret: file-secret\nroom_ttl: 1h\nredis:\n  addr: redis:6379\n",
	), 0o600))

	t.Setenv("RELAY_JWT_SECRET", "env-secret")
	t.Setenv("RELAY_MAX_PARTICIPANTS", "4")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, time.Hour, cfg.RoomTTL)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	// Environment wins over the file.
	assert.Equal(t, "env-secret", cfg.JWTSecret)
	assert.Equal(t, 4, cfg.MaxParticipants)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
