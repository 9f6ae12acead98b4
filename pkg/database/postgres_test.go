package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realmgate/realmgate/pkg/config"
)

func TestFromGlobalConfigDefaults(t *testing.T) {
	for _, env := range []string{"POSTGRES_POOL_SIZE", "POSTGRES_MAX_OVERFLOW", "POSTGRES_POOL_RECYCLE", "POSTGRES_POOL_TIMEOUT"} {
		t.Setenv(env, "")
		t.Setenv("REALMGATE_"+env, "")
	}
	pg := FromGlobalConfig(config.FromEnv())

	// Base pool plus overflow headroom.
	assert.Equal(t, int32(100), pg.MaxConnections)
	assert.Equal(t, 30*time.Second, pg.ConnectionTimeout)
	assert.Equal(t, 300*time.Second, pg.MaxConnLifetime)
}

func TestFromGlobalConfigOverrides(t *testing.T) {
	cfg := config.New()
	cfg.Update(map[string]string{
		"database.url":          "postgres://app@db:5432/app",
		"database.pool_size":    "20",
		"database.max_overflow": "5",
		"database.pool_recycle": "600",
	})

	pg := FromGlobalConfig(cfg)

	assert.Equal(t, "postgres://app@db:5432/app", pg.URL)
	assert.Equal(t, int32(25), pg.MaxConnections)
	assert.Equal(t, 600*time.Second, pg.MaxConnLifetime)
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(context.Background(), PostgreSQLConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}
