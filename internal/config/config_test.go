package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("CAS_MAX_RETRIES", "")
	t.Setenv("BATCH_WRITE_LIMIT", "")
	t.Setenv("REDIS_ADDR", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.StoreDriver)
	assert.Equal(t, 3, cfg.CASMaxRetries)
	assert.Equal(t, 500, cfg.BatchWriteLimit)
	assert.Equal(t, 30*time.Second, cfg.TokenLockTTL)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", StoreSQLite)
	t.Setenv("CAS_MAX_RETRIES", "7")
	t.Setenv("SHUTDOWN_TIMEOUT", "12s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreSQLite, cfg.StoreDriver)
	assert.Equal(t, 7, cfg.CASMaxRetries)
	assert.Equal(t, 12*time.Second, cfg.ShutdownTimeout)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	t.Setenv("CAS_MAX_RETRIES", "many")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("CAS_MAX_RETRIES", "")
	t.Setenv("STORE_DRIVER", "firestore")
	_, err = Load()
	assert.Error(t, err)
}

func TestNewLogger_Level(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, NewLogger("debug").GetLevel())
	assert.Equal(t, logrus.InfoLevel, NewLogger("loud").GetLevel())
}
