package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("INSTANCE_ID", "node-a")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "node-a", cfg.InstanceID)
	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, "jwt", cfg.AuthProvider)
	assert.Equal(t, 50, cfg.HotBufferCapacity)
	assert.Equal(t, time.Hour, cfg.HotBufferTTL)
	assert.Equal(t, time.Hour, cfg.MembershipTTL)
	assert.Equal(t, int64(5*1024*1024), cfg.AttachmentMaxSize)
	assert.True(t, cfg.ClearHotBufferOnIdle)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("HOT_BUFFER_CAPACITY", "10")
	t.Setenv("HOT_BUFFER_TTL", "15m")
	t.Setenv("BUS_DRIVER", "LOCAL")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.HotBufferCapacity)
	assert.Equal(t, 15*time.Minute, cfg.HotBufferTTL)
	assert.Equal(t, "local", cfg.BusDriver)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown store", map[string]string{"JWT_SECRET": "s", "STORE_DRIVER": "mongo"}},
		{"jwt without key", map[string]string{"AUTH_PROVIDER": "jwt", "JWT_SECRET": "", "JWKS_URL": ""}},
		{"firestore without project", map[string]string{"JWT_SECRET": "s", "STORE_DRIVER": "firestore", "FIREBASE_PROJECT_ID": ""}},
		{"unknown bus", map[string]string{"JWT_SECRET": "s", "BUS_DRIVER": "kafka"}},
		{"zero capacity", map[string]string{"JWT_SECRET": "s", "HOT_BUFFER_CAPACITY": "0"}},
		{"unknown metrics exporter", map[string]string{"JWT_SECRET": "s", "METRICS_EXPORTER": "statsd"}},
		{"gcp metrics without project", map[string]string{"JWT_SECRET": "s", "METRICS_EXPORTER": "gcp", "FIREBASE_PROJECT_ID": ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
