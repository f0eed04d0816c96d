package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("KEYGATE_STORE_BACKEND", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "admin", cfg.Auth.AdminUsername)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("KEYGATE_STORE_BACKEND", "memory")
	t.Setenv("KEYGATE_SERVER_PORT", "9090")
	t.Setenv("KEYGATE_LOGGING_LEVEL", "debug")
	t.Setenv("KEYGATE_WEBHOOK_URL", "https://discord.example/hook")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "https://discord.example/hook", cfg.Webhook.URL)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "firestore requires project id",
			env:  map[string]string{"KEYGATE_STORE_BACKEND": "firestore"},
		},
		{
			name: "unknown backend",
			env:  map[string]string{"KEYGATE_STORE_BACKEND": "mysql"},
		},
		{
			name: "bad port",
			env: map[string]string{
				"KEYGATE_STORE_BACKEND": "memory",
				"KEYGATE_SERVER_PORT":   "70000",
			},
		},
		{
			name: "bad log level",
			env: map[string]string{
				"KEYGATE_STORE_BACKEND": "memory",
				"KEYGATE_LOGGING_LEVEL": "verbose",
			},
		},
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
