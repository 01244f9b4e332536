package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalConfig = `
[xray]
domain = "proxy.example.com"
`

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 8787, cfg.Server.Port)
	assert.Equal(t, "/etc/xray/config.json", cfg.Xray.ConfigPath)
	assert.Equal(t, "127.0.0.1:10085", cfg.Xray.APIServer)
	assert.Equal(t, "xray", cfg.Xray.Service)
	assert.Equal(t, "proxy.example.com", cfg.Xray.Domain)
	assert.Equal(t, 5*time.Second, cfg.Xray.ExecTimeout)
	assert.Equal(t, 2*time.Second, cfg.Enforcer.Interval)
	assert.True(t, cfg.Enforcer.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadConfig_FileOverrides(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
[server]
port = 9000
shutdown_timeout = "30s"

[api]
tokens = ["secret-token"]

[xray]
domain = "vpn.example.com"
config_path = "/opt/xray/config.json"

[enforcer]
interval = "10s"

[telegram]
bot_token = "bot"
chat_id = "42"

[logging]
level = "debug"
format = "console"
`))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, []string{"secret-token"}, cfg.API.Tokens)
	assert.Equal(t, "/opt/xray/config.json", cfg.Xray.ConfigPath)
	assert.Equal(t, 10*time.Second, cfg.Enforcer.Interval)
	assert.Equal(t, "bot", cfg.Telegram.BotToken)
	assert.Equal(t, "42", cfg.Telegram.ChatID)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("AUTOSCRIPT_XRAY_DOMAIN", "env.example.com")
	t.Setenv("AUTOSCRIPT_SERVER_PORT", "7000")
	t.Setenv("AUTOSCRIPT_XRAY_CONFIG__PATH", "/env/config.json")

	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "env.example.com", cfg.Xray.Domain)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "/env/config.json", cfg.Xray.ConfigPath)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestLoadConfig_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing domain", `[server]
port = 8787
`},
		{"bad port", `[server]
port = 70000

[xray]
domain = "x"
`},
		{"bad log format", `[xray]
domain = "x"

[logging]
format = "xml"
`},
		{"audit without path", `[xray]
domain = "x"

[storage.audit]
enabled = true
sqlite_path = ""
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}
