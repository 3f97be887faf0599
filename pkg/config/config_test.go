package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// clearEnv blanks every variable Load reads so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"HOST", "PORT", "GRPC_PORT", "SYMEXPR_DB", "EXPRESSIONS_DIR", "WORKERS", "LOG_LEVEL"} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
	assert.Equal(t, "0.0.0.0:8787", cfg.Addr())
	assert.Equal(t, "0.0.0.0:8788", cfg.GRPCAddr())

	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, lvl)
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "symexpr.yaml", "port: 9000\nworkers: 4\nexpressions_dir: ./exprs\nlog_level: debug\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "./exprs", cfg.ExpressionsDir)
	assert.Equal(t, "debug", cfg.LogLevel)

	t.Setenv("PORT", "9100")
	t.Setenv("SYMEXPR_DB", "/tmp/x.db")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "/tmp/x.db", cfg.DBPath)
	assert.Equal(t, 4, cfg.Workers)
}

func TestLoadEmptyFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeFile(t, "empty.yaml", ""))
	require.NoError(t, err)
	assert.Equal(t, 8787, cfg.Port)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		env     map[string]string
		wantMsg string
	}{
		{name: "unknown field", file: "prot: 1\n", wantMsg: "field prot not found"},
		{name: "port out of range", env: map[string]string{"PORT": "70000"}, wantMsg: "port must be between"},
		{name: "port not a number", env: map[string]string{"PORT": "http"}, wantMsg: "PORT must be a number"},
		{name: "same ports", env: map[string]string{"PORT": "9000", "GRPC_PORT": "9000"}, wantMsg: "must differ"},
		{name: "negative workers", env: map[string]string{"WORKERS": "-1"}, wantMsg: "workers must not be negative"},
		{name: "bad level", env: map[string]string{"LOG_LEVEL": "loud"}, wantMsg: "invalid log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = writeFile(t, "cfg.yaml", tt.file)
			}
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	// godotenv treats a variable set to "" as present.
	require.NoError(t, os.Unsetenv("GRPC_PORT"))
	t.Setenv("HOST", "127.0.0.1")
	path := writeFile(t, ".env", "HOST=10.0.0.1\nGRPC_PORT=9999\n")

	require.NoError(t, LoadDotEnv(path))
	t.Cleanup(func() { os.Unsetenv("GRPC_PORT") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Host, "existing variables win over .env")
	assert.Equal(t, 9999, cfg.GRPCPort)

	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")))
}
