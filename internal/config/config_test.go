package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_HasSaneDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "127.0.0.1:8090", cfg.ListenAddr)
	assert.Equal(t, DefaultDBTimeoutMs, cfg.DBTimeoutMs)
	assert.Equal(t, 10, cfg.MaxSSEPerIP)
	assert.Equal(t, 1000, cfg.MaxSSEGlobal)
}

func TestLoad_NoFile_ReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_ValidConfig_OverridesDefaults(t *testing.T) {
	content := `
listen_addr: "0.0.0.0:9090"
cache_root: "/var/lib/enginerd/runs"
db_timeout_ms: 60000
max_sse_per_ip: 5
max_sse_global: 200
rate_limit_per_second: 10
rate_limit_burst: 20
cors_origins:
  - "https://console.example.com"
`
	path := writeTemp(t, content)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.ListenAddr)
	assert.Equal(t, "/var/lib/enginerd/runs", cfg.CacheRoot)
	assert.Equal(t, 60000, cfg.DBTimeoutMs)
	assert.Equal(t, 5, cfg.MaxSSEPerIP)
	assert.Equal(t, 200, cfg.MaxSSEGlobal)
	assert.Equal(t, []string{"https://console.example.com"}, cfg.CORSOrigins)
}

func TestLoad_PartialConfig_KeepsDefaultsForOmittedFields(t *testing.T) {
	path := writeTemp(t, `listen_addr: "0.0.0.0:9090"`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.ListenAddr)
	assert.Equal(t, DefaultDBTimeoutMs, cfg.DBTimeoutMs)
	assert.Equal(t, 1000, cfg.MaxSSEGlobal)
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTemp(t, "{{not yaml")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_ZeroDBTimeout_ReturnsError(t *testing.T) {
	path := writeTemp(t, "db_timeout_ms: 0")

	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "db_timeout_ms")
}

func TestLoad_EmptyCacheRoot_ReturnsError(t *testing.T) {
	path := writeTemp(t, `cache_root: ""`)

	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "cache_root")
}

func TestResolvePath_EnvVar_TakesPriority(t *testing.T) {
	tmp := writeTemp(t, "listen_addr: 127.0.0.1:8090")
	t.Setenv("ENGINERD_CONFIG", tmp)

	path := ResolvePath()
	assert.Equal(t, tmp, path)
}

func TestResolvePath_NoEnvVar_FallsBackToDefaultFile(t *testing.T) {
	t.Setenv("ENGINERD_CONFIG", "")

	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "enginerd.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("listen_addr: 127.0.0.1:8090"), 0o644))

	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(origDir)

	path := ResolvePath()
	assert.Equal(t, "enginerd.yaml", path)
}

func TestResolvePath_NoEnvVar_NoFile_ReturnsEmpty(t *testing.T) {
	t.Setenv("ENGINERD_CONFIG", "")

	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(origDir)

	path := ResolvePath()
	assert.Equal(t, "", path)
}

// writeTemp creates a temporary YAML file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	f.Close()
	return f.Name()
}
