package envconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphboost/graphboost/logutil"
)

// isolate points the config file lookup at an empty directory.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("GRAPHBOOST_CONFIG", filepath.Join(dir, "config.toml"))
	ReloadConfig()
	t.Cleanup(ReloadConfig)
	return dir
}

func TestConfig(t *testing.T) {
	isolate(t)

	t.Setenv("GRAPHBOOST_DEBUG", "")
	LoadConfig()
	require.False(t, Debug)
	assert.Equal(t, slog.LevelInfo, LogLevel)

	t.Setenv("GRAPHBOOST_DEBUG", "false")
	LoadConfig()
	require.False(t, Debug)

	t.Setenv("GRAPHBOOST_DEBUG", "1")
	LoadConfig()
	require.True(t, Debug)
	assert.Equal(t, slog.LevelDebug, LogLevel)

	t.Setenv("GRAPHBOOST_DEBUG", "2")
	LoadConfig()
	assert.Equal(t, logutil.LevelTrace, LogLevel)

	t.Setenv("GRAPHBOOST_USE_GRAPH", "0")
	t.Setenv("GRAPHBOOST_DYNAMIC", "maybe")
	LoadConfig()
	assert.False(t, UseGraph)
	assert.True(t, Dynamic, "invalid values keep the default")
}

func TestCacheCapacity(t *testing.T) {
	isolate(t)

	cases := map[string]int{"": 0, "3": 3, "0": 0, "-2": 0, "many": 0}
	for value, want := range cases {
		t.Setenv("GRAPHBOOST_CACHE_CAPACITY", value)
		LoadConfig()
		assert.Equal(t, want, CacheCapacity, value)
	}
}

func TestHost(t *testing.T) {
	isolate(t)

	type testCase struct {
		value  string
		expect string
		err    error
	}

	hostTestCases := map[string]*testCase{
		"empty":               {value: "", expect: "127.0.0.1:11535"},
		"only address":        {value: "1.2.3.4", expect: "1.2.3.4:11535"},
		"only port":           {value: ":1234", expect: ":1234"},
		"address and port":    {value: "1.2.3.4:1234", expect: "1.2.3.4:1234"},
		"hostname":            {value: "example.com", expect: "example.com:11535"},
		"hostname and port":   {value: "example.com:1234", expect: "example.com:1234"},
		"scheme":              {value: "http://example.com:1234", expect: "example.com:1234"},
		"too large port":      {value: ":66000", err: ErrInvalidHostPort},
		"too small port":      {value: ":-1", err: ErrInvalidHostPort},
		"ipv6 localhost":      {value: "[::1]", expect: "[::1]:11535"},
		"ipv6 no brackets":    {value: "::1", expect: "[::1]:11535"},
		"ipv6 + port":         {value: "[::1]:1337", expect: "[::1]:1337"},
		"extra quotes":        {value: "\"1.2.3.4\"", expect: "1.2.3.4:11535"},
		"extra single quotes": {value: "'1.2.3.4'", expect: "1.2.3.4:11535"},
	}

	for k, v := range hostTestCases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("GRAPHBOOST_HOST", v.value)
			host, err := Host()
			require.ErrorIs(t, err, v.err)
			if err == nil {
				assert.Equal(t, v.expect, host)
			}
		})
	}
}

func TestConfigFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
host = "0.0.0.0:9000"
origins = ["http://studio.local"]

[graphs]
path = "/srv/graphs"
cache_capacity = 4
use_graph = false
precision = "f16"

[logging]
debug = 1
`), 0o644))
	ReloadConfig()

	assert.Equal(t, path, ConfigPath())
	assert.Equal(t, "/srv/graphs", Graphs)
	assert.Equal(t, 4, CacheCapacity)
	assert.False(t, UseGraph)
	assert.True(t, Dynamic)
	assert.Equal(t, "f16", Precision)
	assert.True(t, Debug)
	assert.Contains(t, AllowOrigins, "http://studio.local")

	host, err := Host()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", host)

	t.Setenv("GRAPHBOOST_CACHE_CAPACITY", "2")
	LoadConfig()
	assert.Equal(t, 2, CacheCapacity, "environment wins over the file")
}

func TestGenerateExampleConfigParses(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(GenerateExampleConfig()), 0o644))
	ReloadConfig()

	assert.Equal(t, 1, CacheCapacity)
	assert.Equal(t, "/path/to/graphs", Graphs)
}
