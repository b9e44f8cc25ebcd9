package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// Config represents the TOML configuration structure
type Config struct {
	Server struct {
		Host    string   `toml:"host"`
		Origins []string `toml:"origins"`
	} `toml:"server"`

	Graphs struct {
		Path          string `toml:"path"`
		CacheCapacity int    `toml:"cache_capacity"`
		Device        string `toml:"device"`
		UseGraph      *bool  `toml:"use_graph"`
		Dynamic       *bool  `toml:"dynamic"`
		Precision     string `toml:"precision"`
	} `toml:"graphs"`

	Logging struct {
		Debug  int    `toml:"debug"`
		Format string `toml:"format"`
	} `toml:"logging"`
}

var (
	configOnce sync.Once
	config     *Config
	configPath string
)

// GetConfigPaths returns the list of possible config file paths for the
// current OS. GRAPHBOOST_CONFIG, when set, is the only candidate.
func GetConfigPaths() []string {
	if p := os.Getenv("GRAPHBOOST_CONFIG"); p != "" {
		return []string{p}
	}

	var paths []string
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			paths = append(paths, filepath.Join(appData, "graphboost", "config.toml"))
		}
		if userProfile := os.Getenv("USERPROFILE"); userProfile != "" {
			paths = append(paths, filepath.Join(userProfile, ".graphboost", "config.toml"))
		}
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			paths = append(paths, filepath.Join(xdgConfig, "graphboost", "config.toml"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths,
				filepath.Join(home, ".config", "graphboost", "config.toml"),
				filepath.Join(home, ".graphboost", "config.toml"),
			)
		}
		paths = append(paths, "/etc/graphboost/config.toml")
	}
	return paths
}

// loadConfig loads the first available configuration file
func loadConfig() (*Config, string, error) {
	for _, path := range GetConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			var cfg Config
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, "", fmt.Errorf("error parsing config file %s: %w", path, err)
			}
			return &cfg, path, nil
		}
	}
	return nil, "", nil
}

// ReloadConfig forgets the loaded config file and reads the environment
// again.
func ReloadConfig() {
	configOnce = sync.Once{}
	config, configPath = nil, ""
	LoadConfig()
}

// ConfigPath returns the config file in use, if any.
func ConfigPath() string {
	GetConfigValue("")
	return configPath
}

// GetConfigValue returns the value for a given environment variable key from the config file
func GetConfigValue(key string) string {
	configOnce.Do(func() {
		var err error
		config, configPath, err = loadConfig()
		if err != nil {
			slog.Warn("failed to load config file", "error", err)
		} else if config != nil {
			slog.Debug("loaded config file", "path", configPath)
		}
	})

	if config == nil {
		return ""
	}

	optional := func(b *bool) string {
		if b == nil {
			return ""
		}
		return fmt.Sprintf("%t", *b)
	}

	switch key {
	case "GRAPHBOOST_HOST":
		return config.Server.Host
	case "GRAPHBOOST_ORIGINS":
		return strings.Join(config.Server.Origins, ",")
	case "GRAPHBOOST_GRAPHS":
		return config.Graphs.Path
	case "GRAPHBOOST_CACHE_CAPACITY":
		if config.Graphs.CacheCapacity > 0 {
			return fmt.Sprintf("%d", config.Graphs.CacheCapacity)
		}
	case "GRAPHBOOST_DEVICE":
		return config.Graphs.Device
	case "GRAPHBOOST_USE_GRAPH":
		return optional(config.Graphs.UseGraph)
	case "GRAPHBOOST_DYNAMIC":
		return optional(config.Graphs.Dynamic)
	case "GRAPHBOOST_PRECISION":
		return config.Graphs.Precision
	case "GRAPHBOOST_DEBUG":
		if config.Logging.Debug > 0 {
			return fmt.Sprintf("%d", config.Logging.Debug)
		}
	case "GRAPHBOOST_LOG_FORMAT":
		return config.Logging.Format
	}

	return ""
}

// GenerateExampleConfig returns a commented example TOML configuration
func GenerateExampleConfig() string {
	return `# graphboost configuration file
# Environment variables take precedence over these values.

[server]
# Network binding address (default: "127.0.0.1:11535")
host = "127.0.0.1:11535"
# Allowed CORS origins
origins = ["http://localhost:3000"]

[graphs]
# Graph file directory (default: "~/.graphboost")
path = "/path/to/graphs"
# Compiled graphs kept per module; required to serve
cache_capacity = 1
# Device graphs are built for (default: "cpu")
device = "cpu"
# Run modules through compiled graphs (default: true)
use_graph = true
# Allow dynamic axes in graph signatures (default: true)
dynamic = true
# Parameter precision: "f32", "f16" or "bf16" (default: "f32")
precision = "f32"

[logging]
# 1 for debug, 2 for trace logging (default: 0)
debug = 0
# "text" or "json" (default: "text")
format = "text"
`
}
