package envconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/graphboost/graphboost/logutil"
)

var ErrInvalidHostPort = errors.New("invalid port specified in GRAPHBOOST_HOST")

const defaultPort = "11535"

var (
	// Set via GRAPHBOOST_ORIGINS in the environment
	AllowOrigins []string
	// Set via GRAPHBOOST_DEBUG in the environment
	Debug bool
	// Set via GRAPHBOOST_DEBUG in the environment; 2 enables trace logging
	LogLevel slog.Level
	// Set via GRAPHBOOST_LOG_FORMAT in the environment, "text" or "json"
	LogFormat string
	// Set via GRAPHBOOST_GRAPHS in the environment
	Graphs string
	// Set via GRAPHBOOST_CACHE_CAPACITY in the environment; 0 means unset
	CacheCapacity int
	// Set via GRAPHBOOST_DEVICE in the environment
	Device string
	// Set via GRAPHBOOST_USE_GRAPH in the environment
	UseGraph bool
	// Set via GRAPHBOOST_DYNAMIC in the environment
	Dynamic bool
	// Set via GRAPHBOOST_PRECISION in the environment
	Precision string
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	host, _ := Host()
	return map[string]EnvVar{
		"GRAPHBOOST_DEBUG":          {"GRAPHBOOST_DEBUG", Debug, "Show additional debug information (e.g. GRAPHBOOST_DEBUG=1, 2 for trace)"},
		"GRAPHBOOST_LOG_FORMAT":     {"GRAPHBOOST_LOG_FORMAT", LogFormat, "Log format, text or json (default text)"},
		"GRAPHBOOST_HOST":           {"GRAPHBOOST_HOST", host, "IP Address for the graphboost server (default 127.0.0.1:11535)"},
		"GRAPHBOOST_GRAPHS":         {"GRAPHBOOST_GRAPHS", Graphs, "The path to the graph file directory"},
		"GRAPHBOOST_CACHE_CAPACITY": {"GRAPHBOOST_CACHE_CAPACITY", CacheCapacity, "Compiled graphs kept per module, required to serve"},
		"GRAPHBOOST_DEVICE":         {"GRAPHBOOST_DEVICE", Device, "Device graphs are built for (default cpu)"},
		"GRAPHBOOST_USE_GRAPH":      {"GRAPHBOOST_USE_GRAPH", UseGraph, "Run modules through compiled graphs (default true)"},
		"GRAPHBOOST_DYNAMIC":        {"GRAPHBOOST_DYNAMIC", Dynamic, "Allow dynamic axes in graph signatures (default true)"},
		"GRAPHBOOST_PRECISION":      {"GRAPHBOOST_PRECISION", Precision, "Graph parameter precision: f32, f16 or bf16 (default f32)"},
		"GRAPHBOOST_ORIGINS":        {"GRAPHBOOST_ORIGINS", AllowOrigins, "A comma separated list of allowed origins"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

var defaultAllowOrigins = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
}

// clean returns the environment value of key without quotes and spaces,
// falling back to the config file.
func clean(key string) string {
	if v := strings.Trim(os.Getenv(key), "\"' "); v != "" {
		return v
	}
	return strings.Trim(GetConfigValue(key), "\"' ")
}

func boolValue(key string, def bool) bool {
	s := clean(key)
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		slog.Error("invalid setting, using default", key, s, "default", def)
		return def
	}
	return b
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug = false
	LogLevel = slog.LevelInfo
	if debug := clean("GRAPHBOOST_DEBUG"); debug != "" {
		switch n, err := strconv.Atoi(debug); {
		case err == nil && n >= 2:
			Debug, LogLevel = true, logutil.LevelTrace
		case err == nil:
			Debug = n > 0
		default:
			b, err := strconv.ParseBool(debug)
			Debug = err != nil || b
		}
		if Debug && LogLevel == slog.LevelInfo {
			LogLevel = slog.LevelDebug
		}
	}

	LogFormat = "text"
	if f := strings.ToLower(clean("GRAPHBOOST_LOG_FORMAT")); f == "json" {
		LogFormat = f
	}

	Graphs = clean("GRAPHBOOST_GRAPHS")
	if Graphs == "" {
		if home, err := os.UserHomeDir(); err == nil {
			Graphs = filepath.Join(home, ".graphboost")
		}
	}

	CacheCapacity = 0
	if c := clean("GRAPHBOOST_CACHE_CAPACITY"); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil || n <= 0 {
			slog.Error("invalid setting must be greater than zero", "GRAPHBOOST_CACHE_CAPACITY", c, "error", err)
		} else {
			CacheCapacity = n
		}
	}

	Device = clean("GRAPHBOOST_DEVICE")
	if Device == "" {
		Device = "cpu"
	}
	UseGraph = boolValue("GRAPHBOOST_USE_GRAPH", true)
	Dynamic = boolValue("GRAPHBOOST_DYNAMIC", true)
	Precision = clean("GRAPHBOOST_PRECISION")

	AllowOrigins = nil
	if origins := clean("GRAPHBOOST_ORIGINS"); origins != "" {
		AllowOrigins = strings.Split(origins, ",")
	}
	for _, allowOrigin := range defaultAllowOrigins {
		AllowOrigins = append(AllowOrigins,
			fmt.Sprintf("http://%s", allowOrigin),
			fmt.Sprintf("https://%s", allowOrigin),
			fmt.Sprintf("http://%s:*", allowOrigin),
			fmt.Sprintf("https://%s:*", allowOrigin),
		)
	}
}

// Host returns the listen address from GRAPHBOOST_HOST as host:port.
func Host() (string, error) {
	defaultHost := "127.0.0.1"
	s := clean("GRAPHBOOST_HOST")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "http://"), "https://")
	s = strings.Trim(s, "\"' ")

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		host, port = defaultHost, defaultPort
		if ip := net.ParseIP(strings.Trim(s, "[]")); ip != nil {
			host = ip.String()
		} else if s != "" {
			host = s
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		return "", ErrInvalidHostPort
	}
	return net.JoinHostPort(host, port), nil
}
