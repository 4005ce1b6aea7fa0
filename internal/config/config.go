// Package config loads server configuration from config.json and the
// environment. Values set in the environment always win over the file;
// the file supplies the values the environment leaves unset. The file
// is consulted directly when settings are resolved; it does not set any
// environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
)

// Config is the parsed shape of config.json.
type Config struct {
	Server struct {
		HTTPPort     int      `json:"http_port"`
		AllowOrigins []string `json:"allow_origins"`
	} `json:"server"`

	Scheduling struct {
		WorkerThreads     int `json:"worker_threads"`
		MaxModelQueue     int `json:"max_model_queue"`
		MaxSessionPending int `json:"max_session_pending"`
		MaxQueueWaitMs    int `json:"max_queue_wait_ms"`
	} `json:"scheduling"`

	Engine struct {
		Kind             string `json:"kind"`
		DefaultModel     string `json:"default_model"`
		KVResetMargin    int    `json:"kv_reset_margin"`
		DefaultMaxTokens int    `json:"default_max_tokens"`
		ModelPath        string `json:"model_path"`
		ContextWindow    int    `json:"context_window"`
		Threads          int    `json:"threads"`
	} `json:"engine"`

	Logging struct {
		Debug bool `json:"debug"`
	} `json:"logging"`

	Session struct {
		IdleTTLSeconds int `json:"idle_ttl_seconds"`
		MaxSessions    int `json:"max_sessions"`
		GCBatch        int `json:"gc_batch"`
	} `json:"session"`
}

var (
	configOnce sync.Once
	fileConfig *Config
	filePath   string
)

// DefaultPaths returns the candidate locations for config.json, checked
// in order; the first one that exists is used.
func DefaultPaths() []string {
	var paths []string
	if p := os.Getenv("SERVE_CONFIG"); p != "" {
		paths = append(paths, p)
	}
	paths = append(paths, "config.json", "/etc/serve/config.json")
	return paths
}

// loadFile reads config.json into a loosely-typed map first, then
// decodes that map into Config via mapstructure (matched on the json
// tags), rather than unmarshaling straight into the struct. This keeps
// the file format itself plain JSON while giving the server a single
// decode path that can also accept config fragments assembled at
// runtime (tests build Config values without ever touching disk).
func loadFile() (*Config, string, error) {
	for _, p := range DefaultPaths() {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, "", fmt.Errorf("reading config file %s: %w", p, err)
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, "", fmt.Errorf("parsing config file %s: %w", p, err)
		}
		var c Config
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			TagName: "json",
			Result:  &c,
		})
		if err != nil {
			return nil, "", fmt.Errorf("building config decoder: %w", err)
		}
		if err := dec.Decode(raw); err != nil {
			return nil, "", fmt.Errorf("decoding config file %s: %w", p, err)
		}
		return &c, p, nil
	}
	return nil, "", nil
}

func fromFile() *Config {
	configOnce.Do(func() {
		c, path, err := loadFile()
		if err != nil {
			slog.Warn("failed to load config file", "error", err)
			return
		}
		fileConfig, filePath = c, path
		if fileConfig != nil {
			slog.Debug("loaded config file", "path", filePath)
		}
	})
	return fileConfig
}

func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func configFile() *Config {
	return fromFile()
}

func intOr(key string, fromFile func(*Config) int, def int) int {
	if v := clean(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Error("invalid integer setting, ignoring", "key", key, "value", v)
	}
	if c := configFile(); c != nil {
		if n := fromFile(c); n != 0 {
			return n
		}
	}
	return def
}

func boolOr(key string, fromFile func(*Config) bool, def bool) bool {
	if v := clean(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	if c := configFile(); c != nil {
		if fromFile(c) {
			return true
		}
	}
	return def
}

func strOr(key string, fromFile func(*Config) string, def string) string {
	if v := clean(key); v != "" {
		return v
	}
	if c := configFile(); c != nil {
		if s := fromFile(c); s != "" {
			return s
		}
	}
	return def
}

// Resolved is the effective configuration after applying env-over-file
// precedence; this is what the rest of the program consumes.
type Resolved struct {
	HTTPPort          int
	AllowOrigins      []string
	WorkerThreads     int
	MaxModelQueue     int
	MaxSessionPending int
	MaxQueueWaitMs    int
	EngineKind        string
	DefaultModel      string
	KVResetMargin     int
	DefaultMaxTokens  int
	ModelPath         string
	ContextWindow     int
	EngineThreads     int
	Debug             bool
	IdleTTLSeconds    int
	MaxSessions       int
	GCBatch           int
}

// Load resolves the effective configuration from config.json and the
// environment, env always winning.
func Load() *Resolved {
	origins := strOr("SERVE_ALLOW_ORIGINS", func(c *Config) string { return strings.Join(c.Server.AllowOrigins, ",") }, "*")

	r := &Resolved{
		HTTPPort:          intOr("SERVE_HTTP_PORT", func(c *Config) int { return c.Server.HTTPPort }, 11434),
		AllowOrigins:      strings.Split(origins, ","),
		WorkerThreads:     intOr("SERVE_WORKER_THREADS", func(c *Config) int { return c.Scheduling.WorkerThreads }, 4),
		MaxModelQueue:     intOr("SERVE_MAX_MODEL_QUEUE", func(c *Config) int { return c.Scheduling.MaxModelQueue }, 512),
		MaxSessionPending: intOr("SERVE_MAX_SESSION_PENDING", func(c *Config) int { return c.Scheduling.MaxSessionPending }, 64),
		MaxQueueWaitMs:    intOr("SERVE_MAX_QUEUE_WAIT_MS", func(c *Config) int { return c.Scheduling.MaxQueueWaitMs }, 2000),
		EngineKind:        strOr("SERVE_ENGINE_KIND", func(c *Config) string { return c.Engine.Kind }, "dummy"),
		DefaultModel:      strOr("SERVE_DEFAULT_MODEL", func(c *Config) string { return c.Engine.DefaultModel }, "default"),
		KVResetMargin:     intOr("SERVE_KV_RESET_MARGIN", func(c *Config) int { return c.Engine.KVResetMargin }, 256),
		DefaultMaxTokens:  intOr("SERVE_DEFAULT_MAX_TOKENS", func(c *Config) int { return c.Engine.DefaultMaxTokens }, 512),
		ModelPath:         strOr("SERVE_MODEL_PATH", func(c *Config) string { return c.Engine.ModelPath }, ""),
		ContextWindow:     intOr("SERVE_CONTEXT_WINDOW", func(c *Config) int { return c.Engine.ContextWindow }, 4096),
		EngineThreads:     intOr("SERVE_ENGINE_THREADS", func(c *Config) int { return c.Engine.Threads }, 4),
		Debug:             boolOr("SERVE_DEBUG", func(c *Config) bool { return c.Logging.Debug }, false),
		IdleTTLSeconds:    intOr("SERVE_IDLE_TTL_SECONDS", func(c *Config) int { return c.Session.IdleTTLSeconds }, 1800),
		MaxSessions:       intOr("SERVE_MAX_SESSIONS", func(c *Config) int { return c.Session.MaxSessions }, 1024),
		GCBatch:           intOr("SERVE_GC_BATCH", func(c *Config) int { return c.Session.GCBatch }, 64),
	}
	if r.ModelPath != "" && r.EngineKind == "dummy" {
		r.EngineKind = "llama"
	}
	return r
}
