// Package config provides production-grade configuration management for
// fetchmcp. It supports environment-variable loading (the server's primary
// deployment contract, spec.md §6.3) with safe, clamped defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all tunable parameters for the fetch server. The struct is
// loaded once at startup and then shared across goroutines as a read-only
// value, exactly like the teacher's Config.
type Config struct {
	// FetchTimeout is the per-fetch timeout. Env: FETCH_TIMEOUT_MS,
	// default 15s, clamped to [1s, 60s].
	FetchTimeout time.Duration `json:"fetch_timeout"`

	// MaxHTMLBytes caps the response body read by the Response Reader.
	// Default 10 MiB.
	MaxHTMLBytes int64 `json:"max_html_bytes"`

	// MaxInlineContentChars caps inline Markdown length; 0 = unlimited.
	MaxInlineContentChars int `json:"max_inline_content_chars"`

	// AllowLocalFetch, when true, permits private IP ranges (cloud-metadata
	// literals remain blocked regardless).
	AllowLocalFetch bool `json:"allow_local_fetch"`

	// AllowedHosts is the inbound host allow-list; empty means "allow all".
	AllowedHosts []string `json:"allowed_hosts"`

	// BlockPrivateConnections is loaded from the environment, but no
	// component reads it: inbound connections from private IP ranges are
	// not dropped.
	BlockPrivateConnections bool `json:"block_private_connections"`

	// TasksMaxTotal / TasksMaxPerOwner enforce Task Manager capacity.
	TasksMaxTotal   int `json:"tasks_max_total"`
	TasksMaxPerOwner int `json:"tasks_max_per_owner"`

	// CacheEnabled is the master cache switch.
	CacheEnabled bool `json:"cache_enabled"`

	// CacheMaxBytes / CacheMaxEntries / CacheMaxEntryBytes / CacheTTL bound
	// the response cache.
	CacheMaxBytes      int64         `json:"cache_max_bytes"`
	CacheMaxEntries    int           `json:"cache_max_entries"`
	CacheMaxEntryBytes int64         `json:"cache_max_entry_bytes"`
	CacheTTL           time.Duration `json:"cache_ttl"`

	// UserAgent is the outbound User-Agent string.
	UserAgent string `json:"user_agent"`

	// MaxRedirects bounds the Redirect Follower.
	MaxRedirects int `json:"max_redirects"`

	// MaxURLLength bounds the URL Normalizer.
	MaxURLLength int `json:"max_url_length"`

	// SessionTTL / MaxSessions bound the Session Store.
	SessionTTL  time.Duration `json:"session_ttl"`
	MaxSessions int           `json:"max_sessions"`

	// SessionSweepInterval is loaded but not read by the Session Store: the
	// sweep tick is always min(max(SessionTTL/2, 10s), 60s), whatever
	// value is set here.
	SessionSweepInterval time.Duration `json:"session_sweep_interval"`
}

// DefaultConfig returns a *Config pre-filled with the defaults named in
// spec.md §3 and §6.3. Callers are free to mutate the returned struct; each
// call returns a fresh independent copy.
func DefaultConfig() *Config {
	return &Config{
		FetchTimeout:            15 * time.Second,
		MaxHTMLBytes:            10 * 1024 * 1024,
		MaxInlineContentChars:   0,
		AllowLocalFetch:         false,
		AllowedHosts:            nil,
		BlockPrivateConnections: false,
		TasksMaxTotal:           1000,
		TasksMaxPerOwner:        50,
		CacheEnabled:            true,
		CacheMaxBytes:           64 * 1024 * 1024,
		CacheMaxEntries:         500,
		CacheMaxEntryBytes:      8 * 1024 * 1024,
		CacheTTL:                10 * time.Minute,
		UserAgent:               "fetchmcp/1.0 (+https://modelcontextprotocol.io)",
		MaxRedirects:            5,
		MaxURLLength:            2048,
		SessionTTL:              30 * time.Minute,
		MaxSessions:             1000,
		SessionSweepInterval:    0,
	}
}

// FromEnv loads a Config starting from DefaultConfig and overlaying values
// present in the environment, per the spec.md §6.3 contract. Malformed
// values are ignored and the default is kept, mirroring the teacher's
// "zero-value fields retain Go's zero values" tolerance for bad input.
func FromEnv() *Config {
	cfg := DefaultConfig()

	if v, ok := envInt("FETCH_TIMEOUT_MS"); ok {
		d := time.Duration(v) * time.Millisecond
		cfg.FetchTimeout = clampDuration(d, time.Second, 60*time.Second)
	}
	if v, ok := envInt64("MAX_HTML_BYTES"); ok && v > 0 {
		cfg.MaxHTMLBytes = v
	}
	if v, ok := envInt("MAX_INLINE_CONTENT_CHARS"); ok && v >= 0 {
		cfg.MaxInlineContentChars = v
	}
	if v, ok := envBool("ALLOW_LOCAL_FETCH"); ok {
		cfg.AllowLocalFetch = v
	}
	if v, ok := os.LookupEnv("ALLOWED_HOSTS"); ok {
		cfg.AllowedHosts = splitAndTrim(v)
	}
	if v, ok := envBool("SERVER_BLOCK_PRIVATE_CONNECTIONS"); ok {
		cfg.BlockPrivateConnections = v
	}
	if v, ok := envInt("TASKS_MAX_TOTAL"); ok && v > 0 {
		cfg.TasksMaxTotal = v
	}
	if v, ok := envInt("TASKS_MAX_PER_OWNER"); ok && v > 0 {
		cfg.TasksMaxPerOwner = v
	}
	if v, ok := envBool("CACHE_ENABLED"); ok {
		cfg.CacheEnabled = v
	}
	if v, ok := os.LookupEnv("USER_AGENT"); ok && v != "" {
		cfg.UserAgent = v
	}

	return cfg
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

func envInt(key string) (int, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return n, true
}

func envInt64(key string) (int64, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, false
	}
	return b, true
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
