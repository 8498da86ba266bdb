// fetchmcp is an MCP server exposing a single `fetch-url` tool over the
// streamable-HTTP/SSE transport.
//
// Startup sequence:
//  1. Load configuration from the environment (or defaults).
//  2. Initialise metrics and logger.
//  3. Build the host policy, DNS resolver, cache, session store, task
//     manager and telemetry emitter.
//  4. Wire the Tool Dispatcher and the MCP transport adapter around them.
//  5. Start the session store's TTL sweep.
//  6. Serve /mcp over HTTP.
//  7. Block until OS signals SIGINT or SIGTERM, then perform a clean
//     shutdown: stop accepting sessions, abort in-flight tasks, close
//     transports.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fetchmcp/fetchmcp/internal/adapters"
	"github.com/fetchmcp/fetchmcp/internal/allowlist"
	"github.com/fetchmcp/fetchmcp/internal/cache"
	"github.com/fetchmcp/fetchmcp/internal/config"
	"github.com/fetchmcp/fetchmcp/internal/dispatcher"
	"github.com/fetchmcp/fetchmcp/internal/dnsresolve"
	"github.com/fetchmcp/fetchmcp/internal/hostpolicy"
	"github.com/fetchmcp/fetchmcp/internal/logging"
	"github.com/fetchmcp/fetchmcp/internal/metrics"
	"github.com/fetchmcp/fetchmcp/internal/sessionstore"
	"github.com/fetchmcp/fetchmcp/internal/taskmgr"
	"github.com/fetchmcp/fetchmcp/internal/telemetry"
	"github.com/fetchmcp/fetchmcp/internal/transport"
)

func main() {
	addr := flag.String("addr", ":8080", "Address the MCP HTTP/SSE server listens on (e.g. :8080)")
	useEnv := flag.Bool("env", true, "Load configuration from the environment instead of built-in defaults")
	flag.Parse()

	log := logging.New(logging.LevelInfo)
	log.Info("fetchmcp starting up")

	var cfg *config.Config
	if *useEnv {
		cfg = config.FromEnv()
		log.Info("configuration loaded from environment")
	} else {
		cfg = config.DefaultConfig()
		log.Info("using default configuration")
	}

	m := metrics.New()

	policy := hostpolicy.FromEnv()
	policy.AllowLocalFetch = cfg.AllowLocalFetch
	resolver := dnsresolve.New(policy)

	c := cache.New(cache.Options{
		Enabled:       cfg.CacheEnabled,
		MaxBytes:      cfg.CacheMaxBytes,
		MaxEntries:    cfg.CacheMaxEntries,
		MaxEntryBytes: cfg.CacheMaxEntryBytes,
	}, log)

	sessions := sessionstore.New(log)
	tasks := taskmgr.New(cfg.TasksMaxTotal, cfg.TasksMaxPerOwner)
	tel := telemetry.New(log, m)

	allowedHosts := ""
	for i, h := range cfg.AllowedHosts {
		if i > 0 {
			allowedHosts += ","
		}
		allowedHosts += h
	}
	al := allowlist.New(allowedHosts)
	log.Infof("inbound host allow-list: %d entries (open=%v)", al.Count(), al.Open())

	d := &dispatcher.Dispatcher{
		Policy:                policy,
		Resolver:              resolver,
		Cache:                 c,
		Tasks:                 tasks,
		Telemetry:             tel,
		Markdown:              adapters.PlainTextConverter{},
		Noise:                 adapters.PassthroughNoiseRemover{},
		Log:                   log,
		UserAgent:             cfg.UserAgent,
		FetchTimeout:          cfg.FetchTimeout,
		MaxRedirects:          cfg.MaxRedirects,
		MaxURLLength:          cfg.MaxURLLength,
		MaxHTMLBytes:          cfg.MaxHTMLBytes,
		MaxInlineContentChars: cfg.MaxInlineContentChars,
		CacheTTL:              cfg.CacheTTL,
	}

	srv := transport.New(d, sessions, tasks, al, adapters.AllowAllVerifier{}, log)
	srv.SessionTTL = cfg.SessionTTL
	srv.MaxSessions = cfg.MaxSessions

	sweepStop := make(chan struct{})
	sessions.StartSweep(cfg.SessionTTL, func(sessionstore.Entry) error {
		m.SessionClosed()
		return nil
	}, sweepStop)
	log.Infof("session store sweep running (ttl=%s, maxSessions=%d)", cfg.SessionTTL, cfg.MaxSessions)

	httpServer := &http.Server{Addr: *addr, Handler: srv.Handler()}
	go func() {
		log.Infof("mcp server listening on %s", *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("mcp server error: %v", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			snap := m.Snapshot()
			log.Infof("metrics - fetches: %d (ok: %d, failed: %d) | cache hits: %d misses: %d | sessions: %d | tasks created: %d completed: %d failed: %d",
				snap.FetchTotal, snap.FetchSuccess, snap.FetchFailed,
				snap.CacheHits, snap.CacheMisses,
				snap.SessionsActive,
				snap.TasksCreated, snap.TasksCompleted, snap.TasksFailed)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Println()
	log.Infof("received signal %s; shutting down", sig)

	tasks.AbortAllTaskExecutions()
	sessions.StopSweep(sweepStop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("mcp server shutdown error: %v", err)
	}

	snap := m.Snapshot()
	log.Infof("final metrics - fetches: %d (ok: %d, failed: %d)", snap.FetchTotal, snap.FetchSuccess, snap.FetchFailed)
	log.Info("fetchmcp shut down cleanly")
}
