package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/http2"
)

type config struct {
	listenAddr     string
	poolConfigPath string
	storePath      string
	logFile        string
	adminToken     string
	requestTimeout time.Duration
	retentionDays  int
	debug          bool
	stdio          bool
}

func buildConfig() config {
	configFile, err := loadConfigFile("config.toml")
	if err != nil {
		log.Printf("warning: failed to load config.toml: %v", err)
	}
	var fileCfg ConfigFile
	if configFile != nil {
		fileCfg = *configFile
	}

	cfg := config{}
	cfg.listenAddr = getConfigString("POOL_LISTEN_ADDR", fileCfg.ListenAddr, "127.0.0.1:8977")
	cfg.poolConfigPath = getConfigString("PPLX_TOKEN_POOL_CONFIG", fileCfg.PoolConfigPath, "")
	cfg.storePath = getConfigString("POOL_DB_PATH", fileCfg.DBPath, "./data/pool.db")
	cfg.logFile = getConfigString("POOL_LOG_FILE", fileCfg.LogFile, "pplx-pool.log")
	cfg.adminToken = getConfigString("PPLX_ADMIN_TOKEN", fileCfg.AdminToken, "")
	cfg.retentionDays = getConfigInt("POOL_USAGE_RETENTION_DAYS", fileCfg.RetentionDays, 30)
	cfg.debug = getConfigBool("POOL_DEBUG", fileCfg.Debug, false)

	// Deep research can legitimately run for minutes; default to 15.
	timeoutSeconds := getConfigFloat64("PERPLEXITY_TIMEOUT", fileCfg.RequestTimeout, 900)
	cfg.requestTimeout = time.Duration(timeoutSeconds * float64(time.Second))

	flag.StringVar(&cfg.listenAddr, "listen", cfg.listenAddr, "listen address")
	flag.StringVar(&cfg.poolConfigPath, "config", cfg.poolConfigPath, "path to token pool config JSON")
	flag.BoolVar(&cfg.stdio, "stdio", false, "run as stdio tool server instead of HTTP server")
	flag.Parse()
	return cfg
}

// setupLogging tees log output to the configured file so /logs/tail has
// something to serve. Falls back to stderr only.
func setupLogging(path string) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("warning: cannot open log file %s: %v", path, err)
		return
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
}

func main() {
	cfg := buildConfig()
	setupLogging(cfg.logFile)

	pool, err := loadPool(cfg.poolConfigPath, NewSession, cfg.debug)
	if err != nil {
		log.Fatalf("load pool: %v", err)
	}
	log.Printf("pool loaded (%d clients)", pool.count())

	if cfg.stdio {
		// The stdio process never writes the master config; the admin
		// server owns it. Runtime state is still shared via the state file.
		pool.configWritable = false
		pool.loadState()
		if pool.isStateStale() {
			log.Printf("warning: shared pool state is stale or missing; quotas unknown until the admin server checks")
		}
		engine := newQueryEngine(pool, cfg.requestTimeout, NewSession)
		engine.debug = cfg.debug
		if err := runStdioServer(context.Background(), engine, os.Stdin, os.Stdout); err != nil {
			log.Fatalf("stdio server: %v", err)
		}
		return
	}

	store, err := newUsageStore(cfg.storePath, cfg.retentionDays)
	if err != nil {
		log.Fatalf("open usage store: %v", err)
	}
	defer store.Close()

	pool.loadState()

	mon := newMonitor(pool, cfg.requestTimeout)
	mon.Start()

	engine := newQueryEngine(pool, cfg.requestTimeout, NewSession)
	engine.metrics = newMetrics()
	engine.recent = newFailureLog(defaultFailureLogSize)
	engine.store = store
	engine.debug = cfg.debug

	h := &serverHandler{
		cfg:       cfg,
		pool:      pool,
		engine:    engine,
		mon:       mon,
		metrics:   engine.metrics,
		recent:    engine.recent,
		store:     store,
		startTime: time.Now(),
	}

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       5 * time.Minute,
	}
	if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
		log.Printf("warning: failed to configure HTTP/2 server: %v", err)
	}

	log.Printf("pplx-pool gateway listening on %s (clients=%d, request_timeout=%v)",
		cfg.listenAddr, pool.count(), cfg.requestTimeout)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
