// main implements the CLI for the MCP hub.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/mcphub/mcp-hub/internal/admin"
	"github.com/mcphub/mcp-hub/internal/catalog"
	"github.com/mcphub/mcp-hub/internal/config"
	"github.com/mcphub/mcp-hub/internal/downstream"
	"github.com/mcphub/mcp-hub/internal/gateway"
	"github.com/mcphub/mcp-hub/internal/registry"
	"github.com/mcphub/mcp-hub/internal/session"
)

// version is overridden at build time with -ldflags.
var version = "dev"

var logger = slog.New(slog.NewTextHandler(os.Stdout, nil))

func main() {

	var (
		listenAddrFlag string
		hubConfigFile  string
		loglevel       int
		logFormat      string
	)
	flag.StringVar(
		&listenAddrFlag,
		"listen-address",
		"",
		"the address to serve on, overrides the config file when set",
	)
	flag.StringVar(
		&hubConfigFile,
		"hub-config",
		"",
		"where to locate the hub config, optional",
	)
	flag.IntVar(
		&loglevel,
		"log-level",
		int(slog.LevelInfo),
		"set the log level 0=info, 4=warn , 8=error and -4=debug",
	)
	flag.StringVar(&logFormat, "log-format", "txt", "switch to json logs with --log-format=json")
	flag.Parse()

	slog.SetLogLoggerLevel(slog.Level(loglevel))

	if logFormat == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	cfg := config.Default()
	if hubConfigFile != "" {
		if err := cfg.Load(hubConfigFile); err != nil {
			log.Fatalf("Error loading hub config: %s", err)
		}
	}
	if listenAddrFlag != "" {
		cfg.ListenAddress = listenAddrFlag
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sessionOpts []func(*session.Store)
	if cfg.RedisURL != "" {
		sessionOpts = append(sessionOpts, session.WithConnectionString(cfg.RedisURL))
	}
	sessions, err := session.New(ctx, sessionOpts...)
	if err != nil {
		log.Fatalf("Cannot set up session store: %s", err)
	}
	defer func() { _ = sessions.Close() }()

	reg := registry.New()
	client := downstream.NewClient(cfg.DownstreamTimeout(), version, logger)
	cat := catalog.NewStore(reg, sessions, client, logger)
	gw := gateway.New(reg, sessions, cat, client, version, logger)

	seeder := gateway.NewSeeder(gw)
	cfg.RegisterObserver(seeder)
	cfg.Notify(ctx)

	if hubConfigFile != "" {
		viper.WatchConfig()
		viper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("hub config changed", "config file", in.Name)
			if err := cfg.Load(hubConfigFile); err != nil {
				logger.Error("could not reload hub config", "error", err)
				return
			}
			cfg.Notify(ctx)
		})
	}

	httpSrv := setUpHub(cfg, reg, cat, gw)

	go gw.RunRefreshLoop(ctx, cfg.RefreshInterval())

	go func() {
		logger.Info("[http] starting MCP Hub", "listening", httpSrv.Addr, "version", version)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[http] Cannot start hub: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	logger.Info("shutting down MCP Hub")
	cancel()
	shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownRelease()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("HTTP shutdown error: %v", err)
	}
}

func setUpHub(cfg *config.HubConfig, reg *registry.Registry, cat *catalog.Store, gw *gateway.Gateway) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, "MCP Hub is up. The MCP endpoint is on /mcp/, the admin API on /api")
	})
	mux.Handle("/mcp/", gw)
	mux.Handle("/mcp", gw)

	admin.New(reg, cat, gw, cfg.AdminToken, logger).Register(mux)

	return &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}
