// Command wisp-edge runs the content-addressed edge server described in
// SPEC_FULL.md §4.M: it subscribes to the upstream repo-commit stream,
// materializes site snapshots on disk, and serves them over HTTP across
// the platform-subdomain, DNS-hash, and custom-domain hostname classes.
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
	"syscall"
	"time"

	"wisp-edge/config"
	"wisp-edge/internal/admin"
	"wisp-edge/internal/cache"
	"wisp-edge/internal/controldb"
	"wisp-edge/internal/dlock"
	"wisp-edge/internal/dnsverify"
	"wisp-edge/internal/httplog"
	"wisp-edge/internal/ingest"
	"wisp-edge/internal/notify"
	"wisp-edge/internal/obslog"
	"wisp-edge/internal/router"
	"wisp-edge/internal/sitestore"
)

var version = "dev"

// backfillConcurrency bounds how many sites are materialized in parallel
// during the optional one-shot backfill on startup.
const backfillConcurrency = 4

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version)
		return
	}

	configPath := flag.String("config", "wisp-edge.toml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(cfg.Server.LogLevel)); err != nil {
		log.Fatalf("invalid log level %q: %v", cfg.Server.LogLevel, err)
	}
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})

	db, err := controldb.Open(cfg.Database.URL)
	if err != nil {
		log.Fatalf("opening control database: %v", err)
	}
	defer db.Close() //nolint:errcheck // best-effort cleanup on shutdown

	logs := obslog.NewStore(db.DB)
	defer logs.Close() //nolint:errcheck // best-effort cleanup on shutdown
	slog.SetDefault(slog.New(logs.Handler("wisp-edge", baseHandler)))

	store := sitestore.New(cfg.Cache.Dir)
	caches := cache.NewCaches(
		cfg.Cache.FilesBudgetMB<<20,
		cfg.Cache.MetaBudgetMB<<20,
		cfg.Cache.RewrittenBudgetMB<<20,
	)
	domains := cache.NewDomainCache()
	barrier := cache.NewBarrier()

	stopSweeper := make(chan struct{})
	defer close(stopSweeper)
	domains.RunSweeper(stopSweeper)

	locker := dlock.New(db)

	var notifier *notify.Notifier
	if !cfg.Cache.CacheOnly {
		notifier = notify.NewNotifier(db.DB)
	}

	identity := &ingest.Identity{PLCDirectory: cfg.Upstream.PLCDirectory, AppView: cfg.Upstream.AppView}

	hostname, _ := os.Hostname()
	worker := &ingest.Worker{
		Subscriber: &ingest.WSSubscriber{Endpoint: cfg.Upstream.Stream, Collection: "place.wisp.site"},
		Identity:   identity,
		Store:      store,
		DB:         db,
		Lock:       locker,
		Barrier:    barrier,
		Caches:     caches,
		Notifier:   notifier,
		HolderID:   hostname,
	}

	resolver := dnsverify.NewResolver(cfg.DNS.Resolver)
	verifier := dnsverify.New(db, resolver, cfg.Server.BaseHost, cfg.DNS.VerifyInterval())

	rt := &router.Router{
		BaseHost: cfg.Server.BaseHost,
		DB:       db,
		Store:    store,
		Caches:   caches,
		Domains:  domains,
		Barrier:  barrier,
		Identity: identity,
		Manifest: worker,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if cfg.Upstream.BackfillOnStartup {
		runBackfill(ctx, db, store, worker)
	}

	listenErr := make(chan error, 4)

	if cfg.Upstream.Stream != "" {
		go func() {
			if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
				listenErr <- fmt.Errorf("ingestion worker: %w", err)
			}
		}()
	}
	go verifier.Run(ctx)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: httplog.Wrap(rt),
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			listenErr <- fmt.Errorf("serve: %w", err)
		}
	}()

	if cfg.Server.AdminAddr != "" {
		adminHandlers := admin.NewHandlers(logs, caches, verifier, worker)
		adminSrv := &http.Server{Addr: cfg.Server.AdminAddr, Handler: adminHandlers.Mux()}
		go func() {
			slog.Info("admin surface listening", "addr", cfg.Server.AdminAddr)
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				listenErr <- fmt.Errorf("admin listener: %w", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			adminSrv.Shutdown(shutdownCtx) //nolint:errcheck // best-effort cleanup on shutdown
		}()
	}

	slog.Info("wisp-edge listening", "base_host", cfg.Server.BaseHost, "port", cfg.Server.Port)
	select {
	case <-ctx.Done():
	case err := <-listenErr:
		slog.Error("listener failed", "err", err)
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
}

// runBackfill iterates every known site row and materializes any that are
// not yet cached, with bounded concurrency (spec.md §4.M).
func runBackfill(ctx context.Context, db *controldb.DB, store *sitestore.Store, worker *ingest.Worker) {
	sites, err := db.ListSites()
	if err != nil {
		slog.Error("backfill: listing sites failed", "err", err)
		return
	}

	sem := make(chan struct{}, backfillConcurrency)
	done := make(chan struct{})
	pending := 0
	for _, s := range sites {
		if store.IsCached(s.UserID, s.SiteName) {
			continue
		}
		pending++
		sem <- struct{}{}
		go func(userID, siteName string) {
			defer func() { <-sem; done <- struct{}{} }()
			if err := worker.ResolveAndMaterialize(ctx, userID, siteName); err != nil {
				slog.Warn("backfill: materializing site failed", "user_id", userID, "site", siteName, "err", err)
			}
		}(s.UserID, s.SiteName)
	}
	for i := 0; i < pending; i++ {
		<-done
	}
	slog.Info("backfill complete", "sites", len(sites), "materialized", pending)
}
