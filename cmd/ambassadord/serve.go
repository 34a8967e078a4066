package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ambassador/internal/aaa"
	"ambassador/internal/audit"
	"ambassador/internal/authz"
	"ambassador/internal/config"
	"ambassador/internal/httpapi"
	"ambassador/internal/keys"
	"ambassador/internal/killswitch"
	"ambassador/internal/reload"
	"ambassador/internal/router"
	"ambassador/internal/sharedpool"
	"ambassador/internal/store"
	"ambassador/internal/tracing"
	"ambassador/internal/userpool"
	"ambassador/internal/vault"
	"ambassador/pkg/logging"
)

// serveDebug enables verbose (debug-level) logging.
var serveDebug bool

// serveConfigPath points at a directory containing config.yaml; when unset,
// config.DefaultConfigPath is used.
var serveConfigPath string

// serveTracing turns on the stdout span exporter; off by default since a
// production deployment without a collector has nowhere useful to send
// spans and they only add noise to the log stream.
var serveTracing bool

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ambassador HTTP gateway",
		Long: `Starts the MCP Ambassador gateway: the AAA pipeline, downstream
connection manager, tool router, and admin REST API all run in this
process. Configuration is loaded from <config-path>/config.yaml, falling
back to built-in defaults for anything the file omits.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug-level logging")
	cmd.Flags().StringVar(&serveConfigPath, "config-path", "", "Custom configuration directory (defaults to ~/.config/ambassador)")
	cmd.Flags().BoolVar(&serveTracing, "tracing", false, "Emit OpenTelemetry spans to stdout")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	level := logging.LevelInfo
	if serveDebug {
		level = logging.LevelDebug
	}
	logging.InitForCLI(level, os.Stderr)

	configPath := serveConfigPath
	if configPath == "" {
		p, err := config.DefaultConfigPath()
		if err != nil {
			return misconfig(fmt.Errorf("resolving config path: %w", err))
		}
		configPath = p
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return misconfig(fmt.Errorf("loading config: %w", err))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	app, shutdown, err := bootstrapApplication(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: app.server.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logging.Info("serve", "listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case sig := <-sigCh:
		logging.Info("serve", "received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

// application bundles the components runServe needs a handle on after
// wiring, beyond what shutdown() already closes over.
type application struct {
	server *httpapi.Server
	seed   *reload.SeedWatcher
}

// bootstrapApplication wires every component (C1-C14) in dependency order
// and returns a function that releases background goroutines and open
// handles in reverse order. Any failure here that stems from the database
// itself is reported via migrationFailure so main maps it to exit code 3;
// failures preparing the data directory, session secret, master key or key
// manager are reported via misconfig (exit code 2); anything else is a
// generic startup failure (exit code 1).
func bootstrapApplication(ctx context.Context, cfg config.Config) (*application, func(context.Context), error) {
	if err := ensureDataDir(cfg.DataDir); err != nil {
		return nil, nil, misconfig(fmt.Errorf("creating data directory: %w", err))
	}

	sessionSecret, err := loadOrCreateSessionSecret(cfg.DataDir)
	if err != nil {
		return nil, nil, misconfig(err)
	}
	masterKey, err := loadOrCreateMasterKey(cfg.DataDir)
	if err != nil {
		return nil, nil, misconfig(err)
	}

	dbPath := cfg.DataDir + "/ambassador.db"
	st, err := store.Open(ctx, dbPath)
	if err != nil {
		return nil, nil, migrationFailure(fmt.Errorf("opening store at %s: %w", dbPath, err))
	}

	keysMgr, err := keys.NewWithSecret(st, sessionSecret)
	if err != nil {
		_ = st.Close()
		return nil, nil, misconfig(err)
	}

	v, err := vault.New(cfg.DataDir, masterKey)
	if err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("initializing credential vault: %w", err)
	}

	ks := killswitch.New()
	shared := sharedpool.New()
	perUser := userpool.New(userpool.Config{})
	r := router.New(st, shared, perUser, ks)
	reloader := reload.New(st, shared, perUser)

	spillPath := cfg.Audit.SpillPathOvrd
	if spillPath == "" {
		spillPath = cfg.DataDir + "/audit-spill.jsonl"
	}
	auditCfg := audit.Config{
		Size:          cfg.Audit.Size,
		FlushInterval: cfg.Audit.FlushInterval,
		SpillToDisk:   cfg.Audit.SpillToDisk,
		SpillPath:     spillPath,
	}
	auditBuf, err := audit.New(auditCfg, st)
	if err != nil {
		perUser.Shutdown(ctx)
		shared.Shutdown(ctx)
		_ = st.Close()
		return nil, nil, fmt.Errorf("initializing audit buffer: %w", err)
	}
	auditBuf.Start()

	authzEngine := authz.New(st)
	pipeline := aaa.New(keysMgr, authzEngine, r, st, auditBuf)

	tracingShutdown, err := tracing.Init(ctx, tracing.Config{
		ServiceName: "ambassador",
		Enabled:     serveTracing,
	})
	if err != nil {
		_ = auditBuf.Shutdown(ctx)
		perUser.Shutdown(ctx)
		shared.Shutdown(ctx)
		_ = st.Close()
		return nil, nil, fmt.Errorf("initializing tracing: %w", err)
	}

	// Seed the catalog from any preview changes a freshly migrated database
	// picks up before serving the first request, so publish-on-boot MCPs
	// (added to the Data Store out of band) are connected immediately.
	if _, err := reloader.Apply(ctx); err != nil {
		logging.Warn("serve", "initial catalog reload failed: %v", err)
	}

	var seedWatcher *reload.SeedWatcher
	if cfg.CatalogSeedDir != "" {
		seedWatcher = reload.NewSeedWatcher(cfg.CatalogSeedDir, st, reloader)
		if err := seedWatcher.Start(ctx); err != nil {
			logging.Warn("serve", "catalog seed watch disabled: %v", err)
			seedWatcher = nil
		}
	}

	srv := httpapi.New(st, keysMgr, v, ks, reloader, pipeline, cfg.DataDir)

	shutdown := func(shCtx context.Context) {
		if seedWatcher != nil {
			if err := seedWatcher.Shutdown(shCtx); err != nil {
				logging.Warn("serve", "catalog seed watcher shutdown: %v", err)
			}
		}
		if err := tracingShutdown(shCtx); err != nil {
			logging.Warn("serve", "tracing shutdown: %v", err)
		}
		if err := auditBuf.Shutdown(shCtx); err != nil {
			logging.Warn("serve", "audit buffer shutdown: %v", err)
		}
		perUser.Shutdown(shCtx)
		shared.Shutdown(shCtx)
		if err := st.Close(); err != nil {
			logging.Warn("serve", "store close: %v", err)
		}
	}

	return &application{server: srv, seed: seedWatcher}, shutdown, nil
}
