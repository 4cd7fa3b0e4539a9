package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/EdanStarfire/claudecode-webui-sub001/internal/agentproc"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/config"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/eventbus"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/httpapi"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/logger"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/logstore"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/permission"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/projectregistry"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/session"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/wsgateway"
)

var (
	serveHost         string
	servePort         int
	serveDataDir      string
	serveDebugSession bool
	serveDebugWS      bool
	serveDebugAdapter bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the long-lived session server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "address to listen on (default 127.0.0.1)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default 8000)")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "directory for session state, logs, and project catalogue (default ./data)")
	serveCmd.Flags().BoolVar(&serveDebugSession, "debug.session", false, "verbose logging for the session coordinator")
	serveCmd.Flags().BoolVar(&serveDebugWS, "debug.ws", false, "verbose logging for the WebSocket gateway")
	serveCmd.Flags().BoolVar(&serveDebugAdapter, "debug.adapter", false, "verbose logging for the agent stream adapter")
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Load configuration, then apply flag overrides.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveDataDir != "" {
		cfg.DataDir = serveDataDir
	}
	cfg.Debug.Session = cfg.Debug.Session || serveDebugSession
	cfg.Debug.WS = cfg.Debug.WS || serveDebugWS
	cfg.Debug.Adapter = cfg.Debug.Adapter || serveDebugAdapter
	if cfg.Debug.Session || cfg.Debug.WS || cfg.Debug.Adapter {
		// Per-subsystem dynamic levels aren't wired into the logger; a
		// debug switch on any subsystem raises the whole process to debug.
		cfg.Logging.Level = "debug"
	}

	// 2. Initialize the logger.
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting conductord", zap.String("version", version))

	// 3. Root context, cancelled on shutdown signal.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// 4. Construct the Session Registry backend.
	registry, closeRegistry, err := newRegistry(ctx, cfg.Database, cfg.DataDir, log)
	if err != nil {
		return fmt.Errorf("failed to initialize session registry: %w", err)
	}
	defer closeRegistry()
	log.Info("session registry ready", zap.String("driver", cfg.Database.Driver))

	if err := registry.Reconcile(ctx); err != nil {
		return fmt.Errorf("failed to reconcile session registry: %w", err)
	}

	// 5. Construct the record log store.
	logs, err := logstore.New(filepath.Join(cfg.DataDir, "logs"), log)
	if err != nil {
		return fmt.Errorf("failed to initialize log store: %w", err)
	}

	// 6. Construct the project catalogue.
	projects, err := projectregistry.New(filepath.Join(cfg.DataDir, "projects.json"))
	if err != nil {
		return fmt.Errorf("failed to initialize project registry: %w", err)
	}

	// 7. Construct the permission broker and agent launcher.
	broker := permission.New(log)
	launcher := agentproc.NewLauncher(cfg.Agent, log)

	// 8. Construct the event bus.
	bus, err := newEventBus(cfg.NATS, log)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer bus.Close()

	// 9. Construct the WebSocket gateway (the coordinator's Broadcaster).
	gateway, err := wsgateway.New(bus, log)
	if err != nil {
		return fmt.Errorf("failed to initialize websocket gateway: %w", err)
	}
	go gateway.Run(ctx)

	// 10. Construct the coordinator, then bind it back into the gateway.
	coordinator := session.NewCoordinator(registry, logs, broker, launcher, gateway, log)
	gateway.Bind(coordinator)

	// 11. Assemble the HTTP server.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpapi.RequestLogger(log), httpapi.Recovery(log), httpapi.CORS())
	httpapi.SetupRoutes(router, coordinator, projects, gateway, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 12. Start listening.
	go func() {
		log.Info("http server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	// 13. Wait for a shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down conductord")

	// 14. Graceful shutdown.
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	log.Info("conductord stopped")
	return nil
}

func newRegistry(ctx context.Context, dbCfg config.DatabaseConfig, dataDir string, log *logger.Logger) (session.Registry, func(), error) {
	switch dbCfg.Driver {
	case "sqlite":
		r, err := session.NewSQLiteRegistry(dbCfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { r.Close() }, nil
	case "postgres":
		r, err := session.NewPgxRegistry(ctx, dbCfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	default:
		r, err := session.NewFileRegistry(filepath.Join(dataDir, "sessions"))
		if err != nil {
			return nil, nil, err
		}
		return r, func() {}, nil
	}
}

func newEventBus(natsCfg config.NATSConfig, log *logger.Logger) (eventbus.EventBus, error) {
	if natsCfg.Enabled {
		return eventbus.NewNatsEventBus(natsCfg, log)
	}
	return eventbus.NewMemoryEventBus(log), nil
}
