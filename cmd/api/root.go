package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"request-firewall/internal/config"
	"request-firewall/internal/domain"
	"request-firewall/internal/handler"
	"request-firewall/internal/logger"
)

// newRootCmd cria o comando raiz; sem subcomando, sobe o servidor
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "firewall",
		Short:         "Adaptive request firewall and rate limiter",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	root.AddCommand(newServeCmd(), newCheckCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server with the firewall middleware",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

type checkOptions struct {
	ip            string
	path          string
	method        string
	userAgent     string
	admin         bool
	authenticated bool
}

func newCheckCmd() *cobra.Command {
	opts := &checkOptions{}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate a single synthetic request and print the decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigLoader().LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			appLogger := logger.NewLoggerWithOutput(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
			a, err := newApp(cfg, appLogger)
			if err != nil {
				return err
			}
			defer a.Close()

			decision := a.pipeline.Decide(cmd.Context(), opts.request())

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(decision)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.ip, "ip", "", "client IP address")
	flags.StringVar(&opts.path, "path", "/", "request path, optionally with query string")
	flags.StringVar(&opts.method, "method", http.MethodGet, "HTTP method")
	flags.StringVar(&opts.userAgent, "ua", "", "User-Agent header")
	flags.BoolVar(&opts.admin, "admin", false, "treat the caller as an authenticated admin")
	flags.BoolVar(&opts.authenticated, "authenticated", false, "treat the caller as authenticated")
	_ = cmd.MarkFlagRequired("ip")

	return cmd
}

func (o *checkOptions) request() *domain.RequestInfo {
	path := o.path
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	identity := domain.Identity{Authenticated: o.authenticated || o.admin}
	if o.admin {
		identity.Role = "admin"
	}

	headers := map[string]string{}
	if o.userAgent != "" {
		headers["User-Agent"] = o.userAgent
	}

	return &domain.RequestInfo{
		Method:   o.method,
		Path:     path,
		RawURL:   o.path,
		Headers:  headers,
		ClientIP: o.ip,
		Identity: identity,
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.NewConfigLoader().LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	appLogger := logger.NewLogger(cfg.LogLevel, cfg.LogFormat)
	appLogger.Info("Starting Request Firewall", map[string]interface{}{
		"log_level": cfg.LogLevel,
		"port":      cfg.ServerPort,
		"storage":   cfg.StorageType,
	})

	a, err := newApp(cfg, appLogger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.watchConfig(ctx); err != nil {
		appLogger.Warn("Config file watching disabled", map[string]interface{}{
			"error": err.Error(),
		})
	}
	a.maintenance.Start()

	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	// sem proxies confiáveis o cliente é sempre o peer da conexão
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return fmt.Errorf("invalid trusted proxies: %w", err)
	}
	router.Use(gin.Recovery())
	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("[%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.TimeStamp.Format("2006/01/02 - 15:04:05"),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))

	handlers := handler.NewHandlers(handler.Dependencies{
		Decider:     a.pipeline,
		Store:       a.store,
		ConfigStore: a.configStore,
		Settings:    a.settings,
		Rules:       a.rules,
		Patterns:    a.engine,
		Metrics:     a.metrics.Handler(),
		Logger:      appLogger,
	})
	handlers.SetupRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		appLogger.Info("Starting HTTP server", map[string]interface{}{
			"addr": server.Addr,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			appLogger.Error("Failed to start server", err, nil)
			return err
		}
	case <-ctx.Done():
	}

	appLogger.Info("Shutting down server...", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", err, nil)
		return err
	}

	appLogger.Info("Server stopped gracefully", nil)
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
