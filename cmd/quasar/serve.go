package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	quasargrpc "github.com/oriys/quasar/internal/grpc"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/provider"
	"github.com/oriys/quasar/internal/ratelimit"
	"github.com/oriys/quasar/internal/registry"
	"github.com/oriys/quasar/internal/remote"
	"github.com/oriys/quasar/internal/rpc"
)

func serveCmd() *cobra.Command {
	var (
		application string
		service     string
		grpcAddr    string
		httpAddr    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a demo provider",
		Long:  "Export an echo service over gRPC and HTTP and keep it registered in the configured registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("application") {
				cfg.Provider.Application = application
			}
			if cmd.Flags().Changed("service") {
				cfg.Provider.Service = service
			}
			if cmd.Flags().Changed("grpc") {
				cfg.Provider.GRPCAddr = grpcAddr
			}
			if cmd.Flags().Changed("http") {
				cfg.Provider.HTTPAddr = httpAddr
			}

			shutdown, err := setupObservability(cfg, cfg.Provider.Application)
			if err != nil {
				return err
			}
			defer shutdown()

			services := provider.NewRegistry()
			if err := services.Export(provider.EchoService(cfg.Provider.Service, cfg.Provider.Application)); err != nil {
				return err
			}

			var urls []*rpc.URL
			var grpcServer *quasargrpc.Server
			if cfg.Provider.GRPCAddr != "" {
				grpcServer = quasargrpc.NewServer(services)
				if err := grpcServer.Start(cfg.Provider.GRPCAddr); err != nil {
					return fmt.Errorf("start gRPC server: %w", err)
				}
				port, err := listenPort(grpcServer.Addr().String())
				if err != nil {
					return err
				}
				urls = append(urls, services.URLs(remote.ProtocolGRPC, cfg.Provider.Host, port)...)
			}

			var httpServer *http.Server
			limiter, closeLimiter := newLimiter(cfg)
			defer closeLimiter()
			if cfg.Provider.HTTPAddr != "" {
				lis, err := net.Listen("tcp", cfg.Provider.HTTPAddr)
				if err != nil {
					return fmt.Errorf("listen http: %w", err)
				}
				httpServer = &http.Server{
					Handler:           providerHandler(services, limiter),
					ReadHeaderTimeout: 10 * time.Second,
				}
				go func() {
					logging.Op().Info("HTTP server started", "addr", lis.Addr().String())
					if err := httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("HTTP server error", "error", err)
					}
				}()
				port, err := listenPort(lis.Addr().String())
				if err != nil {
					return err
				}
				urls = append(urls, services.URLs(remote.ProtocolHTTP, cfg.Provider.Host, port)...)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			reg, err := openRegistry(ctx, cfg)
			if err != nil {
				return err
			}
			registered := make(chan error, 1)
			if reg != nil {
				if mem, ok := reg.(*registry.MemoryRegistry); ok {
					go mem.StartHealthChecker(ctx)
				}
				go func() {
					registered <- provider.KeepRegistered(ctx, reg, urls, cfg.Registry.HeartbeatInterval)
				}()
			} else {
				registered <- nil
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			cancel()
			if err := <-registered; err != nil {
				logging.Op().Warn("provider registration ended with error", "error", err)
			}
			if reg != nil {
				reg.Close()
			}
			if grpcServer != nil {
				grpcServer.Stop()
			}
			if httpServer != nil {
				shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
				defer done()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					logging.Op().Error("HTTP server shutdown error", "error", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&application, "application", "", "Provider application name")
	cmd.Flags().StringVar(&service, "service", "", "Exported service name")
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "gRPC listen address (empty disables)")
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (empty disables)")

	return cmd
}

// providerHandler serves exported services, metrics and health checks.
func providerHandler(services *provider.Registry, limiter *ratelimit.Limiter) http.Handler {
	mux := http.NewServeMux()
	(&provider.HTTPHandler{Services: services}).RegisterRoutes(mux)
	mux.Handle("GET /metrics", metrics.PrometheusHandler())
	mux.Handle("GET /metrics/json", metrics.Global().JSONHandler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	var h http.Handler = mux
	if limiter != nil {
		h = ratelimit.Middleware(limiter, []string{"/metrics", "/metrics/json", "/health"})(h)
	}
	return observability.HTTPMiddleware(h)
}

func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	return strconv.Atoi(p)
}
