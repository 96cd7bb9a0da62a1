package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ChuLiYu/licensekit/internal/bridge"
	"github.com/ChuLiYu/licensekit/internal/httpapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

func buildServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the engine over gRPC and the status API over HTTP",
		Long: `Start the long-running service:
  1. gRPC engine bridge on server.grpc_port (memory mode only)
  2. HTTP API (/healthz, /v1/..., /metrics) on server.http_port
  3. periodic state save every engine.save_interval (memory mode)
SIGINT/SIGTERM triggers a graceful shutdown bounded by server.shutdown_timeout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			return a.withSession(cmd, func(s *session) error {
				var grpcLis net.Listener
				if s.mem != nil {
					lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.GRPCPort))
					if err != nil {
						return fmt.Errorf("failed to listen on gRPC port %d: %w", a.cfg.Server.GRPCPort, err)
					}
					grpcLis = lis
				}
				httpLis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.HTTPPort))
				if err != nil {
					if grpcLis != nil {
						grpcLis.Close()
					}
					return fmt.Errorf("failed to listen on HTTP port %d: %w", a.cfg.Server.HTTPPort, err)
				}
				return a.serve(ctx, s, grpcLis, httpLis)
			})
		},
	}
	return cmd
}

// serve 在給定的 listener 上執行服務直到 ctx 結束；grpcLis 可為 nil
func (a *app) serve(ctx context.Context, s *session, grpcLis, httpLis net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	var gs *grpc.Server
	if grpcLis != nil && s.mem != nil {
		gs = grpc.NewServer()
		bridge.NewServer(s.mem, bridge.WithServerLogger(a.log), bridge.WithRetainOnCleanup()).Register(gs)
		g.Go(func() error {
			a.log.Info("gRPC engine bridge listening", "addr", grpcLis.Addr().String())
			return gs.Serve(grpcLis)
		})
	}

	opts := []httpapi.Option{httpapi.WithLogger(a.log)}
	if a.cfg.Metrics.Enabled {
		opts = append(opts, httpapi.WithGatherer(prometheus.Gatherers{s.reg, prometheus.DefaultGatherer}))
	}
	srv := &http.Server{
		Handler:           httpapi.New(s.core, opts...).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		a.log.Info("HTTP API listening", "addr", httpLis.Addr().String())
		if err := srv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if s.mem != nil && a.cfg.Engine.SaveInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(a.cfg.Engine.SaveInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := s.save(); err != nil {
						a.log.Error("periodic state save failed", "error", err)
					}
				}
			}
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()

		if gs != nil {
			stopped := make(chan struct{})
			go func() {
				gs.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-shutdownCtx.Done():
				gs.Stop()
			}
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
