package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/triage-ai/palisade/services/sql_guard/internal/admin"
	"github.com/triage-ai/palisade/services/sql_guard/internal/app"
	"github.com/triage-ai/palisade/services/sql_guard/internal/config"
	"github.com/triage-ai/palisade/services/sql_guard/internal/logging"
	"github.com/triage-ai/palisade/services/sql_guard/internal/server"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

func main() {
	cfg, err := config.Load(os.Getenv("SQL_GUARD_CONFIG"))
	if err != nil {
		panic(err)
	}

	// Logger
	logger := logging.MustBuild(cfg.Server.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting sql guard server",
		zap.String("port", cfg.Server.Port),
		zap.String("warehouse_driver", cfg.Warehouse.Driver),
		zap.Bool("strict_columns", cfg.Validator.StrictColumns),
		zap.String("tenant_column", cfg.Validator.TenantColumn),
		zap.Duration("call_timeout", cfg.Dispatch.CallTimeout()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	a, err := app.Build(startCtx, cfg, logger, app.Options{Source: "assistant"})
	cancel()
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}
	defer a.Close()

	// gRPC server
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: cfg.Server.TurnTimeout(),
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)

	var asker server.Asker
	if a.Runner != nil {
		asker = a.Runner
	}
	server.Register(grpcServer, server.NewSQLGuardServer(a.Auth, asker, a.Validator, cfg.Server.TurnTimeout(), logger))

	// Register health service for ECS health checks
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Enable reflection for debugging with grpcurl
	reflection.Register(grpcServer)

	// Admin HTTP: health, metrics, catalog, dry-run validation
	if cfg.Server.AdminAddr != "" {
		go func() {
			if err := admin.Serve(ctx, cfg.Server.AdminAddr, admin.NewHandler(a.AdminConfig()), logger); err != nil {
				logger.Error("admin server failed", zap.Error(err))
			}
		}()
	}

	// Listen
	lis, err := net.Listen("tcp", ":"+cfg.Server.Port)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", cfg.Server.Port), zap.Error(err))
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("received signal, shutting down")
		healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		grpcServer.GracefulStop()
	}()

	logger.Info("sql guard server listening", zap.String("addr", lis.Addr().String()))
	if err := grpcServer.Serve(lis); err != nil {
		logger.Fatal("grpc server failed", zap.Error(err))
	}
}
