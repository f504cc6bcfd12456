package grpcserver

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"orderFulfillment/internal/auth"
	"orderFulfillment/internal/config"
	"orderFulfillment/internal/logger"
)

const healthCheckMethod = "/grpc.health.v1.Health/Check"

// Services are the handlers served over gRPC. Nil entries are not registered.
type Services struct {
	Checkout   *CheckoutServer
	Restaurant *RestaurantServer
	Driver     *DriverServer
	Admin      *AdminServer
}

// NewServer builds a gRPC server with the auth interceptor and every
// configured service registered.
func NewServer(secret string, log *logger.Logger, svc Services) *grpc.Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		loggingInterceptor(log),
		auth.NewUnaryAuthInterceptor(secret, healthCheckMethod),
	))
	healthpb.RegisterHealthServer(srv, health.NewServer())

	if svc.Checkout != nil {
		svc.Checkout.register(srv)
	}
	if svc.Restaurant != nil {
		svc.Restaurant.register(srv)
	}
	if svc.Driver != nil {
		svc.Driver.register(srv)
	}
	if svc.Admin != nil {
		svc.Admin.register(srv)
	}
	return srv
}

// StartGRPC starts the gRPC server on the configured address and returns a shutdown function.
func StartGRPC(cfg *config.Config, log *logger.Logger, svc Services) (func(context.Context) error, error) {
	if cfg == nil {
		panic("config is required")
	}

	addr := cfg.GRPC.Address
	if addr == "" {
		addr = ":50051"
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := NewServer(cfg.Auth.JWTSecret, log, svc)
	go func() {
		if err := srv.Serve(lis); err != nil {
			log.Error("grpc_serve", "", "gRPC server stopped", err)
		}
	}()
	log.Info("grpc_listen", "", "gRPC server listening", slog.String("address", addr))

	return func(ctx context.Context) error {
		done := make(chan struct{})
		go func() { srv.GracefulStop(); close(done) }()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			srv.Stop()
			return ctx.Err()
		}
	}, nil
}

func loggingInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		attrs := []slog.Attr{
			slog.String("method", info.FullMethod),
			slog.String("code", code.String()),
			slog.Duration("took", time.Since(start)),
		}
		switch code {
		case codes.OK:
			log.Debug("grpc_call", "", "call served", attrs...)
		case codes.Internal, codes.Unknown:
			log.Error("grpc_call", "", "call failed", err, attrs...)
		default:
			log.Warn("grpc_call", "", "call rejected", attrs...)
		}
		return resp, err
	}
}
