// Package health serves grpc.health.v1 and keeps its status in step with a
// dependency probe, usually a database ping.
package health

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const ServiceName = "shiptrack"

type Probe func(ctx context.Context) error

type Checker struct {
	srv    *health.Server
	probe  Probe
	logger *zap.Logger
}

func NewChecker(probe Probe, logger *zap.Logger) *Checker {
	return &Checker{srv: health.NewServer(), probe: probe, logger: logger}
}

// Check runs the probe once and records the result.
func (c *Checker) Check(ctx context.Context) error {
	var err error
	if c.probe != nil {
		err = c.probe(ctx)
	}
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		c.logger.Warn("health probe failed", zap.Error(err))
	}
	c.srv.SetServingStatus("", status)
	c.srv.SetServingStatus(ServiceName, status)
	return err
}

func (c *Checker) Start(ctx context.Context, interval time.Duration) {
	_ = c.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Check(ctx)
		}
	}
}

func (c *Checker) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, c.srv)
}

// Serve runs a gRPC server with the health service on addr until ctx is done.
func (c *Checker) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s := grpc.NewServer()
	c.Register(s)

	go func() {
		<-ctx.Done()
		c.srv.Shutdown()
		s.GracefulStop()
	}()
	c.logger.Info("grpc health listening", zap.String("addr", addr))
	return s.Serve(lis)
}
