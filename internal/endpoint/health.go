package endpoint

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// WaitHealthy polls the gRPC health service at addr until it reports
// SERVING or ctx is done.
func WaitHealthy(ctx context.Context, addr string, interval time.Duration) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create health client for %s: %w", addr, err)
	}
	defer conn.Close()

	client := grpc_health_v1.NewHealthClient(conn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
		if err == nil && resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("health status %s", resp.GetStatus())
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("endpoint %s not healthy: %w (last: %v)", addr, ctx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}
