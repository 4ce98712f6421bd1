package adapters

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/NikhilSetiya/agentcore/pkg/connection"
	"github.com/NikhilSetiya/agentcore/pkg/errors"
	"github.com/NikhilSetiya/agentcore/pkg/health"
)

// GRPCAdapter reaches a gRPC tool server through the standard health
// service. Supported operations: check (params: service) and state.
type GRPCAdapter struct {
	name    string
	service string
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	checker *health.GRPCChecker
}

// NewGRPCAdapter creates a client for target. service names the health
// service to watch; empty means the whole server. Extra dial options are
// appended after the insecure transport credentials.
func NewGRPCAdapter(name, target, service string, opts ...grpc.DialOption) (*GRPCAdapter, error) {
	if target == "" {
		return nil, errors.NewConfigurationMismatch("services.target", name+": grpc target is required")
	}

	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, errors.Wrap(errors.KindConfigurationMismatch, err, "create grpc client", map[string]interface{}{"service": name})
	}

	return &GRPCAdapter{
		name:    name,
		service: service,
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		checker: health.NewGRPCChecker(conn, service, name),
	}, nil
}

func (a *GRPCAdapter) Name() string { return a.name }

func (a *GRPCAdapter) Check(ctx context.Context) *health.Check {
	return a.checker.Check(ctx)
}

// Connect requires the server to report SERVING
func (a *GRPCAdapter) Connect(ctx context.Context) (connection.Client, error) {
	a.conn.Connect()
	check := a.checker.Check(ctx)
	if check.Status != health.StatusHealthy {
		return nil, errors.NewConnectionFailed(a.name, check.Reason())
	}
	return &session{call: a.call}, nil
}

func (a *GRPCAdapter) call(ctx context.Context, operation string, params map[string]interface{}) (interface{}, error) {
	switch operation {
	case "check":
		service := a.service
		if v, ok := params["service"].(string); ok {
			service = v
		}
		resp, err := a.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"service": service, "status": resp.GetStatus().String()}, nil

	case "state":
		return map[string]interface{}{"target": a.conn.Target(), "state": a.conn.GetState().String()}, nil
	}
	return nil, unsupported(a.name, operation)
}

func (a *GRPCAdapter) Close() error {
	return a.conn.Close()
}
