package council

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/ashureev/review-bridge/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service of the council.
const ServiceName = "council.v1.Council"

const (
	reviewMethod = "/" + ServiceName + "/Review"
	fixMethod    = "/" + ServiceName + "/Fix"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errStreamWithoutResult      = errors.New("review stream ended without a result")
)

var reviewStreamDesc = &grpc.StreamDesc{
	StreamName:    "Review",
	ServerStreams: true,
}

// GrpcClient talks to the council over gRPC. Messages are protobuf Structs
// carrying the same JSON shapes as the HTTP API.
type GrpcClient struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address string
	// ConnectTimeout bounds the startup readiness wait. Zero skips the wait.
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended after the defaults, e.g. a custom dialer in tests.
	DialOptions []grpc.DialOption
}

// DefaultGrpcClientConfig returns default configuration for addr.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient creates a client and, when configured, waits for the
// connection to become ready so bad endpoints fail fast.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if cfg.KeepaliveTime > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(kacp))
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create council client for %s: %w", cfg.Address, err)
	}

	if cfg.ConnectTimeout > 0 {
		connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
		defer cancel()
		if err := waitForReady(connectCtx, conn); err != nil {
			if closeErr := conn.Close(); closeErr != nil {
				logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
			}
			return nil, fmt.Errorf("council at %s not ready: %w", cfg.Address, err)
		}
	}

	logger.Info("Connected to council", "address", cfg.Address, "transport", "grpc")

	return &GrpcClient{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   cfg.Address,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks the standard gRPC health service for the council.
func (c *GrpcClient) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return classify("health", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("council health: %s", resp.GetStatus())
	}
	return nil
}

// Review opens the server stream and relays each capability result through
// onCapability until the final result message arrives.
func (c *GrpcClient) Review(ctx context.Context, req ReviewRequest, onCapability func(CapabilityResult)) (*ReviewResult, error) {
	var result *ReviewResult
	for env, err := range c.reviewStream(ctx, req) {
		if err != nil {
			return nil, err
		}
		switch {
		case env.Error != "":
			return nil, &domain.RemoteError{Message: env.Error}
		case env.Capability != nil:
			normalizeResult(env.Capability)
			if onCapability != nil {
				onCapability(*env.Capability)
			}
		case env.Result != nil:
			result = env.Result
		}
	}
	if result == nil {
		return nil, &domain.TransportError{Op: "review", Err: errStreamWithoutResult}
	}
	for i := range result.Capabilities {
		normalizeResult(&result.Capabilities[i])
	}
	return result, nil
}

func (c *GrpcClient) reviewStream(ctx context.Context, req ReviewRequest) iter.Seq2[*envelope, error] {
	return func(yield func(*envelope, error) bool) {
		msg, err := toStruct(req)
		if err != nil {
			yield(nil, err)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := c.conn.NewStream(ctx, reviewStreamDesc, reviewMethod)
		if err != nil {
			yield(nil, classify("review", err))
			return
		}
		if err := stream.SendMsg(msg); err != nil {
			yield(nil, classify("review", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(nil, classify("review", err))
			return
		}

		for {
			in := &structpb.Struct{}
			err := stream.RecvMsg(in)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				c.logger.Warn("Council review stream error", "error", err)
				yield(nil, classify("review", err))
				return
			}

			var env envelope
			if err := fromStruct(in, &env); err != nil {
				yield(nil, &domain.TransportError{Op: "review", Err: err})
				return
			}
			if !yield(&env, nil) {
				return
			}
		}
	}
}

// Fix calls the unary Fix method.
func (c *GrpcClient) Fix(ctx context.Context, req FixRequest) (*domain.FixResult, error) {
	msg, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, fixMethod, msg, out); err != nil {
		return nil, classify("fix", err)
	}
	var res domain.FixResult
	if err := fromStruct(out, &res); err != nil {
		return nil, &domain.TransportError{Op: "fix", Err: err}
	}
	if res.Changes == nil {
		res.Changes = []domain.Change{}
	}
	return &res, nil
}

// classify maps a gRPC error onto the collaborator error taxonomy.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &domain.TransportError{Op: op, Err: err}
	}
	st, ok := status.FromError(err)
	if !ok {
		return &domain.TransportError{Op: op, Err: err}
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled,
		codes.Internal, codes.ResourceExhausted, codes.Unimplemented:
		return &domain.TransportError{Op: op, Err: err}
	default:
		return &domain.RemoteError{Message: st.Message()}
	}
}
