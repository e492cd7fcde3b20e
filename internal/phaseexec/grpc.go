package phaseexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/taskflow/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// executeMethod is the full method name of the external executor service.
// Requests and responses are google.protobuf.Struct, so the wire contract is
// schemaless and the service can evolve without regenerating stubs here.
const executeMethod = "/taskflow.v1.PhaseExecutor/Execute"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// RemoteConfig holds configuration for the remote phase executor.
type RemoteConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultRemoteConfig returns default configuration.
func DefaultRemoteConfig(addr string) RemoteConfig {
	return RemoteConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// RemoteExecutor delegates phase execution to an external gRPC service.
type RemoteExecutor struct {
	conn   *grpc.ClientConn
	cfg    RemoteConfig
	logger *slog.Logger
}

// NewRemoteExecutor connects to the external executor service and fails fast
// if the endpoint is not ready within the connect timeout.
func NewRemoteExecutor(cfg RemoteConfig, logger *slog.Logger) (*RemoteExecutor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to executor at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so bad endpoints surface early.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("executor at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to phase executor service", "address", cfg.Address)
	return &RemoteExecutor{conn: conn, cfg: cfg, logger: logger}, nil
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

// Execute sends the phase request to the remote service and decodes its
// response.
func (e *RemoteExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	prior := map[string]any{}
	for phase, output := range req.Prior {
		prior[string(phase)] = output
	}

	in, err := structpb.NewStruct(map[string]any{
		"session_id": req.SessionID,
		"phase":      string(req.Phase),
		"input":      req.Input,
		"attempt":    req.Attempt,
		"prior":      prior,
	})
	if err != nil {
		return nil, fmt.Errorf("encode executor request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := e.conn.Invoke(callCtx, executeMethod, in, out); err != nil {
		return nil, &domain.PhaseExecutionError{
			SessionID: req.SessionID,
			Phase:     req.Phase,
			Err:       fmt.Errorf("invoke remote executor: %w", err),
		}
	}

	fields := out.GetFields()
	res := &Result{Output: fields["output"].GetStringValue()}
	if scoreVal, ok := fields["score"]; ok {
		if _, isNull := scoreVal.GetKind().(*structpb.Value_NullValue); !isNull {
			score := scoreVal.GetNumberValue()
			res.Score = &score
		}
	}
	return res, nil
}

// Close closes the gRPC connection.
func (e *RemoteExecutor) Close() {
	if e.conn != nil {
		if err := e.conn.Close(); err != nil {
			e.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}
