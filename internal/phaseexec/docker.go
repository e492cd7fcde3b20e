package phaseexec

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/taskflow/internal/domain"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	sandboxStopTimeoutSecs = 10

	// Resource limits for sandboxed builds.
	sandboxMemoryBytes = 512 * 1024 * 1024 // 512MB
	sandboxCPUQuota    = 50000             // 0.5 CPU
	sandboxPidsLimit   = 256

	sandboxRunTimeout = 5 * time.Minute
)

// SandboxConfig configures container-isolated build execution.
type SandboxConfig struct {
	// Image is the build environment image; it must provide /bin/sh and a
	// `run-build` entrypoint script on PATH.
	Image string
	// Runtime can be "" for the default Docker runtime or "runsc" for gVisor.
	Runtime string
}

// SandboxExecutor runs the build phase inside a throwaway container. The
// task input and reasoning plan are passed as environment variables; the
// container's stdout becomes the build output.
type SandboxExecutor struct {
	cli *client.Client
	cfg SandboxConfig
}

// NewSandboxExecutor creates a Docker-backed build executor.
func NewSandboxExecutor(cfg SandboxConfig) (*SandboxExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if cfg.Runtime != "" {
		slog.Info("Sandbox executor initialized", "image", cfg.Image, "runtime", cfg.Runtime)
	} else {
		slog.Info("Sandbox executor initialized", "image", cfg.Image, "runtime", "default")
	}
	return &SandboxExecutor{cli: cli, cfg: cfg}, nil
}

// Execute runs one sandboxed build and removes the container afterwards.
func (e *SandboxExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	plan := req.Prior[domain.PhaseReasoning]
	if plan == "" {
		return nil, &domain.PhaseExecutionError{
			SessionID: req.SessionID,
			Phase:     req.Phase,
			Err:       fmt.Errorf("missing reasoning plan"),
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, sandboxRunTimeout)
	defer cancel()

	containerName := fmt.Sprintf("taskflow-build-%s", req.SessionID)

	config := &container.Config{
		Image: e.cfg.Image,
		Cmd:   []string{"run-build"},
		Env: []string{
			"TASK_INPUT=" + req.Input,
			"TASK_PLAN=" + plan,
			"TASK_SESSION_ID=" + req.SessionID,
		},
	}
	hostConfig := &container.HostConfig{
		Runtime:     e.cfg.Runtime,
		NetworkMode: container.NetworkMode("none"),
		Resources: container.Resources{
			Memory:    sandboxMemoryBytes,
			CPUQuota:  sandboxCPUQuota,
			PidsLimit: ptr(int64(sandboxPidsLimit)),
		},
	}

	resp, err := e.cli.ContainerCreate(runCtx, config, hostConfig, nil, nil, containerName)
	if err != nil {
		return nil, e.phaseErr(req, fmt.Errorf("create build container: %w", err))
	}
	defer e.remove(resp.ID)

	if err := e.cli.ContainerStart(runCtx, resp.ID, container.StartOptions{}); err != nil {
		return nil, e.phaseErr(req, fmt.Errorf("start build container %s: %w", resp.ID, err))
	}

	statusCh, errCh := e.cli.ContainerWait(runCtx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		return nil, e.phaseErr(req, fmt.Errorf("wait for build container %s: %w", resp.ID, err))
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-runCtx.Done():
		return nil, e.phaseErr(req, runCtx.Err())
	}

	stdout, stderr, err := e.logs(runCtx, resp.ID)
	if err != nil {
		return nil, e.phaseErr(req, err)
	}

	if exitCode != 0 {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = strings.TrimSpace(stdout)
		}
		return nil, e.phaseErr(req, fmt.Errorf("build exited with code %d: %s", exitCode, msg))
	}

	slog.Info("Sandboxed build finished", "session_id", req.SessionID, "container_id", resp.ID)
	return &Result{Output: stdout}, nil
}

func (e *SandboxExecutor) logs(ctx context.Context, containerID string) (string, string, error) {
	reader, err := e.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("read build logs %s: %w", containerID, err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", "", fmt.Errorf("demux build logs %s: %w", containerID, err)
	}
	return stdout.String(), stderr.String(), nil
}

// remove force-removes a finished build container. Removal runs on a fresh
// context so a cancelled build still gets cleaned up.
func (e *SandboxExecutor) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), sandboxStopTimeoutSecs*time.Second)
	defer cancel()

	if err := e.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return
		}
		slog.Warn("Failed to remove build container", "container_id", containerID, "error", err)
	}
}

func (e *SandboxExecutor) phaseErr(req Request, err error) error {
	return &domain.PhaseExecutionError{SessionID: req.SessionID, Phase: req.Phase, Err: err}
}

// Close releases the Docker client.
func (e *SandboxExecutor) Close() error {
	return e.cli.Close()
}

func ptr[T any](v T) *T { return &v }
