package orchestrator

import (
	"context"
	goerrors "errors"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"go.uber.org/zap"

	"github.com/meetscribe/meetscribe/internal/common/config"
	apperrors "github.com/meetscribe/meetscribe/internal/common/errors"
	"github.com/meetscribe/meetscribe/internal/common/logger"
)

// DockerOrchestrator runs bot workers as containers on a single Docker
// daemon.
type DockerOrchestrator struct {
	cli    *client.Client
	logger *logger.Logger
	config config.OrchestratorConfig
}

var _ Orchestrator = (*DockerOrchestrator)(nil)

// NewDockerOrchestrator creates the local Docker backend.
func NewDockerOrchestrator(cfg config.OrchestratorConfig, log *logger.Logger) (*DockerOrchestrator, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker orchestrator created",
		zap.String("host", cfg.DockerHost),
		zap.String("bot_image", cfg.BotImage),
	)

	return &DockerOrchestrator{
		cli:    cli,
		logger: log,
		config: cfg,
	}, nil
}

// Create provisions a worker container without running it.
func (o *DockerOrchestrator) Create(ctx context.Context, spec LaunchSpec) (string, error) {
	name := containerName(spec)
	o.logger.Info("Creating bot container",
		zap.String("name", name),
		zap.String("meeting_id", spec.MeetingID),
	)

	containerCfg := &container.Config{
		Image:  o.config.BotImage,
		Env:    workerEnv(o.config, spec),
		Labels: workerLabels(spec),
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(o.config.Network),
		Resources: container.Resources{
			Memory:   o.config.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(o.config.CPUCores * 1e9),
		},
	}

	resp, err := o.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", apperrors.OrchestratorFailed("create", err)
	}
	return resp.ID, nil
}

// Start runs a created container. The daemon treats starting an
// already-running container as a no-op.
func (o *DockerOrchestrator) Start(ctx context.Context, containerID string) error {
	if err := o.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return apperrors.OrchestratorFailed("start", err)
	}
	o.logger.Info("Bot container started", zap.String("container_id", containerID))
	return nil
}

// Stop stops and removes a container. Already-gone containers are treated
// as stopped.
func (o *DockerOrchestrator) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	o.logger.Info("Stopping bot container",
		zap.String("container_id", containerID),
		zap.Duration("grace", grace),
	)

	timeoutSeconds := int(grace.Seconds())
	err := o.cli.ContainerStop(ctx, containerID, container.StopOptions{
		Timeout: &timeoutSeconds,
	})
	if err != nil && !errdefs.IsNotFound(err) {
		return apperrors.OrchestratorFailed("stop", err)
	}

	err = o.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !errdefs.IsNotFound(err) {
		return apperrors.OrchestratorFailed("remove", err)
	}
	return nil
}

// Inspect returns the runtime status of one container.
func (o *DockerOrchestrator) Inspect(ctx context.Context, containerID string) (*ContainerStatus, error) {
	inspect, err := o.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, apperrors.NotFound("container", containerID)
		}
		return nil, apperrors.OrchestratorFailed("inspect", err)
	}

	status := &ContainerStatus{
		ContainerID: inspect.ID,
		Running:     inspect.State != nil && inspect.State.Running,
	}
	if inspect.State != nil {
		status.ExitCode = inspect.State.ExitCode
	}
	if inspect.Config != nil {
		status.MeetingID = inspect.Config.Labels[LabelMeetingID]
	}
	return status, nil
}

// WaitExit blocks until the container is no longer running.
func (o *DockerOrchestrator) WaitExit(ctx context.Context, containerID string, timeout time.Duration) (int, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	respCh, errCh := o.cli.ContainerWait(waitCtx, containerID, container.WaitConditionNotRunning)
	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return 0, apperrors.OrchestratorFailed("wait", goerrors.New(resp.Error.Message))
		}
		return int(resp.StatusCode), nil
	case err := <-errCh:
		if errdefs.IsNotFound(err) {
			return 0, apperrors.NotFound("container", containerID)
		}
		return 0, apperrors.OrchestratorFailed("wait", err)
	}
}

// ListManaged returns every container carrying the managed label.
func (o *DockerOrchestrator) ListManaged(ctx context.Context) ([]ContainerStatus, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", LabelManaged+"=true")

	containers, err := o.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, apperrors.OrchestratorFailed("list", err)
	}

	statuses := make([]ContainerStatus, 0, len(containers))
	for _, ctr := range containers {
		statuses = append(statuses, ContainerStatus{
			ContainerID: ctr.ID,
			MeetingID:   ctr.Labels[LabelMeetingID],
			Running:     ctr.State == "running",
		})
	}
	return statuses, nil
}

// Close closes the Docker client.
func (o *DockerOrchestrator) Close() error {
	return o.cli.Close()
}
