package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"go.uber.org/zap"

	"github.com/meetscribe/meetscribe/internal/common/config"
	apperrors "github.com/meetscribe/meetscribe/internal/common/errors"
	"github.com/meetscribe/meetscribe/internal/common/logger"
)

// SwarmOrchestrator runs bot workers as single-replica Docker Swarm
// services, letting the cluster place them on any node. The service id
// plays the container id role in the meeting row.
type SwarmOrchestrator struct {
	cli    *client.Client
	logger *logger.Logger
	config config.OrchestratorConfig
}

var _ Orchestrator = (*SwarmOrchestrator)(nil)

// NewSwarmOrchestrator creates the cluster backend.
func NewSwarmOrchestrator(cfg config.OrchestratorConfig, log *logger.Logger) (*SwarmOrchestrator, error) {
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

	log.Info("Swarm orchestrator created",
		zap.String("host", cfg.DockerHost),
		zap.String("bot_image", cfg.BotImage),
	)

	return &SwarmOrchestrator{
		cli:    cli,
		logger: log,
		config: cfg,
	}, nil
}

// Create provisions a zero-replica service for the worker; Start scales it
// to one. Workers must not be restarted by the scheduler: a worker that dies
// is handled through the lifecycle, not respawned with a stale session.
func (o *SwarmOrchestrator) Create(ctx context.Context, spec LaunchSpec) (string, error) {
	replicas := uint64(0)
	grace := 30 * time.Second

	serviceSpec := swarm.ServiceSpec{
		Annotations: swarm.Annotations{
			Name:   containerName(spec),
			Labels: workerLabels(spec),
		},
		TaskTemplate: swarm.TaskSpec{
			ContainerSpec: &swarm.ContainerSpec{
				Image:           o.config.BotImage,
				Env:             workerEnv(o.config, spec),
				Labels:          workerLabels(spec),
				StopGracePeriod: &grace,
			},
			RestartPolicy: &swarm.RestartPolicy{
				Condition: swarm.RestartPolicyConditionNone,
			},
			Resources: &swarm.ResourceRequirements{
				Limits: &swarm.Limit{
					NanoCPUs:    int64(o.config.CPUCores * 1e9),
					MemoryBytes: o.config.MemoryMB * 1024 * 1024,
				},
			},
			Networks: []swarm.NetworkAttachmentConfig{
				{Target: o.config.Network},
			},
		},
		Mode: swarm.ServiceMode{
			Replicated: &swarm.ReplicatedService{Replicas: &replicas},
		},
	}

	resp, err := o.cli.ServiceCreate(ctx, serviceSpec, types.ServiceCreateOptions{})
	if err != nil {
		return "", apperrors.OrchestratorFailed("create", err)
	}

	o.logger.Info("Bot service created",
		zap.String("service_id", resp.ID),
		zap.String("meeting_id", spec.MeetingID),
	)
	return resp.ID, nil
}

// Start scales the service to one replica. Idempotent: scaling a service
// already at one replica changes nothing.
func (o *SwarmOrchestrator) Start(ctx context.Context, serviceID string) error {
	service, _, err := o.cli.ServiceInspectWithRaw(ctx, serviceID, types.ServiceInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return apperrors.NotFound("service", serviceID)
		}
		return apperrors.OrchestratorFailed("start", err)
	}

	replicas := uint64(1)
	updated := service.Spec
	updated.Mode.Replicated = &swarm.ReplicatedService{Replicas: &replicas}

	_, err = o.cli.ServiceUpdate(ctx, serviceID, service.Version, updated, types.ServiceUpdateOptions{})
	if err != nil {
		return apperrors.OrchestratorFailed("start", err)
	}
	o.logger.Info("Bot service started", zap.String("service_id", serviceID))
	return nil
}

// Stop removes the service; Swarm stops its task with the service's stop
// grace period.
func (o *SwarmOrchestrator) Stop(ctx context.Context, serviceID string, grace time.Duration) error {
	o.logger.Info("Removing bot service", zap.String("service_id", serviceID))

	if err := o.cli.ServiceRemove(ctx, serviceID); err != nil && !errdefs.IsNotFound(err) {
		return apperrors.OrchestratorFailed("remove", err)
	}
	return nil
}

// Inspect reports the state of the service's task.
func (o *SwarmOrchestrator) Inspect(ctx context.Context, serviceID string) (*ContainerStatus, error) {
	service, _, err := o.cli.ServiceInspectWithRaw(ctx, serviceID, types.ServiceInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, apperrors.NotFound("service", serviceID)
		}
		return nil, apperrors.OrchestratorFailed("inspect", err)
	}

	status := &ContainerStatus{
		ContainerID: service.ID,
		MeetingID:   service.Spec.Labels[LabelMeetingID],
	}

	filterArgs := filters.NewArgs()
	filterArgs.Add("service", serviceID)
	tasks, err := o.cli.TaskList(ctx, types.TaskListOptions{Filters: filterArgs})
	if err != nil {
		return nil, apperrors.OrchestratorFailed("inspect", err)
	}
	for _, task := range tasks {
		if task.Status.State == swarm.TaskStateRunning {
			status.Running = true
		}
		if task.Status.ContainerStatus != nil {
			status.ExitCode = task.Status.ContainerStatus.ExitCode
		}
	}
	return status, nil
}

// WaitExit polls the service's task until it leaves the running state.
// Swarm has no blocking wait primitive for a single task.
func (o *SwarmOrchestrator) WaitExit(ctx context.Context, serviceID string, timeout time.Duration) (int, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		status, err := o.Inspect(waitCtx, serviceID)
		if err != nil {
			if apperrors.IsNotFound(err) {
				// Removed service: treat as a clean stop.
				return 0, nil
			}
			return 0, err
		}
		if !status.Running {
			return status.ExitCode, nil
		}

		select {
		case <-waitCtx.Done():
			return 0, apperrors.OrchestratorFailed("wait", waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// ListManaged returns every service carrying the managed label.
func (o *SwarmOrchestrator) ListManaged(ctx context.Context) ([]ContainerStatus, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", LabelManaged+"=true")

	services, err := o.cli.ServiceList(ctx, types.ServiceListOptions{Filters: filterArgs})
	if err != nil {
		return nil, apperrors.OrchestratorFailed("list", err)
	}

	statuses := make([]ContainerStatus, 0, len(services))
	for _, service := range services {
		st, err := o.Inspect(ctx, service.ID)
		if err != nil {
			o.logger.Warn("Failed to inspect bot service",
				zap.String("service_id", service.ID),
				zap.Error(err),
			)
			continue
		}
		statuses = append(statuses, *st)
	}
	return statuses, nil
}

// Close closes the Docker client.
func (o *SwarmOrchestrator) Close() error {
	return o.cli.Close()
}
