// Package orchestrator abstracts the container runtime that hosts bot
// workers. Two backends exist: a local Docker daemon and a Docker Swarm
// cluster.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/meetscribe/meetscribe/internal/common/config"
	"github.com/meetscribe/meetscribe/internal/common/logger"
	v1 "github.com/meetscribe/meetscribe/pkg/api/v1"
)

// Labels attached to every bot container so they can be found across
// restarts of the manager.
const (
	LabelManaged    = "meetscribe.managed"
	LabelMeetingID  = "meetscribe.meeting_id"
	LabelSessionUID = "meetscribe.session_uid"
)

// LaunchSpec describes one bot worker to run.
type LaunchSpec struct {
	MeetingID       string
	SessionUID      string
	Platform        v1.Platform
	NativeMeetingID string
	MeetingURL      string
	Config          v1.BotConfig
}

// ContainerStatus is the runtime's view of one bot container.
type ContainerStatus struct {
	ContainerID string
	MeetingID   string
	Running     bool
	ExitCode    int
}

// Orchestrator creates and destroys bot worker containers. Create and Start
// are separate so the caller can record the container id durably before any
// worker code runs; the worker reports its own progress through callbacks.
type Orchestrator interface {
	// Create provisions a worker container without running it.
	Create(ctx context.Context, spec LaunchSpec) (containerID string, err error)

	// Start runs a created container. Idempotent on already-running.
	Start(ctx context.Context, containerID string) error

	// Stop gracefully stops a container, escalating to a kill after grace.
	// Stopping an already-gone container is not an error.
	Stop(ctx context.Context, containerID string, grace time.Duration) error

	// Inspect returns the runtime status of one container.
	Inspect(ctx context.Context, containerID string) (*ContainerStatus, error)

	// WaitExit blocks until the container exits or the timeout elapses and
	// returns the exit code.
	WaitExit(ctx context.Context, containerID string, timeout time.Duration) (int, error)

	// ListManaged returns all bot containers carrying the managed label.
	ListManaged(ctx context.Context) ([]ContainerStatus, error)

	// Close releases the runtime client.
	Close() error
}

// New selects the backend from configuration.
func New(cfg config.OrchestratorConfig, log *logger.Logger) (Orchestrator, error) {
	switch cfg.Kind {
	case "local":
		return NewDockerOrchestrator(cfg, log)
	case "cluster":
		return NewSwarmOrchestrator(cfg, log)
	}
	return nil, fmt.Errorf("unknown orchestrator kind %q", cfg.Kind)
}

// workerEnv builds the environment the worker container boots with. The
// session UID doubles as the worker's callback credential.
func workerEnv(cfg config.OrchestratorConfig, spec LaunchSpec) []string {
	env := []string{
		"MEETING_ID=" + spec.MeetingID,
		"SESSION_UID=" + spec.SessionUID,
		"PLATFORM=" + string(spec.Platform),
		"NATIVE_MEETING_ID=" + spec.NativeMeetingID,
		"MEETING_URL=" + spec.MeetingURL,
		"CALLBACK_BASE_URL=" + cfg.CallbackBaseURL,
		"TASK=" + spec.Config.Task,
		"BOT_NAME=" + spec.Config.BotName,
	}
	if spec.Config.Language != nil {
		env = append(env, "LANGUAGE="+*spec.Config.Language)
	}
	return env
}

// workerLabels builds the identifying labels for a bot container.
func workerLabels(spec LaunchSpec) map[string]string {
	return map[string]string{
		LabelManaged:    "true",
		LabelMeetingID:  spec.MeetingID,
		LabelSessionUID: spec.SessionUID,
	}
}

// containerName derives a stable, unique container name for a meeting
// attempt.
func containerName(spec LaunchSpec) string {
	return fmt.Sprintf("meetscribe-bot-%s", spec.SessionUID)
}
