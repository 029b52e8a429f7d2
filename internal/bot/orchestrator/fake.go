package orchestrator

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/meetscribe/meetscribe/internal/common/errors"
)

// FakeOrchestrator is the test double. The default behavior records
// launches and stops in memory; individual operations can be overridden by
// assigning the corresponding Fn field.
type FakeOrchestrator struct {
	CreateFn  func(ctx context.Context, spec LaunchSpec) (string, error)
	StartFn   func(ctx context.Context, containerID string) error
	StopFn    func(ctx context.Context, containerID string, grace time.Duration) error
	InspectFn func(ctx context.Context, containerID string) (*ContainerStatus, error)
	WaitFn    func(ctx context.Context, containerID string, timeout time.Duration) (int, error)
	ListFn    func(ctx context.Context) ([]ContainerStatus, error)

	mu      sync.Mutex
	created []LaunchSpec
	started []string
	stopped []string
	running map[string]*ContainerStatus
}

var _ Orchestrator = (*FakeOrchestrator)(nil)

// NewFakeOrchestrator creates an empty fake.
func NewFakeOrchestrator() *FakeOrchestrator {
	return &FakeOrchestrator{running: make(map[string]*ContainerStatus)}
}

// Create records the spec and returns a synthetic container id.
func (f *FakeOrchestrator) Create(ctx context.Context, spec LaunchSpec) (string, error) {
	if f.CreateFn != nil {
		return f.CreateFn(ctx, spec)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	id := "fake-container-" + spec.SessionUID
	f.created = append(f.created, spec)
	f.running[id] = &ContainerStatus{
		ContainerID: id,
		MeetingID:   spec.MeetingID,
	}
	return id, nil
}

// Start marks the container running.
func (f *FakeOrchestrator) Start(ctx context.Context, containerID string) error {
	if f.StartFn != nil {
		return f.StartFn(ctx, containerID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.running[containerID]
	if !ok {
		return apperrors.NotFound("container", containerID)
	}
	f.started = append(f.started, containerID)
	st.Running = true
	return nil
}

// Stop records the stop and marks the container exited.
func (f *FakeOrchestrator) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	if f.StopFn != nil {
		return f.StopFn(ctx, containerID, grace)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, containerID)
	if st, ok := f.running[containerID]; ok {
		st.Running = false
	}
	return nil
}

// Inspect returns the recorded status.
func (f *FakeOrchestrator) Inspect(ctx context.Context, containerID string) (*ContainerStatus, error) {
	if f.InspectFn != nil {
		return f.InspectFn(ctx, containerID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.running[containerID]
	if !ok {
		return nil, apperrors.NotFound("container", containerID)
	}
	out := *st
	return &out, nil
}

// WaitExit returns the recorded exit code once the container is stopped.
func (f *FakeOrchestrator) WaitExit(ctx context.Context, containerID string, timeout time.Duration) (int, error) {
	if f.WaitFn != nil {
		return f.WaitFn(ctx, containerID, timeout)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.running[containerID]
	if !ok {
		return 0, apperrors.NotFound("container", containerID)
	}
	if st.Running {
		return 0, apperrors.OrchestratorFailed("wait", context.DeadlineExceeded)
	}
	return st.ExitCode, nil
}

// ListManaged returns all recorded containers.
func (f *FakeOrchestrator) ListManaged(ctx context.Context) ([]ContainerStatus, error) {
	if f.ListFn != nil {
		return f.ListFn(ctx)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ContainerStatus, 0, len(f.running))
	for _, st := range f.running {
		out = append(out, *st)
	}
	return out, nil
}

// Close is a no-op.
func (f *FakeOrchestrator) Close() error { return nil }

// Created returns the recorded container specs.
func (f *FakeOrchestrator) Created() []LaunchSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]LaunchSpec, len(f.created))
	copy(out, f.created)
	return out
}

// Started returns the container ids start was called with.
func (f *FakeOrchestrator) Started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.started))
	copy(out, f.started)
	return out
}

// Stopped returns the container ids stop was called with.
func (f *FakeOrchestrator) Stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.stopped))
	copy(out, f.stopped)
	return out
}
