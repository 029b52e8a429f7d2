package command

import (
	"context"
	"sync"
)

// MemoryBus records commands per session UID. Used in tests and in
// single-node development without a broker.
type MemoryBus struct {
	sent map[string][]Command
	mu   sync.Mutex

	// FailNext makes the next Send return this error, then resets.
	FailNext error
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates an empty in-memory command bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{sent: make(map[string][]Command)}
}

// Send records the command.
func (b *MemoryBus) Send(ctx context.Context, sessionUID string, cmd Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.FailNext != nil {
		err := b.FailNext
		b.FailNext = nil
		return err
	}
	b.sent[sessionUID] = append(b.sent[sessionUID], cmd)
	return nil
}

// Sent returns the commands recorded for a session UID.
func (b *MemoryBus) Sent(sessionUID string) []Command {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Command, len(b.sent[sessionUID]))
	copy(out, b.sent[sessionUID])
	return out
}

// Close is a no-op.
func (b *MemoryBus) Close() {}
