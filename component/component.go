// Package component defines the lifecycle contract shared by the long
// running pieces of the pipeline. All of them follow the same pattern:
//   - Initialize() error                 // setup only, no context
//   - Start(ctx context.Context) error   // begin work, non-blocking
//   - Stop(timeout time.Duration) error  // graceful shutdown with bound
package component

import (
	"context"
	"time"
)

// State is the lifecycle state of a component.
type State int

const (
	// StateCreated indicates the component was created but not initialized.
	StateCreated State = iota
	// StateInitialized indicates setup completed but work has not started.
	StateInitialized
	// StateStarted indicates the component is running.
	StateStarted
	// StateStopped indicates the component was stopped.
	StateStopped
	// StateFailed indicates a lifecycle operation failed.
	StateFailed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Lifecycle is implemented by every long running component. The component
// never stores ctx; it uses it to scope the work started by Start.
type Lifecycle interface {
	// Name identifies the component in logs.
	Name() string
	// Initialize performs setup that can fail before any work starts.
	Initialize() error
	// Start begins the component's work and returns promptly.
	Start(ctx context.Context) error
	// Stop shuts the component down, waiting at most timeout.
	Stop(timeout time.Duration) error
}
