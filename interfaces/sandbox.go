package interfaces

import (
	"context"
	"net"
	"time"
)

// InstanceState is the lifecycle state of a running contract instance.
type InstanceState int

const (
	// InstanceStarting: the program is launching and has not opened any virtual port.
	InstanceStarting InstanceState = iota
	// InstanceListening: at least one virtual-port listener is registered.
	InstanceListening
	// InstanceExited is terminal.
	InstanceExited
)

func (s InstanceState) String() string {
	switch s {
	case InstanceStarting:
		return "starting"
	case InstanceListening:
		return "listening"
	case InstanceExited:
		return "exited"
	default:
		return "unknown"
	}
}

// ExitStatus describes how a sandboxed program terminated.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

// StreamListener accepts a raw duplex byte stream on a virtual port.
// The listener takes ownership of the connection and may block for its lifetime.
type StreamListener func(conn net.Conn)

// Instance is the handle to one live sandboxed program.
type Instance interface {
	// ContractHash returns the contract the instance runs.
	ContractHash() ContractHash

	// StartedAt returns when the program was launched.
	StartedAt() time.Time

	// State returns the current lifecycle state.
	State() InstanceState

	// PortListener returns the listener registered for a virtual port, if any.
	PortListener(port int) (StreamListener, bool)

	// WaitPortListener blocks until the program advertises a listener for port.
	// It fails with ErrInstanceExited if the program exits first, or with the
	// context error when ctx is done.
	WaitPortListener(ctx context.Context, port int) (StreamListener, error)

	// Done is closed once the program has exited.
	Done() <-chan struct{}

	// ExitStatus is valid after Done is closed.
	ExitStatus() ExitStatus

	// Kill forcibly terminates the program. Exit is still reported through Done.
	Kill() error
}

// SandboxRuntime starts isolated contract programs.
type SandboxRuntime interface {
	// Start launches an instance for the contract. The handle is returned as soon as
	// the program is launched; listener readiness is reported asynchronously.
	// ctx bounds the launch only, not the lifetime of the instance.
	Start(ctx context.Context, contractHash ContractHash) (Instance, error)
}
