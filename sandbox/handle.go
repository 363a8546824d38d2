package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/contract-host/interfaces"
)

// KilledSignal is reported for instances terminated by Kill without an OS signal.
const KilledSignal = "killed"

// Handle implements interfaces.Instance. Runtimes drive it with Advertise and Exit.
type Handle struct {
	id        string
	hash      interfaces.ContractHash
	startedAt time.Time
	kill      func() error

	mu        sync.Mutex
	state     interfaces.InstanceState
	listeners map[int]interfaces.StreamListener
	ready     map[int]chan struct{}
	done      chan struct{}
	exit      interfaces.ExitStatus
}

// NewHandle creates a handle in the Starting state. kill terminates the underlying
// program; when nil, Kill exits the handle directly.
func NewHandle(hash interfaces.ContractHash, kill func() error) *Handle {
	return &Handle{
		id:        uuid.NewString(),
		hash:      hash,
		startedAt: time.Now(),
		kill:      kill,
		state:     interfaces.InstanceStarting,
		listeners: make(map[int]interfaces.StreamListener),
		ready:     make(map[int]chan struct{}),
		done:      make(chan struct{}),
	}
}

func (h *Handle) ID() string {
	return h.id
}

func (h *Handle) ContractHash() interfaces.ContractHash {
	return h.hash
}

func (h *Handle) StartedAt() time.Time {
	return h.startedAt
}

func (h *Handle) State() interfaces.InstanceState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Advertise registers the listener of a virtual port and resolves the port's future.
func (h *Handle) Advertise(port int, listener interfaces.StreamListener) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == interfaces.InstanceExited {
		return interfaces.ErrInstanceExited
	}
	if _, exists := h.listeners[port]; exists {
		return fmt.Errorf("%w: %d", interfaces.ErrListenerRegistered, port)
	}

	h.listeners[port] = listener
	h.state = interfaces.InstanceListening
	close(h.readyLocked(port))
	return nil
}

// Exit moves the handle to Exited. Only the first call has an effect; it reports
// whether this call was the one that exited the handle.
func (h *Handle) Exit(status interfaces.ExitStatus) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == interfaces.InstanceExited {
		return false
	}

	h.state = interfaces.InstanceExited
	h.exit = status
	close(h.done)
	return true
}

func (h *Handle) PortListener(port int) (interfaces.StreamListener, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	listener, ok := h.listeners[port]
	return listener, ok
}

func (h *Handle) WaitPortListener(ctx context.Context, port int) (interfaces.StreamListener, error) {
	h.mu.Lock()
	if listener, ok := h.listeners[port]; ok {
		h.mu.Unlock()
		return listener, nil
	}
	if h.state == interfaces.InstanceExited {
		h.mu.Unlock()
		return nil, interfaces.ErrInstanceExited
	}
	ready := h.readyLocked(port)
	h.mu.Unlock()

	select {
	case <-ready:
		listener, _ := h.PortListener(port)
		return listener, nil
	case <-h.done:
		return nil, interfaces.ErrInstanceExited
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) ExitStatus() interfaces.ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit
}

func (h *Handle) Kill() error {
	if h.kill == nil {
		h.Exit(interfaces.ExitStatus{Code: -1, Signal: KilledSignal})
		return nil
	}
	return h.kill()
}

func (h *Handle) readyLocked(port int) chan struct{} {
	ch, ok := h.ready[port]
	if !ok {
		ch = make(chan struct{})
		h.ready[port] = ch
	}
	return ch
}
