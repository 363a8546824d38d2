// Package router routes client streams to per-token contract instances.
//
// The router owns the registry of running instances. At most one instance runs
// per token: the first stream for a token reserves a placeholder entry and starts
// the instance, concurrent streams for the same token wait on that entry. When an
// instance exits the token is charged for its running time and the entry is
// removed, so the next stream starts a fresh instance.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ruteri/contract-host/interfaces"
	"github.com/ruteri/contract-host/metrics"
	"go.uber.org/atomic"
)

const chargeTimeout = 30 * time.Second

// Config configures an InstanceRouter.
type Config struct {
	// VirtualPort is the port contract programs listen on for client streams.
	VirtualPort int

	// BalanceGating rejects streams of tokens whose balance is below MinBalance.
	BalanceGating bool
	MinBalance    int64

	// StartTimeout bounds SandboxRuntime.Start.
	StartTimeout time.Duration

	// PortReadyTimeout bounds the wait for the program to listen on VirtualPort.
	PortReadyTimeout time.Duration

	Log *slog.Logger
}

// InstanceRouter implements the create-or-reuse registry of running instances.
type InstanceRouter struct {
	cfg       Config
	directory interfaces.TokenDirectory
	runtime   interfaces.SandboxRuntime
	biller    interfaces.MeteringBiller
	log       *slog.Logger

	runID atomic.Uint64

	mu        sync.Mutex
	instances map[string]*runningInstance
}

func New(cfg Config, directory interfaces.TokenDirectory, runtime interfaces.SandboxRuntime, biller interfaces.MeteringBiller) *InstanceRouter {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	if cfg.PortReadyTimeout <= 0 {
		cfg.PortReadyTimeout = 10 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	return &InstanceRouter{
		cfg:       cfg,
		directory: directory,
		runtime:   runtime,
		biller:    biller,
		log:       cfg.Log,
		instances: make(map[string]*runningInstance),
	}
}

// HandleConnection hands stream to the token's running instance, starting one if
// needed. The router owns stream from this point: it is closed on every error
// path, otherwise the contract's listener owns it. The returned error describes
// why the stream was dropped.
func (r *InstanceRouter) HandleConnection(ctx context.Context, token string, stream net.Conn) error {
	log := r.log.With("token", token, "run", r.runID.Inc())
	log.Debug("Incoming connection")

	resolution, err := r.directory.Resolve(ctx, token)
	if err != nil {
		stream.Close()
		if errors.Is(err, interfaces.ErrTokenNotFound) {
			metrics.RejectedConnectionsTotal.WithLabelValues("unknown_token").Inc()
			log.Debug("Dropping connection for unknown token")
			return err
		}
		log.Error("Failed to resolve token", "err", err)
		return err
	}

	if r.cfg.BalanceGating && resolution.Balance < r.cfg.MinBalance {
		stream.Close()
		metrics.RejectedConnectionsTotal.WithLabelValues("insufficient_balance").Inc()
		log.Debug("Insufficient balance to run contract", "balance", resolution.Balance, "min", r.cfg.MinBalance)
		return fmt.Errorf("%w: balance %d below %d", interfaces.ErrInsufficientBalance, resolution.Balance, r.cfg.MinBalance)
	}

	entry, created := r.acquire(token, resolution.ContractHash)
	if created {
		r.start(entry, log)
	}

	select {
	case <-entry.ready:
	case <-ctx.Done():
		stream.Close()
		return ctx.Err()
	}

	if entry.err != nil {
		stream.Close()
		metrics.RejectedConnectionsTotal.WithLabelValues("start_failure").Inc()
		return entry.err
	}

	return r.attach(ctx, entry, stream, log)
}

// Running returns the live instance of a token, if one is registered and started.
func (r *InstanceRouter) Running(token string) (interfaces.Instance, bool) {
	r.mu.Lock()
	entry, ok := r.instances[token]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	select {
	case <-entry.ready:
		return entry.instance, entry.instance != nil
	default:
		return nil, false
	}
}

// Len returns the number of registry entries, including starting ones.
func (r *InstanceRouter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// Shutdown kills every running instance and waits until each has been charged
// and removed, or ctx is done.
func (r *InstanceRouter) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	entries := make([]*runningInstance, 0, len(r.instances))
	for _, entry := range r.instances {
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	for _, entry := range entries {
		select {
		case <-entry.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		if entry.instance == nil {
			continue
		}
		if err := entry.instance.Kill(); err != nil {
			r.log.Warn("Failed to kill instance", "token", entry.token, "err", err)
		}
	}

	for _, entry := range entries {
		if entry.instance == nil {
			continue
		}
		select {
		case <-entry.removed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// acquire returns the token's registry entry, inserting a starting placeholder
// when there is none. created reports whether the caller must start the instance.
func (r *InstanceRouter) acquire(token string, contractHash interfaces.ContractHash) (entry *runningInstance, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.instances[token]; ok {
		return entry, false
	}

	entry = newRunningInstance(token, contractHash)
	r.instances[token] = entry
	return entry, true
}

// remove deletes entry only if it is still the token's registered entry.
func (r *InstanceRouter) remove(entry *runningInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.instances[entry.token] == entry {
		delete(r.instances, entry.token)
	}
}

func (r *InstanceRouter) start(entry *runningInstance, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StartTimeout)
	defer cancel()

	instance, err := r.runtime.Start(ctx, entry.hash)
	if err != nil {
		// Waiters are released only after the placeholder is gone, so the next
		// stream for the token starts cleanly
		r.remove(entry)
		if !errors.Is(err, interfaces.ErrSandboxStartFailure) {
			err = fmt.Errorf("%w: %w", interfaces.ErrSandboxStartFailure, err)
		}
		entry.err = err
		close(entry.ready)
		close(entry.removed)

		log.Error("Failed to start contract instance", "contract", entry.hash.Short(), "err", err)
		return
	}

	entry.instance = instance
	r.biller.Track(entry.token, instance)
	close(entry.ready)

	metrics.InstancesStartedTotal.Inc()
	metrics.InstancesRunning.Inc()
	log.Info("Started contract instance", "contract", entry.hash.Short())

	go r.watchExit(entry)
}

func (r *InstanceRouter) attach(ctx context.Context, entry *runningInstance, stream net.Conn, log *slog.Logger) error {
	port := r.cfg.VirtualPort

	listener, ok := entry.instance.PortListener(port)
	if !ok {
		waitCtx, cancel := context.WithTimeout(ctx, r.cfg.PortReadyTimeout)
		defer cancel()

		var err error
		listener, err = entry.instance.WaitPortListener(waitCtx, port)
		if err != nil {
			stream.Close()
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				log.Warn("Contract did not listen on virtual port in time", "port", port)
				return fmt.Errorf("%w: port %d", interfaces.ErrPortReadyTimeout, port)
			}
			return err
		}
	}

	session, ok := entry.track(stream)
	if !ok {
		stream.Close()
		return interfaces.ErrInstanceExited
	}

	log.Debug("Passing stream to contract", "port", port)
	listener(session)
	return nil
}

func (r *InstanceRouter) watchExit(entry *runningInstance) {
	<-entry.instance.Done()
	defer close(entry.removed)

	status := entry.instance.ExitStatus()
	log := r.log.With("token", entry.token, "contract", entry.hash.Short())
	log.Info("Contract instance exited", "code", status.Code, "signal", status.Signal, "err", status.Err)

	entry.closeSessions()

	ctx, cancel := context.WithTimeout(context.Background(), chargeTimeout)
	receipt, err := r.biller.ChargeToken(ctx, entry.token)
	cancel()
	if err != nil {
		log.Error("Failed to charge token for instance run", "err", err)
	} else {
		log.Debug("Charged token for instance run", "amount", receipt.Amount, "balance", receipt.Balance)
	}

	r.remove(entry)
	metrics.InstancesRunning.Dec()
}

// runningInstance is a registry entry. ready is closed once the start attempt
// finished; instance and err are immutable after that.
type runningInstance struct {
	token string
	hash  interfaces.ContractHash

	ready    chan struct{}
	removed  chan struct{}
	instance interfaces.Instance
	err      error

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

func newRunningInstance(token string, hash interfaces.ContractHash) *runningInstance {
	return &runningInstance{
		token:    token,
		hash:     hash,
		ready:    make(chan struct{}),
		removed:  make(chan struct{}),
		sessions: make(map[*session]struct{}),
	}
}

// track registers stream as a session of the instance. It fails once the
// instance has exited.
func (e *runningInstance) track(stream net.Conn) (*session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, false
	}
	select {
	case <-e.instance.Done():
		return nil, false
	default:
	}

	s := &session{Conn: stream, entry: e}
	e.sessions[s] = struct{}{}
	return s, true
}

func (e *runningInstance) untrack(s *session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, s)
}

func (e *runningInstance) closeSessions() {
	e.mu.Lock()
	e.closed = true
	sessions := e.sessions
	e.sessions = make(map[*session]struct{})
	e.mu.Unlock()

	for s := range sessions {
		s.Conn.Close()
	}
}

// session is a client stream attached to an instance.
type session struct {
	net.Conn
	entry *runningInstance
	once  sync.Once
}

func (s *session) Close() error {
	s.once.Do(func() { s.entry.untrack(s) })
	return s.Conn.Close()
}
