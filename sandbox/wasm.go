package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/ruteri/contract-host/interfaces"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// HostModuleName is the import module contracts use for virtual ports.
//
//	listen(port i32) i32            0 on success, -1 if the port is taken
//	accept(port i32) i32            blocks for the next stream, returns its fd or -1
//	read(fd, ptr, len i32) i32      bytes read, 0 at end of stream, -1 on error
//	write(fd, ptr, len i32) i32     bytes written or -1
//	close(fd i32) i32               0 or -1
const HostModuleName = "contract_host"

const (
	acceptBacklog = 16

	// maxReadChunk bounds the host buffer of a single read call.
	maxReadChunk = 64 << 10
)

// WasmRuntime runs WASI contract modules in-process with wazero.
type WasmRuntime struct {
	runtime wazero.Runtime
	loader  *ContractLoader
	log     *slog.Logger

	mu       sync.Mutex
	compiled map[interfaces.ContractHash]wazero.CompiledModule
}

func NewWasmRuntime(ctx context.Context, loader *ContractLoader, log *slog.Logger) (*WasmRuntime, error) {
	rt := wazero.NewRuntimeWithConfig(ctx,
		wazero.NewRuntimeConfig().WithCloseOnContextDone(true),
	)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	_, err := rt.NewHostModuleBuilder(HostModuleName).
		NewFunctionBuilder().WithFunc(hostListen).Export("listen").
		NewFunctionBuilder().WithFunc(hostAccept).Export("accept").
		NewFunctionBuilder().WithFunc(hostRead).Export("read").
		NewFunctionBuilder().WithFunc(hostWrite).Export("write").
		NewFunctionBuilder().WithFunc(hostClose).Export("close").
		Instantiate(ctx)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	return &WasmRuntime{
		runtime:  rt,
		loader:   loader,
		log:      log,
		compiled: make(map[interfaces.ContractHash]wazero.CompiledModule),
	}, nil
}

// Close releases the runtime. Running instances are terminated.
func (r *WasmRuntime) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

func (r *WasmRuntime) Start(ctx context.Context, contractHash interfaces.ContractHash) (interfaces.Instance, error) {
	compiled, err := r.compile(ctx, contractHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrSandboxStartFailure, err)
	}

	instance := &wasmInstance{
		queues: make(map[uint32]chan net.Conn),
		conns:  make(map[int32]net.Conn),
	}

	// Closing the streams unblocks host calls waiting on them; cancellation alone
	// only interrupts guest code.
	runCtx, cancel := context.WithCancel(context.Background())
	handle := NewHandle(contractHash, func() error {
		cancel()
		instance.closeAll()
		return nil
	})
	instance.handle = handle

	log := r.log.With("contract", contractHash.Short(), "instance", handle.ID())
	cfg := wazero.NewModuleConfig().
		WithName("contract-" + uuid.NewString()).
		WithArgs("contract").
		WithStdout(&logWriter{log: log, stream: "stdout"}).
		WithStderr(&logWriter{log: log, stream: "stderr"})

	go func() {
		defer cancel()

		module, err := r.runtime.InstantiateModule(context.WithValue(runCtx, instanceKey{}, instance), compiled, cfg)
		if module != nil {
			_ = module.Close(context.Background())
		}

		instance.closeAll()
		status := wasmExitStatus(err)
		if runCtx.Err() != nil && status.Signal == "" {
			status.Signal = KilledSignal
		}
		handle.Exit(status)
		log.Info("Contract module exited", "code", status.Code, "signal", status.Signal, "err", status.Err)
	}()

	log.Info("Started contract module")
	return handle, nil
}

func (r *WasmRuntime) compile(ctx context.Context, contractHash interfaces.ContractHash) (wazero.CompiledModule, error) {
	r.mu.Lock()
	compiled, ok := r.compiled[contractHash]
	r.mu.Unlock()
	if ok {
		return compiled, nil
	}

	code, err := r.loader.Load(ctx, contractHash)
	if err != nil {
		return nil, err
	}

	compiled, err = r.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to compile contract: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.compiled[contractHash]; ok {
		_ = compiled.Close(ctx)
		return existing, nil
	}
	r.compiled[contractHash] = compiled
	return compiled, nil
}

func wasmExitStatus(err error) interfaces.ExitStatus {
	if err == nil {
		return interfaces.ExitStatus{}
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		status := interfaces.ExitStatus{Code: int(exitErr.ExitCode())}
		switch exitErr.ExitCode() {
		case sys.ExitCodeContextCanceled, sys.ExitCodeDeadlineExceeded:
			status.Signal = KilledSignal
		}
		return status
	}
	return interfaces.ExitStatus{Code: -1, Err: err}
}

type instanceKey struct{}

// wasmInstance holds the streams of one running module.
type wasmInstance struct {
	handle *Handle

	mu     sync.Mutex
	queues map[uint32]chan net.Conn
	conns  map[int32]net.Conn
	nextFD int32
	closed bool
}

func instanceFrom(ctx context.Context) *wasmInstance {
	instance, _ := ctx.Value(instanceKey{}).(*wasmInstance)
	return instance
}

func (w *wasmInstance) listen(port uint32) int32 {
	queue := make(chan net.Conn, acceptBacklog)

	err := w.handle.Advertise(int(port), func(conn net.Conn) {
		w.mu.Lock()
		defer w.mu.Unlock()

		if w.closed {
			conn.Close()
			return
		}
		select {
		case queue <- conn:
		default:
			// Backlog full
			conn.Close()
		}
	})
	if err != nil {
		return -1
	}

	w.mu.Lock()
	w.queues[port] = queue
	w.mu.Unlock()
	return 0
}

func (w *wasmInstance) accept(ctx context.Context, port uint32) int32 {
	w.mu.Lock()
	queue, ok := w.queues[port]
	w.mu.Unlock()
	if !ok {
		return -1
	}

	select {
	case conn := <-queue:
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.closed {
			conn.Close()
			return -1
		}
		w.nextFD++
		w.conns[w.nextFD] = conn
		return w.nextFD
	case <-ctx.Done():
		return -1
	}
}

func (w *wasmInstance) conn(fd int32) (net.Conn, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	conn, ok := w.conns[fd]
	return conn, ok
}

func (w *wasmInstance) close(fd int32) int32 {
	w.mu.Lock()
	conn, ok := w.conns[fd]
	delete(w.conns, fd)
	w.mu.Unlock()

	if !ok {
		return -1
	}
	conn.Close()
	return 0
}

func (w *wasmInstance) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true
	for fd, conn := range w.conns {
		conn.Close()
		delete(w.conns, fd)
	}
	for _, queue := range w.queues {
		drain(queue)
	}
}

func drain(queue chan net.Conn) {
	for {
		select {
		case conn := <-queue:
			conn.Close()
		default:
			return
		}
	}
}

func hostListen(ctx context.Context, port uint32) int32 {
	instance := instanceFrom(ctx)
	if instance == nil {
		return -1
	}
	return instance.listen(port)
}

func hostAccept(ctx context.Context, port uint32) int32 {
	instance := instanceFrom(ctx)
	if instance == nil {
		return -1
	}
	return instance.accept(ctx, port)
}

func hostRead(ctx context.Context, m api.Module, fd int32, ptr, length uint32) int32 {
	instance := instanceFrom(ctx)
	if instance == nil {
		return -1
	}
	conn, ok := instance.conn(fd)
	if !ok {
		return -1
	}

	memory := m.Memory()
	if memory == nil {
		return -1
	}

	size, ok := readWindow(memory.Size(), ptr, length)
	if !ok {
		return -1
	}

	buf := make([]byte, size)
	n, err := conn.Read(buf)
	if n > 0 {
		if !memory.Write(ptr, buf[:n]) {
			return -1
		}
		return int32(n)
	}
	if errors.Is(err, io.EOF) {
		return 0
	}
	return -1
}

// readWindow returns how many bytes a read into guest memory at ptr may return:
// length clamped to the end of memory and to maxReadChunk. ok is false when ptr
// lies outside memory.
func readWindow(memSize, ptr, length uint32) (uint32, bool) {
	if ptr >= memSize {
		return 0, false
	}
	return min(length, memSize-ptr, maxReadChunk), true
}

func hostWrite(ctx context.Context, m api.Module, fd int32, ptr, length uint32) int32 {
	instance := instanceFrom(ctx)
	if instance == nil {
		return -1
	}
	conn, ok := instance.conn(fd)
	if !ok {
		return -1
	}

	memory := m.Memory()
	if memory == nil {
		return -1
	}
	data, ok := memory.Read(ptr, length)
	if !ok {
		return -1
	}
	n, err := conn.Write(data)
	if err != nil && n == 0 {
		return -1
	}
	return int32(n)
}

func hostClose(ctx context.Context, fd int32) int32 {
	instance := instanceFrom(ctx)
	if instance == nil {
		return -1
	}
	return instance.close(fd)
}
