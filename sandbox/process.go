package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ruteri/contract-host/interfaces"
	"github.com/ruteri/contract-host/netutil"
)

// SocketDirEnv names the directory where a contract program creates N.sock to
// listen on virtual port N.
const SocketDirEnv = "CONTRACT_SOCKET_DIR"

// ProcessConfig configures the process sandbox.
type ProcessConfig struct {
	// Command is the launcher; the materialized contract path is appended to it.
	Command []string

	// WorkDir is the parent of the per-instance working directories.
	WorkDir string

	// Env is added to the host environment of every instance.
	Env []string

	// DialTimeout bounds connecting to an advertised socket.
	DialTimeout time.Duration

	Log *slog.Logger
}

// ProcessRuntime runs each contract instance as an operating system process.
type ProcessRuntime struct {
	cfg    ProcessConfig
	loader *ContractLoader
	log    *slog.Logger
}

func NewProcessRuntime(cfg ProcessConfig, loader *ContractLoader) (*ProcessRuntime, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("sandbox command is required")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox work directory: %w", err)
	}

	return &ProcessRuntime{
		cfg:    cfg,
		loader: loader,
		log:    cfg.Log,
	}, nil
}

func (r *ProcessRuntime) Start(ctx context.Context, contractHash interfaces.ContractHash) (interfaces.Instance, error) {
	contractPath, err := r.loader.Materialize(ctx, contractHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrSandboxStartFailure, err)
	}

	dir, err := os.MkdirTemp(r.cfg.WorkDir, "instance-")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrSandboxStartFailure, err)
	}

	socketDir := filepath.Join(dir, "sockets")
	if err := os.Mkdir(socketDir, 0700); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %w", interfaces.ErrSandboxStartFailure, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %w", interfaces.ErrSandboxStartFailure, err)
	}
	if err := watcher.Add(socketDir); err != nil {
		watcher.Close()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %w", interfaces.ErrSandboxStartFailure, err)
	}

	args := append(append([]string{}, r.cfg.Command[1:]...), contractPath)
	cmd := exec.Command(r.cfg.Command[0], args...)
	cmd.Dir = dir
	cmd.Env = append(append(os.Environ(), r.cfg.Env...),
		SocketDirEnv+"="+socketDir,
		"CONTRACT_HASH="+contractHash.String(),
	)

	handle := NewHandle(contractHash, func() error {
		err := cmd.Process.Kill()
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	})

	log := r.log.With("contract", contractHash.Short(), "instance", handle.ID())
	cmd.Stdout = &logWriter{log: log, stream: "stdout"}
	cmd.Stderr = &logWriter{log: log, stream: "stderr"}

	if err := cmd.Start(); err != nil {
		watcher.Close()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %w", interfaces.ErrSandboxStartFailure, err)
	}

	log.Info("Started contract process", "pid", cmd.Process.Pid)

	go r.watchSockets(handle, watcher, log)
	go func() {
		waitErr := cmd.Wait()
		watcher.Close()

		status := processExitStatus(cmd.ProcessState, waitErr)
		handle.Exit(status)
		log.Info("Contract process exited", "code", status.Code, "signal", status.Signal)

		if err := os.RemoveAll(dir); err != nil {
			log.Warn("Failed to remove instance directory", "err", err)
		}
	}()

	return handle, nil
}

func (r *ProcessRuntime) watchSockets(handle *Handle, watcher *fsnotify.Watcher, log *slog.Logger) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) {
				continue
			}

			port, ok := socketPort(event.Name)
			if !ok {
				continue
			}

			if err := handle.Advertise(port, r.socketListener(event.Name, log)); err != nil {
				log.Warn("Ignoring port advertisement", "port", port, "err", err)
				continue
			}
			log.Debug("Contract listening", "port", port)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Error("Socket watcher error", "err", err)
		}
	}
}

func (r *ProcessRuntime) socketListener(path string, log *slog.Logger) interfaces.StreamListener {
	return func(conn net.Conn) {
		upstream, err := dialSocket(path, r.cfg.DialTimeout)
		if err != nil {
			log.Warn("Failed to connect to contract socket", "path", path, "err", err)
			conn.Close()
			return
		}

		if err := netutil.Bridge(conn, upstream); err != nil {
			log.Debug("Stream ended with error", "err", err)
		}
	}
}

// dialSocket retries until the program starts accepting: the socket file is
// created on bind, before listen.
func dialSocket(path string, timeout time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("unix", path, timeout)
		if err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func socketPort(path string) (int, bool) {
	name, found := strings.CutSuffix(filepath.Base(path), ".sock")
	if !found {
		return 0, false
	}

	port, err := strconv.Atoi(name)
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}

func processExitStatus(state *os.ProcessState, waitErr error) interfaces.ExitStatus {
	status := interfaces.ExitStatus{Code: -1}
	if state == nil {
		status.Err = waitErr
		return status
	}

	status.Code = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signal = ws.Signal().String()
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		status.Err = waitErr
	}
	return status
}

type logWriter struct {
	log    *slog.Logger
	stream string
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.log.Debug(strings.TrimRight(string(p), "\n"), "stream", w.stream)
	return len(p), nil
}
