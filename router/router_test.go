package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/contract-host/interfaces"
	"github.com/ruteri/contract-host/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testToken = "0123456789abcdef"
	testPort  = 8080
)

var testHash = interfaces.ComputeID([]byte("contract"))

type fakeDirectory struct {
	mu      sync.Mutex
	entries map[string]*interfaces.Resolution
}

func (d *fakeDirectory) Resolve(_ context.Context, token string) (*interfaces.Resolution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	resolution, ok := d.entries[token]
	if !ok {
		return nil, interfaces.ErrTokenNotFound
	}
	copied := *resolution
	return &copied, nil
}

type fakeRuntime struct {
	delay      time.Duration
	autoListen bool
	accepted   chan net.Conn

	mu      sync.Mutex
	err     error
	starts  int
	handles []*sandbox.Handle
}

func newFakeRuntime(autoListen bool) *fakeRuntime {
	return &fakeRuntime{autoListen: autoListen, accepted: make(chan net.Conn, 128)}
}

func (f *fakeRuntime) Start(_ context.Context, hash interfaces.ContractHash) (interfaces.Instance, error) {
	time.Sleep(f.delay)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.starts++
	if f.err != nil {
		return nil, f.err
	}

	handle := sandbox.NewHandle(hash, nil)
	if f.autoListen {
		if err := handle.Advertise(testPort, f.listener); err != nil {
			return nil, err
		}
	}
	f.handles = append(f.handles, handle)
	return handle, nil
}

func (f *fakeRuntime) listener(conn net.Conn) {
	f.accepted <- conn
}

func (f *fakeRuntime) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeRuntime) handle(i int) *sandbox.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[i]
}

func (f *fakeRuntime) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type mockBiller struct {
	mock.Mock
}

func (m *mockBiller) Track(token string, instance interfaces.Instance) {
	m.Called(token, instance)
}

func (m *mockBiller) ChargeToken(ctx context.Context, token string) (*interfaces.Receipt, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.Receipt), args.Error(1)
}

func newBiller() *mockBiller {
	biller := &mockBiller{}
	biller.On("Track", mock.Anything, mock.Anything).Return()
	biller.On("ChargeToken", mock.Anything, mock.Anything).Return(&interfaces.Receipt{Kind: interfaces.ChargeTransaction}, nil)
	return biller
}

func newTestRouter(cfg Config, runtime interfaces.SandboxRuntime, biller interfaces.MeteringBiller) *InstanceRouter {
	cfg.VirtualPort = testPort
	cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))

	directory := &fakeDirectory{entries: map[string]*interfaces.Resolution{
		testToken: {ContractHash: testHash, Balance: 100},
	}}
	return New(cfg, directory, runtime, biller)
}

func assertClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestHandleConnection_ConcurrentBurstStartsOneInstance(t *testing.T) {
	runtime := newFakeRuntime(true)
	runtime.delay = 20 * time.Millisecond
	router := newTestRouter(Config{}, runtime, newBiller())

	const streams = 50
	var wg sync.WaitGroup
	for i := 0; i < streams; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, server := net.Pipe()
			assert.NoError(t, router.HandleConnection(context.Background(), testToken, server))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, runtime.startCount())
	assert.Len(t, runtime.accepted, streams)
	assert.Equal(t, 1, router.Len())
}

func TestHandleConnection_UnknownToken(t *testing.T) {
	runtime := newFakeRuntime(true)
	router := newTestRouter(Config{}, runtime, newBiller())

	client, server := net.Pipe()
	err := router.HandleConnection(context.Background(), "ffffffffffffffff", server)
	assert.ErrorIs(t, err, interfaces.ErrTokenNotFound)

	assertClosed(t, client)
	assert.Equal(t, 0, runtime.startCount())
	assert.Equal(t, 0, router.Len())
}

func TestHandleConnection_BalanceGate(t *testing.T) {
	t.Run("rejects below minimum", func(t *testing.T) {
		runtime := newFakeRuntime(true)
		router := newTestRouter(Config{BalanceGating: true, MinBalance: 101}, runtime, newBiller())

		client, server := net.Pipe()
		err := router.HandleConnection(context.Background(), testToken, server)
		assert.ErrorIs(t, err, interfaces.ErrInsufficientBalance)

		assertClosed(t, client)
		assert.Equal(t, 0, runtime.startCount())
	})

	t.Run("admits at minimum", func(t *testing.T) {
		runtime := newFakeRuntime(true)
		router := newTestRouter(Config{BalanceGating: true, MinBalance: 100}, runtime, newBiller())

		_, server := net.Pipe()
		require.NoError(t, router.HandleConnection(context.Background(), testToken, server))
		assert.Equal(t, 1, runtime.startCount())
	})

	t.Run("disabled gate ignores balance", func(t *testing.T) {
		runtime := newFakeRuntime(true)
		router := newTestRouter(Config{BalanceGating: false, MinBalance: 1000}, runtime, newBiller())

		_, server := net.Pipe()
		require.NoError(t, router.HandleConnection(context.Background(), testToken, server))
		assert.Equal(t, 1, runtime.startCount())
	})
}

func TestHandleConnection_ExitChargesThenRemoves(t *testing.T) {
	runtime := newFakeRuntime(true)

	biller := &mockBiller{}
	biller.On("Track", testToken, mock.Anything).Return().Twice()

	var router *InstanceRouter
	biller.On("ChargeToken", mock.Anything, testToken).
		Run(func(mock.Arguments) {
			// The entry is still registered while the charge runs
			assert.Equal(t, 1, router.Len())
		}).
		Return(&interfaces.Receipt{Amount: 3}, nil).Once()

	router = newTestRouter(Config{}, runtime, biller)

	_, server := net.Pipe()
	require.NoError(t, router.HandleConnection(context.Background(), testToken, server))

	instance, ok := router.Running(testToken)
	require.True(t, ok)
	require.NoError(t, instance.Kill())

	require.Eventually(t, func() bool { return router.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	biller.AssertNumberOfCalls(t, "ChargeToken", 1)

	// The next stream starts a fresh instance
	_, server = net.Pipe()
	require.NoError(t, router.HandleConnection(context.Background(), testToken, server))
	assert.Equal(t, 2, runtime.startCount())

	biller.AssertExpectations(t)
}

func TestHandleConnection_ChargeFailureStillRemoves(t *testing.T) {
	runtime := newFakeRuntime(true)

	biller := &mockBiller{}
	biller.On("Track", mock.Anything, mock.Anything).Return()
	biller.On("ChargeToken", mock.Anything, testToken).Return(nil, errors.New("ledger unavailable"))

	router := newTestRouter(Config{}, runtime, biller)

	_, server := net.Pipe()
	require.NoError(t, router.HandleConnection(context.Background(), testToken, server))
	runtime.handle(0).Exit(interfaces.ExitStatus{Code: 1})

	require.Eventually(t, func() bool { return router.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHandleConnection_StreamsWaitForListener(t *testing.T) {
	runtime := newFakeRuntime(false)
	router := newTestRouter(Config{PortReadyTimeout: 5 * time.Second}, runtime, newBiller())

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, server := net.Pipe()
			errs <- router.HandleConnection(context.Background(), testToken, server)
		}()
	}

	require.Eventually(t, func() bool { return runtime.startCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, runtime.accepted, 0)

	// Listeners on other ports are ignored
	require.NoError(t, runtime.handle(0).Advertise(9090, func(conn net.Conn) { conn.Close() }))
	require.NoError(t, runtime.handle(0).Advertise(testPort, runtime.listener))

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("stream was not attached")
		}
	}

	// Each queued stream is delivered exactly once
	assert.Len(t, runtime.accepted, 2)
	assert.Equal(t, 1, runtime.startCount())
}

func TestHandleConnection_StartFailure(t *testing.T) {
	runtime := newFakeRuntime(true)
	runtime.delay = 20 * time.Millisecond
	runtime.setErr(errors.New("no such contract"))
	router := newTestRouter(Config{}, runtime, newBiller())

	var wg sync.WaitGroup
	clients := make(chan net.Conn, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, server := net.Pipe()
			clients <- client
			err := router.HandleConnection(context.Background(), testToken, server)
			assert.ErrorIs(t, err, interfaces.ErrSandboxStartFailure)
		}()
	}
	wg.Wait()
	close(clients)

	for client := range clients {
		assertClosed(t, client)
	}
	assert.Equal(t, 0, router.Len())

	// No stale placeholder is left behind
	runtime.setErr(nil)
	_, server := net.Pipe()
	require.NoError(t, router.HandleConnection(context.Background(), testToken, server))
	assert.Equal(t, 1, router.Len())
}

func TestHandleConnection_PortReadyTimeout(t *testing.T) {
	runtime := newFakeRuntime(false)
	router := newTestRouter(Config{PortReadyTimeout: 20 * time.Millisecond}, runtime, newBiller())

	client, server := net.Pipe()
	err := router.HandleConnection(context.Background(), testToken, server)
	assert.ErrorIs(t, err, interfaces.ErrPortReadyTimeout)
	assertClosed(t, client)

	// The instance itself keeps running
	_, ok := router.Running(testToken)
	assert.True(t, ok)
}

func TestHandleConnection_SessionsClosedOnExit(t *testing.T) {
	runtime := newFakeRuntime(true)
	router := newTestRouter(Config{}, runtime, newBiller())

	client, server := net.Pipe()
	require.NoError(t, router.HandleConnection(context.Background(), testToken, server))

	// The contract holds the stream open until the instance dies
	<-runtime.accepted
	require.NoError(t, runtime.handle(0).Kill())

	assertClosed(t, client)
}

func TestHandleConnection_StreamDuringExitIsDropped(t *testing.T) {
	runtime := newFakeRuntime(true)

	charging := make(chan struct{})
	release := make(chan struct{})
	biller := &mockBiller{}
	biller.On("Track", mock.Anything, mock.Anything).Return()
	biller.On("ChargeToken", mock.Anything, testToken).
		Run(func(mock.Arguments) {
			close(charging)
			<-release
		}).
		Return(&interfaces.Receipt{}, nil)

	router := newTestRouter(Config{}, runtime, biller)

	_, server := net.Pipe()
	require.NoError(t, router.HandleConnection(context.Background(), testToken, server))
	runtime.handle(0).Exit(interfaces.ExitStatus{})

	// Exited but not yet charged and removed
	select {
	case <-charging:
	case <-time.After(2 * time.Second):
		t.Fatal("instance was not charged")
	}
	assert.Equal(t, 1, router.Len())

	client, server := net.Pipe()
	err := router.HandleConnection(context.Background(), testToken, server)
	assert.ErrorIs(t, err, interfaces.ErrInstanceExited)
	assertClosed(t, client)

	close(release)
	require.Eventually(t, func() bool { return router.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestShutdown(t *testing.T) {
	runtime := newFakeRuntime(true)
	biller := newBiller()
	router := newTestRouter(Config{}, runtime, biller)

	_, server := net.Pipe()
	require.NoError(t, router.HandleConnection(context.Background(), testToken, server))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, router.Shutdown(ctx))

	assert.Equal(t, 0, router.Len())
	biller.AssertNumberOfCalls(t, "ChargeToken", 1)
}
