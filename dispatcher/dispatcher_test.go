package dispatcher

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/contract-host/cryptoutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// recordingRouter answers every stream with "token:<token>\n".
type recordingRouter struct {
	mu     sync.Mutex
	tokens []string
}

func (r *recordingRouter) HandleConnection(_ context.Context, token string, stream net.Conn) error {
	r.mu.Lock()
	r.tokens = append(r.tokens, token)
	r.mu.Unlock()

	defer stream.Close()
	_, err := stream.Write([]byte("token:" + token + "\n"))
	return err
}

func (r *recordingRouter) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tokens...)
}

// hostAPI answers every connection with "host\n".
func hostAPI(t *testing.T) net.Listener {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Write([]byte("host\n"))
			conn.Close()
		}
	}()
	return ln
}

func startDispatcher(t *testing.T, router ConnectionHandler, hostAddr string) *Dispatcher {
	t.Helper()

	cert, err := cryptoutils.RandomCert("*.localhost", "localhost")
	require.NoError(t, err)

	d, err := New(Config{
		ListenAddr:       "127.0.0.1:0",
		TLSConfig:        &tls.Config{Certificates: []tls.Certificate{cert}},
		HostAPIAddr:      hostAddr,
		HandshakeTimeout: time.Second,
		Log:              testLogger,
	}, router)
	require.NoError(t, err)
	require.NoError(t, d.RunInBackground())
	require.Eventually(t, d.IsReady, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Shutdown(ctx)
	})
	return d
}

func dial(t *testing.T, d *Dispatcher, serverName string) string {
	t.Helper()

	conn, err := tls.Dial("tcp", d.Addr().String(), &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true,
	})
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestDispatcher_RoutesBySNI(t *testing.T) {
	router := &recordingRouter{}
	host := hostAPI(t)
	d := startDispatcher(t, router, host.Addr().String())

	tests := []struct {
		serverName string
		expected   string
	}{
		{"0123456789abcdef.localhost", "token:0123456789abcdef\n"},
		{"0123456789ABCDEF.localhost", "token:0123456789abcdef\n"},
		{"api.localhost", "host\n"},
		{"localhost", "host\n"},
		{"0123456789abcde.localhost", "host\n"},
		{"www.0123456789abcdef.localhost", "host\n"},
	}

	for _, tt := range tests {
		t.Run(tt.serverName, func(t *testing.T) {
			assert.Equal(t, tt.expected, dial(t, d, tt.serverName))
		})
	}

	// Non-token names never reach the router
	assert.Equal(t, []string{"0123456789abcdef", "0123456789abcdef"}, router.seen())
}

func TestDispatcher_NoSNIGoesToHost(t *testing.T) {
	router := &recordingRouter{}
	host := hostAPI(t)
	d := startDispatcher(t, router, host.Addr().String())

	// Connecting by IP sends no server name
	conn, err := tls.Dial("tcp", d.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "host\n", line)
	assert.Empty(t, router.seen())
}

func TestDispatcher_HostAPIDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	d := startDispatcher(t, &recordingRouter{}, addr)

	conn, err := tls.Dial("tcp", d.Addr().String(), &tls.Config{ServerName: "api.localhost", InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestDispatcher_HandshakeFailureKeepsServing(t *testing.T) {
	router := &recordingRouter{}
	host := hostAPI(t)
	d := startDispatcher(t, router, host.Addr().String())

	// Plain TCP garbage instead of a ClientHello
	raw, err := net.Dial("tcp", d.Addr().String())
	require.NoError(t, err)
	raw.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	raw.Close()

	assert.Equal(t, "token:0123456789abcdef\n", dial(t, d, "0123456789abcdef.localhost"))
}

func TestDispatcher_RequiresCertificate(t *testing.T) {
	_, err := New(Config{HostAPIAddr: "127.0.0.1:1"}, &recordingRouter{})
	assert.Error(t, err)

	_, err = New(Config{TLSConfig: &tls.Config{}, HostAPIAddr: "127.0.0.1:1"}, &recordingRouter{})
	assert.Error(t, err)
}

func TestDispatcher_Shutdown(t *testing.T) {
	host := hostAPI(t)
	d := startDispatcher(t, &recordingRouter{}, host.Addr().String())
	addr := d.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
	assert.False(t, d.IsReady())

	_, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	assert.Error(t, err)
}

// holdingRouter hands every stream to a listener that keeps it open.
type holdingRouter struct {
	streams chan net.Conn
}

func (r *holdingRouter) HandleConnection(_ context.Context, _ string, stream net.Conn) error {
	r.streams <- stream
	return nil
}

func TestDispatcher_ShutdownClosesStreamsHeldByContracts(t *testing.T) {
	router := &holdingRouter{streams: make(chan net.Conn, 1)}
	host := hostAPI(t)
	d := startDispatcher(t, router, host.Addr().String())

	conn, err := tls.Dial("tcp", d.Addr().String(), &tls.Config{
		ServerName:         "0123456789abcdef.localhost",
		InsecureSkipVerify: true,
	})
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-router.streams:
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not routed")
	}

	// The router returned, but the stream is still open and still counted.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Shutdown(ctx), context.DeadlineExceeded)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "stream was left open after shutdown")
	}
}

func TestDispatcher_ShutdownWaitsForHeldStreamToClose(t *testing.T) {
	router := &holdingRouter{streams: make(chan net.Conn, 1)}
	host := hostAPI(t)
	d := startDispatcher(t, router, host.Addr().String())

	conn, err := tls.Dial("tcp", d.Addr().String(), &tls.Config{
		ServerName:         "0123456789abcdef.localhost",
		InsecureSkipVerify: true,
	})
	require.NoError(t, err)
	defer conn.Close()

	var stream net.Conn
	select {
	case stream = <-router.streams:
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not routed")
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		stream.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, d.Shutdown(ctx))
}
