// Package dispatcher accepts TLS connections on the public port and routes them
// by SNI server name: names whose first label is a token go to the contract
// instance router, everything else is bridged to the internal host API.
package dispatcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ruteri/contract-host/metrics"
	"github.com/ruteri/contract-host/netutil"
	"github.com/ruteri/contract-host/tokens"
	"go.uber.org/atomic"
)

// ConnectionHandler takes ownership of a token stream.
type ConnectionHandler interface {
	HandleConnection(ctx context.Context, token string, stream net.Conn) error
}

type Config struct {
	ListenAddr string
	TLSConfig  *tls.Config

	// HostAPIAddr is the internal management API that receives non-token connections.
	HostAPIAddr string

	HandshakeTimeout time.Duration
	DialTimeout      time.Duration

	Log *slog.Logger
}

// Dispatcher is the public TLS listener of the host.
type Dispatcher struct {
	cfg     Config
	router  ConnectionHandler
	log     *slog.Logger
	isReady atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func New(cfg Config, router ConnectionHandler) (*Dispatcher, error) {
	if cfg.TLSConfig == nil || (len(cfg.TLSConfig.Certificates) == 0 && cfg.TLSConfig.GetCertificate == nil) {
		return nil, errors.New("TLS certificate is required")
	}
	if cfg.HostAPIAddr == "" {
		return nil, errors.New("host API address is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:    cfg,
		router: router,
		log:    cfg.Log,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

// Listen binds the public address.
func (d *Dispatcher) Listen() error {
	ln, err := net.Listen("tcp", d.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.ListenAddr, err)
	}

	d.mu.Lock()
	d.ln = ln
	d.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (d *Dispatcher) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

// IsReady reports whether the dispatcher accepts connections.
func (d *Dispatcher) IsReady() bool {
	return d.isReady.Load()
}

// Serve accepts connections on ln until Shutdown. ln carries raw TCP; the TLS
// handshake is done per connection.
func (d *Dispatcher) Serve(ln net.Listener) error {
	d.mu.Lock()
	d.ln = ln
	d.mu.Unlock()

	tlsLn := tls.NewListener(ln, d.cfg.TLSConfig)
	d.isReady.Store(true)

	for {
		conn, err := tlsLn.Accept()
		if err != nil {
			if d.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			d.log.Warn("Failed to accept connection", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		owned := newOwnedConn(conn.(*tls.Conn))
		if !d.track(owned) {
			owned.Close()
			return nil
		}

		go func() {
			defer d.untrack(owned)
			d.handle(owned)
			// A contract listener may keep the stream after the router returns.
			<-owned.closed
		}()
	}
}

// RunInBackground listens, if not done already, and serves in a goroutine.
func (d *Dispatcher) RunInBackground() error {
	if d.Addr() == nil {
		if err := d.Listen(); err != nil {
			return err
		}
	}

	d.mu.Lock()
	ln := d.ln
	d.mu.Unlock()

	go func() {
		d.log.Info("Starting TLS dispatcher", "listenAddress", ln.Addr().String(), "hostAPI", d.cfg.HostAPIAddr)
		if err := d.Serve(ln); err != nil {
			d.log.Error("TLS dispatcher failed", "err", err)
		}
	}()
	return nil
}

// Shutdown stops accepting connections and waits for open ones to finish. When
// ctx is done first, the remaining connections are closed.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.isReady.Store(false)
	d.cancel()

	d.mu.Lock()
	if d.ln != nil {
		d.ln.Close()
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.log.Info("TLS dispatcher gracefully stopped")
		return nil
	case <-ctx.Done():
	}

	d.mu.Lock()
	for conn := range d.conns {
		conn.Close()
	}
	d.mu.Unlock()
	return ctx.Err()
}

func (d *Dispatcher) track(conn net.Conn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx.Err() != nil {
		return false
	}
	d.conns[conn] = struct{}{}
	d.wg.Add(1)
	return true
}

func (d *Dispatcher) untrack(conn net.Conn) {
	d.mu.Lock()
	delete(d.conns, conn)
	d.mu.Unlock()
	d.wg.Done()
}

func (d *Dispatcher) handle(conn *ownedConn) {
	log := d.log.With("remote", conn.RemoteAddr().String())

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.HandshakeTimeout)
	err := conn.HandshakeContext(ctx)
	cancel()
	if err != nil {
		metrics.RejectedConnectionsTotal.WithLabelValues("handshake").Inc()
		log.Debug("TLS handshake failed", "err", err)
		conn.Close()
		return
	}

	serverName := conn.ConnectionState().ServerName
	if token, ok := tokens.FromServerName(serverName); ok {
		metrics.ConnectionsTotal.WithLabelValues("token").Inc()
		if err := d.router.HandleConnection(d.ctx, token, conn); err != nil {
			log.Debug("Token connection dropped", "token", token, "err", err)
		}
		return
	}

	metrics.ConnectionsTotal.WithLabelValues("host").Inc()
	d.bridgeToHost(conn, log)
}

func (d *Dispatcher) bridgeToHost(conn net.Conn, log *slog.Logger) {
	dialer := net.Dialer{Timeout: d.cfg.DialTimeout}
	upstream, err := dialer.DialContext(d.ctx, "tcp", d.cfg.HostAPIAddr)
	if err != nil {
		log.Error("Failed to connect to host API", "addr", d.cfg.HostAPIAddr, "err", err)
		conn.Close()
		return
	}

	if err := netutil.Bridge(conn, upstream); err != nil {
		log.Debug("Host API stream ended with error", "err", err)
	}
}

// ownedConn reports when whoever holds the stream closes it.
type ownedConn struct {
	*tls.Conn
	once   sync.Once
	closed chan struct{}
}

func newOwnedConn(conn *tls.Conn) *ownedConn {
	return &ownedConn{Conn: conn, closed: make(chan struct{})}
}

func (c *ownedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { close(c.closed) })
	return err
}
