// Package netutil holds stream plumbing shared by the dispatcher and the sandbox runtimes.
package netutil

import (
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

type closeWriter interface {
	CloseWrite() error
}

// Bridge copies bytes between a and b in both directions until one side finishes
// or fails, then closes both connections. A clean EOF on one side is reported as
// nil. Bridge blocks until both copy loops have returned.
func Bridge(a, b net.Conn) error {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			a.Close()
			b.Close()
		})
	}

	var g errgroup.Group
	g.Go(func() error {
		defer closeBoth()
		return pipe(b, a)
	})
	g.Go(func() error {
		defer closeBoth()
		return pipe(a, b)
	})

	err := g.Wait()
	if IsClosedErr(err) {
		return nil
	}
	return err
}

func pipe(dst, src net.Conn) error {
	_, err := io.Copy(dst, src)
	if err == nil {
		// Half-close so the peer sees EOF before the full teardown
		if cw, ok := dst.(closeWriter); ok {
			cw.CloseWrite()
		}
	}
	return err
}

// IsClosedErr reports whether err only signals that a connection was closed.
func IsClosedErr(err error) bool {
	return err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}
