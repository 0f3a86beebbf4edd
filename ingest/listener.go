// Package ingest accepts producer TCP connections and feeds decoded frames
// into the shared store. One goroutine per connection; per-connection errors
// never reach the accept loop or other connections.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	_ "image/jpeg"

	golog "github.com/ipfs/go-log/v2"

	"strzcam.com/videorelay/config"
	"strzcam.com/videorelay/frame"
	"strzcam.com/videorelay/store"
)

var logger = golog.Logger("ingest")

const shutdownWait = 5 * time.Second

type Listener struct {
	store *store.Store
	cfg   config.Config

	wg        sync.WaitGroup
	active    atomic.Int32
	nextOwner atomic.Uint64
	addr      atomic.Value // net.Addr, set once the socket is bound
}

func NewListener(st *store.Store, cfg config.Config) *Listener {
	return &Listener{store: st, cfg: cfg}
}

// Run binds the ingest address and accepts producer connections until ctx is
// cancelled. Bind failures and non-temporary accept failures are returned to
// the caller; only cancellation ends Run with a nil error. On the way out the
// listening socket closes, every live handler is unblocked, and Run waits
// (bounded) for them to exit.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.IngestAddr())
	if err != nil {
		return fmt.Errorf("ingest listen on %s: %w", l.cfg.IngestAddr(), err)
	}
	defer ln.Close()
	l.addr.Store(ln.Addr())
	logger.Infof("TCP video ingest listening on %s", ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var acceptErr error
	var retryDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if temporaryAcceptError(err) {
				if retryDelay == 0 {
					retryDelay = 5 * time.Millisecond
				} else {
					retryDelay *= 2
				}
				if retryDelay > time.Second {
					retryDelay = time.Second
				}
				logger.Warnf("Accept error: %v, retrying in %s", err, retryDelay)
				time.Sleep(retryDelay)
				continue
			}
			logger.Errorf("Accept error: %v", err)
			acceptErr = fmt.Errorf("ingest accept: %w", err)
			break
		}
		retryDelay = 0
		if !l.admit(conn) {
			continue
		}
		l.wg.Add(1)
		l.active.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.active.Add(-1)
			l.handle(ctx, conn)
		}()
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownWait):
		logger.Warnf("Shutdown timeout: %d producer handler(s) still running", l.active.Load())
	}
	return acceptErr
}

// temporaryAcceptError reports whether an Accept failure is worth retrying
// (fd exhaustion and the like) rather than fatal to the listener.
func temporaryAcceptError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Temporary()
}

// Addr returns the bound listener address, or nil before Run has bound it.
func (l *Listener) Addr() net.Addr {
	if a, ok := l.addr.Load().(net.Addr); ok {
		return a
	}
	return nil
}

// admit enforces the connection bound and, in single-producer mode, rejects a
// second concurrent producer instead of letting the last writer silently win.
func (l *Listener) admit(conn net.Conn) bool {
	active := int(l.active.Load())
	if l.cfg.SingleProducer && active > 0 {
		logger.Warnf("Rejecting producer %s: single-producer mode and a producer is already connected", conn.RemoteAddr())
		conn.Close()
		return false
	}
	if active >= l.cfg.MaxProducers {
		logger.Warnf("Rejecting producer %s: producer limit %d reached", conn.RemoteAddr(), l.cfg.MaxProducers)
		conn.Close()
		return false
	}
	return true
}

// handle runs one producer session: framed read, JPEG sanity check, store
// write. Decode failures drop the message and keep the connection; framing
// and transport failures end it. The store is cleared on the way out, but
// only if this connection wrote the frame it still holds.
func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	owner := l.nextOwner.Add(1)
	peer := conn.RemoteAddr()
	logger.Infof("Producer connected from %s", peer)

	// Closing the socket is what reliably unblocks a pending read on
	// shutdown; a deadline could be re-armed by the read loop racing the
	// cancellation.
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})

	defer func() {
		stop()
		conn.Close()
		if l.store.Clear(owner) {
			logger.Infof("Producer %s disconnected, store cleared", peer)
		} else {
			logger.Infof("Producer %s disconnected", peer)
		}
	}()

	frames := 0
	for ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(l.cfg.IOTimeout))
		payload, err := frame.ReadFrame(conn, l.cfg.MaxFrameBytes)
		if err != nil {
			if err == io.EOF {
				return
			}
			if errors.Is(err, frame.ErrTruncated) || errors.Is(err, frame.ErrOversize) || errors.Is(err, frame.ErrEmptyPayload) {
				logger.Warnf("Framing error from %s after %d frame(s): %v", peer, frames, err)
				return
			}
			if ctx.Err() == nil {
				logger.Warnf("Read error from %s: %v", peer, err)
			}
			return
		}

		cfg, _, err := image.DecodeConfig(bytes.NewReader(payload))
		if err != nil {
			// Bad payload, good framing. Skip the message, keep the session.
			logger.Warnf("Failed to decode frame from %s: %v", peer, err)
			continue
		}

		l.store.Write(frame.New(payload, owner))
		frames++
		logger.Debugf("Received frame %dx%d (%d bytes) from %s", cfg.Width, cfg.Height, len(payload), peer)
	}
}
