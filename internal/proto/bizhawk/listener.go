package bizhawk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"

	"overlay-bridge/internal/conn"
	"overlay-bridge/internal/events"
	"overlay-bridge/internal/observability"
)

const (
	readPoll = time.Second
	// frameIdle ends an unterminated frame once the sender has gone quiet.
	frameIdle = 100 * time.Millisecond
)

// Listener accepts BizHawk socket clients and publishes each decoded frame as
// bizhawk:message.
type Listener struct {
	addr     string
	maxFrame int
	tracker  *conn.Tracker

	ready     chan struct{}
	readyOnce sync.Once
	boundAddr net.Addr
}

func NewListener(addr string, maxFrame int, tracker *conn.Tracker) *Listener {
	return &Listener{addr: addr, maxFrame: maxFrame, tracker: tracker, ready: make(chan struct{})}
}

// Ready is closed once the socket is bound.
func (l *Listener) Ready() <-chan struct{} { return l.ready }

// Addr is the bound address; valid after Ready.
func (l *Listener) Addr() net.Addr { return l.boundAddr }

// Run binds once and serves connections until ctx is cancelled. A bind failure is
// published as bizhawk:error and returned.
func (l *Listener) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		err = fmt.Errorf("%w: bind %s: %v", events.ErrConnection, l.addr, err)
		l.tracker.Begin(events.SourceBizHawk).Fail(err)
		return err
	}
	l.boundAddr = ln.Addr()
	l.readyOnce.Do(func() { close(l.ready) })
	slog.Info("bizhawk listener started", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	return l.acceptLoop(ctx, ln)
}

// acceptLoop retries temporary accept failures with backoff. A listener closed while ctx
// is live cannot recover and ends the adapter with bizhawk:error.
func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = time.Second

	var wg conc.WaitGroup
	defer wg.Wait()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("bizhawk listener stopped")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				err = fmt.Errorf("%w: accept on %s: %v", events.ErrConnection, ln.Addr(), err)
				l.tracker.Begin(events.SourceBizHawk).Fail(err)
				return err
			}
			wait := bo.NextBackOff()
			slog.Error("bizhawk accept failed", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		wg.Go(func() { l.serve(ctx, nc) })
	}
}

func (l *Listener) serve(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	stop := context.AfterFunc(ctx, func() { _ = nc.SetReadDeadline(time.Now()) })
	defer stop()

	remote := nc.RemoteAddr().String()
	c := l.tracker.Begin(events.SourceBizHawk)
	c.Connected()
	slog.Info("bizhawk client connected", "remote", remote)

	dec := NewDecoder(l.maxFrame)
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			c.Close(nil)
			return
		}
		wait := readPoll
		if dec.Pending() {
			wait = frameIdle
		}
		_ = nc.SetReadDeadline(time.Now().Add(wait))
		n, err := nc.Read(buf)
		if n > 0 {
			frames, errs := dec.Feed(buf[:n])
			l.publish(c, remote, frames, errs)
		}
		if err == nil {
			continue
		}
		var ne net.Error
		switch {
		case errors.As(err, &ne) && ne.Timeout():
			if dec.Pending() {
				frames, errs := dec.Flush()
				l.publish(c, remote, frames, errs)
			}
			continue
		case errors.Is(err, io.EOF):
			frames, errs := dec.Flush()
			l.publish(c, remote, frames, errs)
			c.Close(nil)
			return
		case ctx.Err() != nil:
			c.Close(nil)
			return
		default:
			c.Fail(fmt.Errorf("%w: read from %s: %v", events.ErrConnection, remote, err))
			return
		}
	}
}

func (l *Listener) publish(c *conn.Connection, remote string, frames []Frame, errs []error) {
	for _, err := range errs {
		observability.FramesDecoded.WithLabelValues("malformed").Inc()
		slog.Warn("bizhawk frame skipped", "remote", remote, "error", err)
	}
	for _, f := range frames {
		observability.FramesDecoded.WithLabelValues("ok").Inc()
		if !f.LengthMatches() {
			observability.FramesDecoded.WithLabelValues("length_mismatch").Inc()
			slog.Debug("bizhawk declared length differs from body", "remote", remote, "declared", f.DeclaredLength, "actual", len(f.Body))
		}
		slog.Debug("bizhawk frame", "remote", remote, "length", f.DeclaredLength, "body", f.Body)
		if err := c.Publish(events.KindMessage, f.Body); err != nil {
			slog.Warn("bizhawk publish failed", "remote", remote, "error", err)
		}
	}
}
