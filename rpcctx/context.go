// Package rpcctx implements the asynchronous call API of spec.md §4.6: a
// thread context wrapping one urpc.Peer, with a request queue, an
// in-flight queue, and a completion map, all drained by a single
// cooperative progress pump.
package rpcctx

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openurpc/urpc"
	"github.com/openurpc/urpc/metrics"
	"github.com/rs/xid"
	"go.uber.org/zap"
)

type ctxState int32

const (
	stateUnknown ctxState = iota
	stateRunning
	stateExit
)

// Context is spec.md §4.6's "context": it wraps one Peer and exposes
// call_async/call_vh_async/peek_result/wait_result/synchronize/close.
// Many goroutines may submit; only one drives the progress pump at a
// time (pumpMu).
type Context struct {
	ID   xid.ID
	peer *urpc.Peer
	log  *zap.SugaredLogger

	state atomic.Int32

	submitMu sync.Mutex
	requestQ []*Command

	// pumpMu enforces "only one progress pump runs at a time per
	// context" (spec.md §4.6); inFlightMu separately guards inFlight,
	// which onReply (invoked from inside a pump) also needs to touch.
	pumpMu     sync.Mutex
	inFlightMu sync.Mutex
	inFlight   []*Command

	compMu      sync.Mutex
	completions map[int64]*Command

	nextReqID atomic.Int64

	errMu    sync.Mutex
	fatalErr error
}

// New wraps peer in a fresh Context, identified for logs/metrics by a
// globally-unique id. It reserves ReplyCmd on peer's handler table to
// deliver replies to this context's own in-flight commands; peer must
// not already have a handler registered for that id.
func New(peer *urpc.Peer, log *zap.SugaredLogger) (*Context, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := &Context{
		ID:          xid.New(),
		peer:        peer,
		log:         log,
		completions: make(map[int64]*Command),
	}
	if err := peer.RegisterHandler(ReplyCmd, c.onReply); err != nil {
		return nil, fmt.Errorf("urpc: reserving reply handler: %w", err)
	}
	return c, nil
}

func (c *Context) metricLabel() string { return c.ID.String() }

func (c *Context) nextID() int64 { return c.nextReqID.Add(1) }

// CallAsync submits a remote call of cmd with the given pre-packed
// payload, returning the caller-facing request id immediately. The call
// itself is only actually published to the mailbox once the progress
// pump pops it off the request queue.
func (c *Context) CallAsync(cmd uint16, payload []byte) (int64, error) {
	if ctxState(c.state.Load()) == stateExit {
		return InvalidRequestID, urpc.WithKind(urpc.KindLifecycle, fmt.Errorf("urpc: context %s closed", c.ID))
	}
	id := c.nextID()
	submit := func() (Result, bool, error) {
		offs, cum, err := c.peer.Send.AllocPayload(uint32(len(payload)))
		if err != nil {
			return Result{}, false, fmt.Errorf("urpc: alloc payload for req %d: %w", id, err)
		}
		copy(c.peer.Send.Payload(offs, uint32(len(payload))), payload)
		if _, err := c.peer.Send.PutCmd(cmd, offs, uint32(len(payload)), cum); err != nil {
			return Result{}, false, fmt.Errorf("urpc: put_cmd for req %d: %w", id, err)
		}
		return Result{}, false, nil
	}
	result := func(mb urpc.MB, payload []byte) (Result, error) {
		return Result{Retval: payload2u64(payload), Status: StatusOK}, nil
	}
	c.enqueue(newCommand(id, false, submit, result))
	metrics.CommandsSubmitted.WithLabelValues(c.metricLabel()).Inc()
	c.state.CompareAndSwap(int32(stateUnknown), int32(stateRunning))
	return id, nil
}

// payload2u64 extracts a trailing 8-byte little-endian return value from
// a reply payload, or 0 if the payload is shorter (a handler that returns
// no explicit value). Callers that need the full reply body should use
// urpc.Parse on the payload their own ResultFunc receives instead of
// relying on this default decoding.
func payload2u64(payload []byte) uint64 {
	if len(payload) < 8 {
		return 0
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(payload[len(payload)-8+i]) << (8 * i)
	}
	return v
}

// CallVHAsync schedules a purely local callback. Per spec.md §4.6 it acts
// as a fence: the progress pump only runs it once the in-flight queue has
// drained, so it is guaranteed to observe every prior accelerator call's
// effects.
func (c *Context) CallVHAsync(fn func() (uint64, error)) (int64, error) {
	if ctxState(c.state.Load()) == stateExit {
		return InvalidRequestID, urpc.WithKind(urpc.KindLifecycle, fmt.Errorf("urpc: context %s closed", c.ID))
	}
	id := c.nextID()
	submit := func() (Result, bool, error) {
		retval, err := fn()
		if err != nil {
			return Result{Status: StatusException}, true, nil
		}
		return Result{Retval: retval, Status: StatusOK}, true, nil
	}
	c.enqueue(newCommand(id, true, submit, nil))
	metrics.CommandsSubmitted.WithLabelValues(c.metricLabel()).Inc()
	c.state.CompareAndSwap(int32(stateUnknown), int32(stateRunning))
	return id, nil
}

func (c *Context) enqueue(cmd *Command) {
	c.submitMu.Lock()
	c.requestQ = append(c.requestQ, cmd)
	c.submitMu.Unlock()
}

// PeekResult is the non-blocking half of spec.md §4.6: it reports the
// current status of req without driving the progress pump.
func (c *Context) PeekResult(req int64) (Result, Status) {
	c.compMu.Lock()
	cmd, ok := c.completions[req]
	c.compMu.Unlock()
	if !ok {
		return Result{}, StatusUnfinished
	}
	select {
	case <-cmd.done:
		return cmd.res, cmd.res.Status
	default:
		return Result{}, StatusUnfinished
	}
}

// WaitResult blocks (spinning, driving progress) until req completes or
// timeout elapses, returning StatusUnfinished on timeout. A zero timeout
// waits forever.
func (c *Context) WaitResult(ctx context.Context, req int64, timeout time.Duration) (Result, Status) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if res, status := c.PeekResult(req); status != StatusUnfinished {
			return res, status
		}
		if err := c.progressNolock(ctx, 1); err != nil {
			c.log.Warnw("progress pump error while waiting", "req", req, "err", err)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return Result{}, StatusUnfinished
		}
		if ctx.Err() != nil {
			return Result{}, StatusUnfinished
		}
	}
}

// Synchronize drains the request and in-flight queues, establishing the
// happens-before spec.md §5 promises: every prior asynchronous call on
// this context completes before it returns.
func (c *Context) Synchronize(ctx context.Context) error {
	for {
		c.submitMu.Lock()
		pending := len(c.requestQ)
		c.submitMu.Unlock()
		c.inFlightMu.Lock()
		inFlight := len(c.inFlight)
		c.inFlightMu.Unlock()
		if pending == 0 && inFlight == 0 {
			return nil
		}
		if err := c.progressNolock(ctx, 1); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Close transitions the context to EXIT and cancels every pending
// request and in-flight command with StatusError (spec.md §4.6). It
// does not post any command to the remote peer. After Close, all
// submits fail.
func (c *Context) Close() {
	c.state.Store(int32(stateExit))
	c.cancelAll()
}

// failFatal records err as the context's sticky fatal error, transitions
// to EXIT, and cancels every pending and in-flight command. Once set,
// Synchronize and WaitResult's driving calls surface err to callers
// instead of silently returning as if nothing happened.
func (c *Context) failFatal(err error) {
	c.errMu.Lock()
	if c.fatalErr == nil {
		c.fatalErr = err
	}
	c.errMu.Unlock()
	c.state.Store(int32(stateExit))
	c.cancelAll()
}

func (c *Context) fatal() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.fatalErr
}

func (c *Context) cancelAll() {
	c.submitMu.Lock()
	pending := c.requestQ
	c.requestQ = nil
	c.submitMu.Unlock()

	c.inFlightMu.Lock()
	inFlight := c.inFlight
	c.inFlight = nil
	c.inFlightMu.Unlock()

	for _, cmd := range pending {
		c.finish(cmd, Result{Status: StatusError})
	}
	for _, cmd := range inFlight {
		c.finish(cmd, Result{Status: StatusError})
	}
}

func (c *Context) finish(cmd *Command, res Result) {
	c.compMu.Lock()
	c.completions[cmd.ID] = cmd
	c.compMu.Unlock()
	cmd.complete(res)
	metrics.CommandsCompleted.WithLabelValues(c.metricLabel(), res.Status.String()).Inc()
}
