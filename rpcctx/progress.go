package rpcctx

import (
	"context"
	"fmt"

	"github.com/openurpc/urpc"
	"github.com/openurpc/urpc/metrics"
)

// ReplyCmd is the urpc command id reserved for delivering replies back to
// the context that issued the original call. Application handlers use
// ids [1, urpc.MaxHandlers-1]; ReplyCmd is the last id and must not be
// registered by application code.
const ReplyCmd uint16 = urpc.MaxHandlers

// onReply is installed as peer's handler for ReplyCmd. It implements the
// "pop front of in-flight, run its result closure, push to completion"
// half of spec.md §4.6's progress algorithm; an empty in-flight queue
// here is the protocol violation spec.md §7 treats as fatal.
func (c *Context) onReply(_ *urpc.Peer, mb urpc.MB, req int64, payload []byte) int {
	c.inFlightMu.Lock()
	if len(c.inFlight) == 0 {
		c.inFlightMu.Unlock()
		violation := &urpc.ErrProtocolViolation{
			Reason: fmt.Sprintf("reply for req %d arrived with empty in-flight queue", req),
		}
		c.log.Errorw("protocol violation", "err", violation)
		metrics.ProtocolViolations.WithLabelValues(c.metricLabel()).Inc()
		c.failFatal(violation)
		return -1
	}
	cmd := c.inFlight[0]
	c.inFlight = c.inFlight[1:]
	depth := len(c.inFlight)
	c.inFlightMu.Unlock()
	metrics.InFlightDepth.WithLabelValues(c.metricLabel()).Set(float64(depth))

	res, err := cmd.Result(mb, payload)
	if err != nil {
		c.log.Errorw("result closure failed, cancelling context", "req", req, "err", err)
		c.finish(cmd, Result{Status: StatusError})
		c.failFatal(fmt.Errorf("urpc: decoding reply for req %d: %w", req, err))
		return -1
	}
	c.finish(cmd, res)
	return 0
}

// progressNolock drives spec.md §4.6's repeat-loop for up to ops
// iterations, stopping early once an iteration both received and sent
// nothing. It serializes concurrent callers on pumpMu so only one
// progress pump actually runs at a time; everyone else just waits their
// turn, consistent with "wait primitives are busy-polling loops that
// themselves drive the pump" (spec.md §5).
func (c *Context) progressNolock(ctx context.Context, ops int) error {
	c.pumpMu.Lock()
	defer c.pumpMu.Unlock()

	for i := 0; i < ops; i++ {
		if ctxState(c.state.Load()) == stateExit {
			if err := c.fatal(); err != nil {
				return err
			}
			return urpc.WithKind(urpc.KindLifecycle, fmt.Errorf("urpc: context %s is closed", c.ID))
		}

		recvd, err := c.peer.RecvProgress(ctx, 1)
		if err != nil {
			return err
		}

		if err := c.fatal(); err != nil {
			return err
		}

		sent := 0
		if cmd := c.maybeDequeue(); cmd != nil {
			c.submitOne(cmd)
			sent = 1
		}

		if recvd+sent == 0 {
			return nil
		}
	}
	return nil
}

// maybeDequeue pops the next request iff there is room to send it:
// host-only commands must wait for the in-flight queue to drain (the
// local fence spec.md §4.6 describes); remote commands are bounded by
// the mailbox ring's capacity.
func (c *Context) maybeDequeue() *Command {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	if len(c.requestQ) == 0 {
		return nil
	}
	head := c.requestQ[0]

	c.inFlightMu.Lock()
	inFlight := len(c.inFlight)
	c.inFlightMu.Unlock()

	if head.HostOnly {
		if inFlight != 0 {
			return nil
		}
	} else if inFlight >= urpc.LenMB {
		return nil
	}

	c.requestQ = c.requestQ[1:]
	return head
}

func (c *Context) submitOne(cmd *Command) {
	res, hostOnly, err := cmd.Submit()
	if err != nil {
		c.log.Errorw("submit closure failed", "req", cmd.ID, "err", err)
		c.finish(cmd, Result{Status: StatusError})
		return
	}
	if hostOnly {
		c.finish(cmd, res)
		return
	}
	c.inFlightMu.Lock()
	c.inFlight = append(c.inFlight, cmd)
	depth := len(c.inFlight)
	c.inFlightMu.Unlock()
	metrics.InFlightDepth.WithLabelValues(c.metricLabel()).Set(float64(depth))
}
