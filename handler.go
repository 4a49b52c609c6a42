package urpc

import (
	"context"
	"fmt"
	"time"
)

// ErrProtocolViolation marks the fatal class of error spec.md §7 reserves
// for a reply or a handler invocation on an inconsistent mailbox state.
type ErrProtocolViolation struct {
	Reason string
}

func (e *ErrProtocolViolation) Error() string {
	return fmt.Sprintf("urpc: protocol violation: %s", e.Reason)
}

// Kind classifies ErrProtocolViolation as KindProtocol for callers using
// ErrKind.
func (e *ErrProtocolViolation) Kind() ErrorKind { return KindProtocol }

// materializePayload copies mb's payload out of the queue's shared data
// buffer into p.scratch, using an inline stride copy for small payloads
// and the DMA capability for anything larger than InlineThreshold bytes.
// This threshold is the one observable optimisation spec.md §9 calls out
// as load-bearing: it must match on both sides of a segment.
func (p *Peer) materializePayload(ctx context.Context, mb MB) ([]byte, error) {
	length := mb.Len()
	if length == 0 {
		return p.scratch[:0], nil
	}
	src := p.Recv.Payload(mb)
	dst := p.scratch[:length]
	if length <= InlineThreshold {
		copy(dst, src)
		return dst, nil
	}
	if err := p.device.Transfer(ctx, dst, src); err != nil {
		return nil, WithKind(KindTransport, fmt.Errorf("urpc: dma transfer: %w", err))
	}
	return dst, nil
}

// RecvProgress drains up to ncmds received commands, dispatching each to
// its registered handler and marking the slot done, per spec.md §4.5.
// It returns the number of commands actually processed.
func (p *Peer) RecvProgress(ctx context.Context, ncmds int) (int, error) {
	processed := 0
	for i := 0; i < ncmds; i++ {
		mb, req, ok := p.Recv.GetCmd()
		if !ok {
			break
		}
		payload, err := p.materializePayload(ctx, mb)
		if err != nil {
			p.log.Errorw("materialize payload failed", "req", req, "cmd", mb.Cmd(), "err", err)
			p.Recv.SlotDone(req)
			continue
		}
		if fn := p.handlerFor(mb.Cmd()); fn != nil {
			if rc := fn(p, mb, req, payload); rc != 0 {
				p.log.Warnw("handler returned non-zero", "cmd", mb.Cmd(), "req", req, "rc", rc)
			}
		} else {
			p.log.Warnw("no handler registered", "cmd", mb.Cmd(), "req", req)
		}
		p.Recv.SlotDone(req)
		processed++
	}
	return processed, nil
}

// RecvProgressTimeout runs RecvProgress repeatedly until no commands were
// processed for longer than timeout, and returns the total number of
// commands processed across the whole call. spec.md §9's Open Questions
// notes the source has no return statement here; this is the resolution.
func (p *Peer) RecvProgressTimeout(ctx context.Context, ncmds int, timeout time.Duration) (int, error) {
	total := 0
	quietSince := time.Time{}
	for {
		n, err := p.RecvProgress(ctx, ncmds)
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			if quietSince.IsZero() {
				quietSince = time.Now()
			} else if time.Since(quietSince) > timeout {
				return total, nil
			}
		} else {
			quietSince = time.Time{}
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}
