package urpc

import (
	"fmt"
	"sync"
	"time"

	"github.com/openurpc/urpc/dma"
	"go.uber.org/zap"
)

// Handler processes one received command. A non-zero return is logged but
// never aborts the progress pump (spec.md §4.5).
type Handler func(p *Peer, mb MB, req int64, payload []byte) int

// Peer binds one shared-memory Segment to a send communicator, a recv
// communicator, and a handler table (spec.md §3's "Peer").
type Peer struct {
	Segment *Segment
	Send    *SendCommunicator
	Recv    *RecvCommunicator

	device dma.Device
	log    *zap.SugaredLogger

	mu       sync.Mutex
	handlers [MaxHandlers + 1]Handler

	scratch [DataBufLen]byte

	// ChildPID is set by the host-side supervisor when this peer was
	// created by spawning an accelerator child process; zero otherwise.
	ChildPID int
}

// NewPeer constructs the host-side Peer over seg: its Send is seg.Send,
// its Recv is seg.Recv. The accelerator process maps the identical bytes
// but must see the two halves swapped (its recv is our send); use
// NewAccelPeer to build that side.
func NewPeer(seg *Segment, allocTimeout time.Duration, device dma.Device, log *zap.SugaredLogger) *Peer {
	return newPeer(seg, &seg.Send, &seg.Recv, allocTimeout, device, log)
}

// NewAccelPeer constructs the accelerator-side Peer over the same seg a
// host process built with NewPeer: its Send is seg.Recv and its Recv is
// seg.Send, per spec.md §3's "remote attaches ... sees the two halves
// swapped".
func NewAccelPeer(seg *Segment, allocTimeout time.Duration, device dma.Device, log *zap.SugaredLogger) *Peer {
	return newPeer(seg, &seg.Recv, &seg.Send, allocTimeout, device, log)
}

func newPeer(seg *Segment, send, recv *TransferQueue, allocTimeout time.Duration, device dma.Device, log *zap.SugaredLogger) *Peer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if device == nil {
		device = dma.LoopbackDevice{}
	}
	return &Peer{
		Segment: seg,
		Send:    NewSendCommunicator(send, allocTimeout),
		Recv:    NewRecvCommunicator(recv),
		device:  device,
		log:     log,
	}
}

// RegisterHandler binds fn to cmd. It fails if cmd is out of range or
// already bound (spec.md §4.5).
func (p *Peer) RegisterHandler(cmd uint16, fn Handler) error {
	if cmd < 1 || int(cmd) > MaxHandlers {
		return WithKind(KindArgument, fmt.Errorf("urpc: handler id %d out of range [1,%d]", cmd, MaxHandlers))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handlers[cmd] != nil {
		return WithKind(KindArgument, fmt.Errorf("urpc: handler id %d already registered", cmd))
	}
	p.handlers[cmd] = fn
	return nil
}

// UnregisterHandler clears cmd's entry, if any.
func (p *Peer) UnregisterHandler(cmd uint16) {
	if cmd < 1 || int(cmd) > MaxHandlers {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[cmd] = nil
}

func (p *Peer) handlerFor(cmd uint16) Handler {
	if cmd < 1 || int(cmd) > MaxHandlers {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers[cmd]
}

// Reply publishes payload on p's send communicator under cmd, for a
// handler to send its response back to the caller that issued the
// original request (spec.md §2's data flow: "the peer ... writes a reply
// into its own send communicator, which is the caller's recv").
func (p *Peer) Reply(cmd uint16, payload []byte) (int64, error) {
	offs, cum, err := p.Send.AllocPayload(uint32(len(payload)))
	if err != nil {
		return 0, fmt.Errorf("urpc: reply alloc: %w", err)
	}
	copy(p.Send.Payload(offs, uint32(len(payload))), payload)
	return p.Send.PutCmd(cmd, offs, uint32(len(payload)), cum)
}
