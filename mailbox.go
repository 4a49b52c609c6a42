package urpc

import (
	"errors"
	"sync"
	"time"
)

// ErrSlotBusyTimeout is returned by PutCmd when the target slot never
// frees up within SendCommunicator.Timeout (DefaultPutCmdTimeout unless
// changed). spec.md §9's Open Questions flags the
// source's busy-slot spin as unbounded ("TODO: timeout"); this
// implementation honors a configurable bound instead.
var ErrSlotBusyTimeout = errors.New("urpc: mailbox slot busy timeout")

// DefaultPutCmdTimeout bounds how long PutCmd spins on a busy slot before
// giving up.
const DefaultPutCmdTimeout = 250 * time.Millisecond

// SendCommunicator is the producer side of one direction: a mailbox ring
// plus the payload arena backing it. Many caller goroutines may call
// PutCmd concurrently (guarded by mu); exactly one goroutine may ever
// drain the matching recv side, per spec.md §4.1's SPSC discipline.
type SendCommunicator struct {
	Queue   *TransferQueue
	Arena   *Arena
	Timeout time.Duration

	mu sync.Mutex
}

// NewSendCommunicator constructs a producer-side communicator over q.
func NewSendCommunicator(q *TransferQueue, allocTimeout time.Duration) *SendCommunicator {
	return &SendCommunicator{
		Queue:   q,
		Arena:   NewArena(q, allocTimeout),
		Timeout: DefaultPutCmdTimeout,
	}
}

// AllocPayload reserves size bytes in the arena for a command about to be
// published, returning the offset to write the payload at and the
// cumulative position used to track reclamation.
func (s *SendCommunicator) AllocPayload(size uint32) (offs uint32, cum uint64, err error) {
	return s.Arena.Alloc(size)
}

// Payload returns a slice over the data buffer at the given offset and
// length, suitable for writing the packed argument bytes before PutCmd
// publishes the mailbox word.
func (s *SendCommunicator) Payload(offs, length uint32) []byte {
	return s.Queue.Data[offs : offs+length]
}

// PutCmd publishes cmd with the given payload location, returning the
// monotonically increasing request id assigned to it. It spins until the
// target slot is free (cmd == CmdNone), bounded by s.Timeout.
func (s *SendCommunicator) PutCmd(cmd uint16, offs, length uint32, cumOffs uint64) (req int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req = loadI64(&s.Queue.LastPutReq) + 1
	slot := int(req) % LenMB

	deadline := time.Now().Add(s.Timeout)
	for {
		cur := MB(loadU64(&s.Queue.MB[slot]))
		if cur.Cmd() == CmdNone {
			break
		}
		if time.Now().After(deadline) {
			return 0, WithKind(KindResource, ErrSlotBusyTimeout)
		}
	}

	s.Arena.track(slot, cumOffs, length)

	mb := PackMB(cmd, offs, length)
	Fence()
	storeU64(&s.Queue.MB[slot], uint64(mb))
	Fence()
	storeI64(&s.Queue.LastPutReq, req)
	return req, nil
}

// RecvCommunicator is the consumer side of one direction: it drains
// mailbox words the peer's SendCommunicator published and hands payload
// bytes back to the caller, then marks the slot done.
type RecvCommunicator struct {
	Queue *TransferQueue
}

// NewRecvCommunicator constructs a consumer-side communicator over q.
func NewRecvCommunicator(q *TransferQueue) *RecvCommunicator {
	return &RecvCommunicator{Queue: q}
}

// GetCmd returns the next unread mailbox word and its request id, or
// ok == false if the producer has not published anything new.
func (r *RecvCommunicator) GetCmd() (mb MB, req int64, ok bool) {
	Fence()
	lastPut := loadI64(&r.Queue.LastPutReq)
	lastGet := loadI64(&r.Queue.LastGetReq)
	if lastPut == lastGet {
		return 0, -1, false
	}
	req = lastGet + 1
	slot := int(req) % LenMB
	mb = MB(loadU64(&r.Queue.MB[slot]))
	storeI64(&r.Queue.LastGetReq, req)
	return mb, req, true
}

// GetReq peeks a specific request id. It only advances LastGetReq when
// target is exactly the next expected request.
func (r *RecvCommunicator) GetReq(target int64) (mb MB, req int64, ok bool) {
	lastGet := loadI64(&r.Queue.LastGetReq)
	slot := int(target) % LenMB
	mb = MB(loadU64(&r.Queue.MB[slot]))
	if target == lastGet+1 {
		storeI64(&r.Queue.LastGetReq, target)
	}
	return mb, target, true
}

// Payload returns a slice over the data buffer described by mb. It is
// only valid until SlotDone is called for the slot mb came from.
func (r *RecvCommunicator) Payload(mb MB) []byte {
	return r.Queue.Data[mb.Offs() : mb.Offs()+mb.Len()]
}

// SlotDone marks req's slot free again. Calling it twice for the same
// slot is a no-op after the first, per spec.md §8's idempotence law.
func (r *RecvCommunicator) SlotDone(req int64) {
	slot := int(req) % LenMB
	if MB(loadU64(&r.Queue.MB[slot])).Cmd() == CmdNone {
		return
	}
	Fence()
	storeU64(&r.Queue.MB[slot], 0)
}
