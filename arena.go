package urpc

import (
	"errors"
	"fmt"
	"time"

	"github.com/openurpc/urpc/metrics"
)

// ErrAllocTimeout is returned by Arena.Alloc when no contiguous region
// becomes available within the configured timeout.
var ErrAllocTimeout = errors.New("urpc: payload arena allocation timed out")

// ErrPayloadTooLarge is returned when a single allocation can never fit,
// regardless of reclamation (size exceeds DataBufLen).
var ErrPayloadTooLarge = errors.New("urpc: payload exceeds data buffer capacity")

// arenaEntry mirrors one mailbox slot's {offs,len} bookkeeping. offs is
// recorded as a cumulative (never-wrapping) position so reclamation can
// always be matched by identity rather than by a physical offset that
// might alias across wraps.
type arenaEntry struct {
	cum uint64
	len uint32
}

// Arena is the send-side payload allocator described in spec.md §4.2: a
// bump allocator over TransferQueue.Data with deferred, slot-driven
// reclamation.
//
// spec.md names two bounded cursors, free_begin and free_end, with
// 0 <= free_begin <= free_end <= DataBufLen. The source text is
// ambiguous about whether that window denotes the live or the free
// span, and how exactly a physical wrap is detected; this
// implementation resolves the ambiguity (documented in DESIGN.md) by
// tracking allocation and reclamation as monotonically increasing
// cumulative byte counts. The physical write position is always
// (allocCum mod DataBufLen); FreeBegin/FreeEnd below project that state
// back onto the bounded [0, DataBufLen] view spec.md describes, for
// callers and tests that want to check the stated invariants directly.
type Arena struct {
	q        *TransferQueue
	mlist    [LenMB]arenaEntry
	allocCum uint64
	gcCum    uint64
	lastSlot int
	timeout  time.Duration
}

// NewArena creates an Arena bound to a direction's TransferQueue.
func NewArena(q *TransferQueue, timeout time.Duration) *Arena {
	return &Arena{q: q, lastSlot: -1, timeout: timeout}
}

func alignUp8(n uint32) uint32 { return (n + 7) &^ 7 }

// FreeBegin is the current bump/write cursor, in [0, DataBufLen].
func (a *Arena) FreeBegin() uint32 { return uint32(a.allocCum % DataBufLen) }

// FreeEnd is the reclaim cursor projected onto the same lap as FreeBegin;
// together (FreeBegin-FreeEnd) mod DataBufLen is live (allocated, not yet
// reclaimed) bytes, matching the invariant in spec.md §8.
func (a *Arena) FreeEnd() uint32 { return uint32(a.gcCum % DataBufLen) }

// LiveBytes returns the number of bytes currently allocated to
// not-yet-reclaimed slots.
func (a *Arena) LiveBytes() uint64 { return a.allocCum - a.gcCum }

// track records the mirror {offs,len} entry for a slot the mailbox ring
// just published, so a later gc() can reclaim it once the shared mailbox
// word reports the slot done. When the slot still holds an entry from
// its previous use, gc() runs first so that entry is reclaimed rather
// than overwritten.
func (a *Arena) track(slot int, cumOffs uint64, length uint32) {
	if a.mlist[slot].len > 0 {
		a.gc()
	}
	a.mlist[slot] = arenaEntry{cum: cumOffs, len: length}
	if length > 0 {
		a.lastSlot = slot
	}
}

// Alloc reserves size bytes (rounded up to 8) from the arena, aligned to
// the data buffer's 8-byte discipline. It blocks (spinning, per spec.md
// §5) for up to the arena's configured timeout while waiting for space to
// be reclaimed.
func (a *Arena) Alloc(size uint32) (offs uint32, cumOffs uint64, err error) {
	aligned := alignUp8(size)
	if aligned > DataBufLen {
		return 0, 0, WithKind(KindArgument, ErrPayloadTooLarge)
	}

	deadline := time.Now().Add(a.timeout)
	for {
		if off, cum, ok := a.tryAlloc(aligned, size); ok {
			return off, cum, nil
		}
		a.gc()
		if off, cum, ok := a.tryAlloc(aligned, size); ok {
			return off, cum, nil
		}
		if time.Now().After(deadline) {
			metrics.AllocTimeouts.WithLabelValues(a.metricLabel()).Inc()
			return 0, 0, WithKind(KindResource, ErrAllocTimeout)
		}
	}
}

// metricLabel identifies this arena's owning queue for the
// arena_alloc_timeouts_total counter. A TransferQueue lives embedded in
// one Segment for the life of a peer, so its address is stable and
// unique per direction.
func (a *Arena) metricLabel() string { return fmt.Sprintf("%p", a.q) }

// tryAlloc attempts one allocation without running gc. It folds any tail
// waste from a physical wrap into the most recently allocated non-empty
// slot's mirror entry, so that slot's eventual reclamation frees the
// waste too; if that entry has already been reclaimed, the waste is
// reclaimed immediately.
func (a *Arena) tryAlloc(aligned, size uint32) (offs uint32, cumOffs uint64, ok bool) {
	pos := a.allocCum % DataBufLen
	need := uint64(aligned)
	wraps := pos+uint64(aligned) > DataBufLen
	if wraps {
		need += DataBufLen - pos
	}
	if a.allocCum+need-a.gcCum > DataBufLen {
		return 0, 0, false
	}
	if wraps {
		waste := DataBufLen - pos
		if a.lastSlot >= 0 && a.mlist[a.lastSlot].len > 0 {
			a.mlist[a.lastSlot].len += uint32(waste)
		} else if a.gcCum == a.allocCum {
			a.gcCum += waste
		}
		a.allocCum += waste
		pos = 0
	}
	cumOffs = a.allocCum
	a.allocCum += uint64(aligned)
	return uint32(pos), cumOffs, true
}

// gc reclaims the mirror entries of slots that the shared mailbox reports
// as done (cmd == CmdNone), advancing the reclaim cursor only across
// contiguous completed slots so offsets already handed to a live,
// not-yet-observed command are never reused out from under it.
func (a *Arena) gc() {
	Fence()
	_ = loadI64(&a.q.LastPutReq)
	for {
		advanced := false
		for i := 0; i < LenMB; i++ {
			e := &a.mlist[i]
			if e.len == 0 || e.cum != a.gcCum {
				continue
			}
			mb := MB(loadU64(&a.q.MB[i]))
			if mb.Cmd() != CmdNone {
				continue
			}
			a.gcCum += uint64(alignUp8(e.len))
			*e = arenaEntry{}
			advanced = true
		}
		if !advanced {
			return
		}
	}
}
