// Package dma models the accelerator DMA primitive spec.md §1 treats as an
// injected capability: a synchronous copy between two device-virtual
// addresses. The transport only ever calls it for payloads larger than
// urpc.InlineThreshold bytes, from Peer.RecvProgress on whichever side
// of the segment is receiving (spec.md §4.5).
package dma

import (
	"context"
	"errors"
	"fmt"
)

// ErrShortBuffer is returned when dst cannot hold all of src.
var ErrShortBuffer = errors.New("urpc/dma: destination buffer too small")

// Device is the DMA capability. A real accelerator binds this to its
// device driver's copy primitive; this module ships only the Loopback
// implementation used by tests and by host-only peers that never leave
// process memory.
type Device interface {
	// Transfer copies src into dst, analogous to transfer(dst_dva,
	// src_dva, len) -> status in spec.md §1. It returns a non-zero
	// (transport I/O, spec.md §7) error on failure.
	Transfer(ctx context.Context, dst, src []byte) error
}

// LoopbackDevice implements Device with a bounds-checked copy, standing in
// for a real device-to-device transfer when both "sides" of the peer live
// in the same address space (tests, and the host-only demo binaries).
type LoopbackDevice struct{}

// Transfer implements Device.
func (LoopbackDevice) Transfer(_ context.Context, dst, src []byte) error {
	if len(dst) < len(src) {
		return fmt.Errorf("%w: need %d, have %d", ErrShortBuffer, len(src), len(dst))
	}
	copy(dst, src)
	return nil
}
