// Package shmseg is the shared-segment provisioner spec.md §1 calls an
// external collaborator: attach(key, size) -> (id, base, status),
// detach(id, base), wait_two_attached(id). It is a thin wrapper over
// /dev/shm + mmap, not part of the transport proper (spec.md §2); the
// transport only ever sees the []byte it hands back.
package shmseg

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sys/unix"
)

// headerLen is the size of the attach-count cell this provisioner
// prepends ahead of the urpc.Segment-sized region, used by
// WaitTwoAttached. It is provisioning bookkeeping only and is not part of
// the wire layout spec.md §6 describes.
const headerLen = 8

// Segment is one mmapped, file-backed shared-memory region.
type Segment struct {
	id      string
	file    *os.File
	mapping []byte
	// Queues is the urpc.Segment-sized view the transport operates on,
	// i.e. mapping with the attach-count header stripped off the front.
	Queues []byte
}

// Attach opens (creating if necessary) the /dev/shm segment named key,
// sized for size transport bytes, maps it, and records one more
// attacher. The first attacher zeroes the queue region before anyone
// else can observe it, per spec.md §3's lifecycle invariant.
func Attach(key string, size int) (*Segment, error) {
	path := shmPath(key)
	total := headerLen + size

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shmseg: open %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmseg: stat %s: %w", path, err)
	}
	fresh := fi.Size() == 0
	if fresh {
		if err := f.Truncate(int64(total)); err != nil {
			f.Close()
			return nil, fmt.Errorf("shmseg: truncate %s: %w", path, err)
		}
	} else if fi.Size() != int64(total) {
		f.Close()
		return nil, fmt.Errorf("shmseg: %s has size %d, want %d", path, fi.Size(), total)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmseg: mmap %s: %w", path, err)
	}

	seg := &Segment{id: key, file: f, mapping: data, Queues: data[headerLen:]}
	if fresh {
		for i := range seg.Queues {
			seg.Queues[i] = 0
		}
	}
	seg.addAttach()
	return seg, nil
}

func shmPath(key string) string { return "/dev/shm/" + key }

// Key returns the segment's provisioning key, the value child processes
// receive through URPC_SHM_SEGID to attach to the same region.
func (s *Segment) Key() string { return s.id }

func (s *Segment) headerPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&s.mapping[0]))
}

func (s *Segment) addAttach() uint64 {
	return atomic.AddUint64(s.headerPtr(), 1)
}

// AttachCount reports how many processes have attached so far.
func (s *Segment) AttachCount() uint64 {
	return atomic.LoadUint64(s.headerPtr())
}

// Detach unmaps the segment and closes the backing file descriptor. It
// does not remove the /dev/shm entry; call Destroy for that.
func (s *Segment) Detach() error {
	if err := unix.Munmap(s.mapping); err != nil {
		return fmt.Errorf("shmseg: munmap: %w", err)
	}
	return s.file.Close()
}

// Destroy removes the backing /dev/shm entry so the OS reclaims the
// memory once every attacher has detached (spec.md §3's "marked to be
// removed" lifecycle step).
func (s *Segment) Destroy() error {
	if err := os.Remove(shmPath(s.id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shmseg: remove: %w", err)
	}
	return nil
}

// WaitTwoAttached polls the segment named key until two processes have
// attached, then returns. spec.md §9's Open Questions notes the source
// calls vh_shm_wait_peers with one argument where the header declares
// two; here the caller passes only the segment id, and process-id
// discovery is encapsulated entirely in the attach-count header cell.
func WaitTwoAttached(ctx context.Context, key string) error {
	path := shmPath(key)
	op := func() (struct{}, error) {
		f, err := os.Open(path)
		if err != nil {
			return struct{}{}, err
		}
		defer f.Close()
		data, err := unix.Mmap(int(f.Fd()), 0, headerLen, unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			return struct{}{}, err
		}
		defer unix.Munmap(data)
		count := atomic.LoadUint64((*uint64)(unsafe.Pointer(&data[0])))
		if count < 2 {
			return struct{}{}, fmt.Errorf("shmseg: %d/2 attached", count)
		}
		return struct{}{}, nil
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(5*time.Second),
	)
	return err
}
