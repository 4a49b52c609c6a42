// Package supervisor is the host-side owner of spec.md §4.7: it creates
// the shared segment for a new peer, spawns the accelerator child process
// that will attach to it, and tears both down again. It is deliberately
// the only place that holds a mutable peer count (spec.md §9's Design
// Notes: "replace the global mutable peer counter with an owner-held
// registry" — no package-level state here, only this struct's own table).
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/openurpc/urpc"
	"github.com/openurpc/urpc/dma"
	"github.com/openurpc/urpc/shmseg"
	"github.com/rs/xid"
	"go.uber.org/zap"
)

// ManagedPeer bundles the urpc.Peer transport handle with the
// provisioning state the supervisor needs to tear it back down.
type ManagedPeer struct {
	*urpc.Peer
	ID       xid.ID
	ChildPID int

	seg   *shmseg.Segment
	cmd   *exec.Cmd
	index int
}

// Supervisor owns at most urpc.MaxPeers live peers for one host process.
type Supervisor struct {
	log *zap.SugaredLogger
	pid int

	mu    sync.Mutex
	peers map[int]*ManagedPeer
}

// New builds an empty Supervisor bound to the calling process's pid,
// which feeds into the segment keys PeerCreate derives.
func New(log *zap.SugaredLogger) *Supervisor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Supervisor{log: log, pid: os.Getpid(), peers: make(map[int]*ManagedPeer)}
}

// PeerCreate attaches a fresh shared segment sized for one urpc.Segment
// and wires a Peer over it. The segment key is derived from this
// process's pid and the peer's slot index, the scheme spec.md §4.7
// describes for making concurrently-created peers collision-free without
// a central allocator. If initHandlers is non-nil, it runs against the
// new peer before PeerCreate returns, the optional handler-init hook
// spec.md §4.7 lists as one of peer_create's steps; a failing hook
// detaches the segment and frees the slot instead of handing back a
// half-initialized peer.
func (s *Supervisor) PeerCreate(allocTimeout time.Duration, device dma.Device, initHandlers func(*urpc.Peer) error) (*ManagedPeer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.freeIndexLocked()
	if err != nil {
		return nil, err
	}

	key := "urpc-" + strconv.Itoa(s.pid*urpc.MaxPeers+index) + "-" + xid.New().String()
	seg, err := shmseg.Attach(key, urpc.SegmentLen)
	if err != nil {
		return nil, fmt.Errorf("supervisor: attach segment: %w", err)
	}

	wire := urpc.AsSegment(seg.Queues)
	mp := &ManagedPeer{
		Peer:  urpc.NewPeer(wire, allocTimeout, device, s.log),
		ID:    xid.New(),
		seg:   seg,
		index: index,
	}

	if initHandlers != nil {
		if err := initHandlers(mp.Peer); err != nil {
			seg.Detach()
			return nil, fmt.Errorf("supervisor: init handlers: %w", err)
		}
	}

	s.peers[index] = mp
	s.log.Infow("peer created", "peer", mp.ID, "index", index, "segment", key)
	return mp, nil
}

func (s *Supervisor) freeIndexLocked() (int, error) {
	for i := 0; i < urpc.MaxPeers; i++ {
		if _, ok := s.peers[i]; !ok {
			return i, nil
		}
	}
	return 0, urpc.WithKind(urpc.KindResource, fmt.Errorf("supervisor: peer table full (max %d)", urpc.MaxPeers))
}

// ChildCreate spawns the accelerator binary for mp, handing it the
// segment key and placement through the environment variables spec.md
// §4.7 names: URPC_SHM_SEGID, VE_NODE_NUMBER, URPC_VE_CORE. An
// URPC_VE_BIN in the supervisor's own environment overrides the binary
// path, the escape hatch spec.md §9 keeps for local testing without a
// real accelerator image.
func (s *Supervisor) ChildCreate(mp *ManagedPeer, binary string, node, core int) error {
	if override := os.Getenv("URPC_VE_BIN"); override != "" {
		binary = override
	}
	if _, err := os.Stat(binary); err != nil {
		return fmt.Errorf("supervisor: accelerator binary: %w", err)
	}

	env := append(os.Environ(),
		"URPC_SHM_SEGID="+mp.seg.Key(),
		"VE_NODE_NUMBER="+strconv.Itoa(node),
	)
	if core >= 0 {
		env = append(env, "URPC_VE_CORE="+strconv.Itoa(core))
	}

	cmd := exec.Command(binary)
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: spawn %s: %w", binary, err)
	}

	mp.cmd = cmd
	mp.ChildPID = cmd.Process.Pid
	mp.Peer.ChildPID = cmd.Process.Pid
	s.log.Infow("child spawned", "peer", mp.ID, "pid", mp.ChildPID, "binary", binary)
	return nil
}

// WaitPeerAttach blocks until both this process and mp's child have
// attached the segment, then marks it for removal: once both sides
// eventually detach, the OS reclaims the /dev/shm entry on its own
// (spec.md §3's destroy-on-last-detach lifecycle).
func (s *Supervisor) WaitPeerAttach(ctx context.Context, mp *ManagedPeer) error {
	if err := shmseg.WaitTwoAttached(ctx, mp.seg.Key()); err != nil {
		return fmt.Errorf("supervisor: wait peer attach: %w", err)
	}
	return mp.seg.Destroy()
}

// ChildDestroy kills mp's accelerator child, if one was spawned. It is
// idempotent: calling it twice, or on a peer with no child, is a no-op.
func (s *Supervisor) ChildDestroy(mp *ManagedPeer) error {
	if mp.ChildPID == 0 {
		return nil
	}
	pid := mp.ChildPID
	mp.ChildPID = 0
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("supervisor: kill child %d: %w", pid, err)
	}
	if mp.cmd != nil {
		mp.cmd.Wait()
	}
	s.log.Infow("child destroyed", "peer", mp.ID, "pid", pid)
	return nil
}

// PeerDestroy detaches mp's segment and frees its slot in the registry.
// Callers should call ChildDestroy first if a child process is still
// running; PeerDestroy only tears down the host side.
func (s *Supervisor) PeerDestroy(mp *ManagedPeer) error {
	s.mu.Lock()
	delete(s.peers, mp.index)
	s.mu.Unlock()
	if err := mp.seg.Detach(); err != nil {
		return fmt.Errorf("supervisor: detach: %w", err)
	}
	s.log.Infow("peer destroyed", "peer", mp.ID)
	return nil
}

// Count reports how many peers are currently live.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}
