package supervisor

import (
	"errors"
	"testing"
	"time"

	"github.com/openurpc/urpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerCreateAndDestroy(t *testing.T) {
	sup := New(nil)
	mp, err := sup.PeerCreate(10*time.Millisecond, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sup.Count())
	assert.NotNil(t, mp.Peer)

	require.NoError(t, sup.PeerDestroy(mp))
	assert.Equal(t, 0, sup.Count())
}

func TestPeerCreateEnforcesMaxPeers(t *testing.T) {
	sup := New(nil)
	var created []*ManagedPeer
	for i := 0; i < urpc.MaxPeers; i++ {
		mp, err := sup.PeerCreate(10*time.Millisecond, nil, nil)
		require.NoError(t, err)
		created = append(created, mp)
	}
	defer func() {
		for _, mp := range created {
			sup.PeerDestroy(mp)
		}
	}()

	_, err := sup.PeerCreate(10*time.Millisecond, nil, nil)
	assert.Error(t, err)
}

func TestPeerDestroyFreesSlotForReuse(t *testing.T) {
	sup := New(nil)
	mp, err := sup.PeerCreate(10*time.Millisecond, nil, nil)
	require.NoError(t, err)
	require.NoError(t, sup.PeerDestroy(mp))

	mp2, err := sup.PeerCreate(10*time.Millisecond, nil, nil)
	require.NoError(t, err)
	defer sup.PeerDestroy(mp2)
	assert.Equal(t, 1, sup.Count())
}

func TestChildCreateRejectsMissingBinary(t *testing.T) {
	sup := New(nil)
	mp, err := sup.PeerCreate(10*time.Millisecond, nil, nil)
	require.NoError(t, err)
	defer sup.PeerDestroy(mp)

	err = sup.ChildCreate(mp, "/no/such/accelerator-binary", 0, -1)
	assert.Error(t, err)
	assert.Zero(t, mp.ChildPID)
}

func TestPeerCreateRunsInitHandlersHook(t *testing.T) {
	sup := New(nil)
	var gotPeer *urpc.Peer
	mp, err := sup.PeerCreate(10*time.Millisecond, nil, func(p *urpc.Peer) error {
		gotPeer = p
		return p.RegisterHandler(1, func(*urpc.Peer, urpc.MB, int64, []byte) int { return 0 })
	})
	require.NoError(t, err)
	defer sup.PeerDestroy(mp)
	assert.Same(t, mp.Peer, gotPeer)
}

func TestPeerCreateFreesSlotWhenInitHandlersFails(t *testing.T) {
	sup := New(nil)
	errBoom := errors.New("boom")
	_, err := sup.PeerCreate(10*time.Millisecond, nil, func(p *urpc.Peer) error {
		return errBoom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 0, sup.Count())

	mp, err := sup.PeerCreate(10*time.Millisecond, nil, nil)
	require.NoError(t, err)
	defer sup.PeerDestroy(mp)
}

func TestChildDestroyOnUnspawnedPeerIsNoop(t *testing.T) {
	sup := New(nil)
	mp, err := sup.PeerCreate(10*time.Millisecond, nil, nil)
	require.NoError(t, err)
	defer sup.PeerDestroy(mp)

	assert.NoError(t, sup.ChildDestroy(mp))
}
