package rpcctx

import (
	"context"
	"testing"
	"time"

	"github.com/openurpc/urpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoCmd uint16 = 1

// newLoopbackPair wires a host-side and accelerator-side Peer over one
// shared Segment, exactly as two processes mmapping the same /dev/shm
// region would, minus the actual shared memory.
func newLoopbackPair(t *testing.T) (host, accel *urpc.Peer) {
	t.Helper()
	seg := &urpc.Segment{}
	host = urpc.NewPeer(seg, 20*time.Millisecond, nil, nil)
	accel = urpc.NewAccelPeer(seg, 20*time.Millisecond, nil, nil)
	return host, accel
}

func TestCallAsyncEchoRoundTrip(t *testing.T) {
	host, accel := newLoopbackPair(t)
	require.NoError(t, accel.RegisterHandler(echoCmd, func(p *urpc.Peer, mb urpc.MB, req int64, payload []byte) int {
		_, err := p.Reply(ReplyCmd, payload)
		if err != nil {
			return -1
		}
		return 0
	}))

	ctx, err := New(host, nil)
	require.NoError(t, err)
	defer ctx.Close()

	payload, err := urpc.Build(urpc.U64Field(42))
	require.NoError(t, err)
	req, err := ctx.CallAsync(echoCmd, payload)
	require.NoError(t, err)

	// Drive the accelerator side manually: real deployments run this on
	// the other process, but a single progress step here stands in for it.
	go func() {
		deadline := time.Now().Add(200 * time.Millisecond)
		for time.Now().Before(deadline) {
			accel.RecvProgress(context.Background(), 1)
			time.Sleep(time.Millisecond)
		}
	}()

	res, status := ctx.WaitResult(context.Background(), req, time.Second)
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, uint64(42), res.Retval)
}

func TestCallVHAsyncRunsLocalCallback(t *testing.T) {
	host, _ := newLoopbackPair(t)
	ctx, err := New(host, nil)
	require.NoError(t, err)
	defer ctx.Close()

	var observed bool
	req, err := ctx.CallVHAsync(func() (uint64, error) {
		observed = true
		return 7, nil
	})
	require.NoError(t, err)

	res, status := ctx.WaitResult(context.Background(), req, time.Second)
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, uint64(7), res.Retval)
	assert.True(t, observed)
}

func TestCloseCancelsPendingWithError(t *testing.T) {
	host, _ := newLoopbackPair(t)
	ctx, err := New(host, nil)
	require.NoError(t, err)

	payload, err := urpc.Build(urpc.U64Field(1))
	require.NoError(t, err)
	req, err := ctx.CallAsync(echoCmd, payload)
	require.NoError(t, err)

	ctx.Close()

	res, status := ctx.WaitResult(context.Background(), req, 50*time.Millisecond)
	assert.Equal(t, StatusError, status)
	assert.Equal(t, Result{Status: StatusError}, res)

	_, err = ctx.CallAsync(echoCmd, payload)
	assert.Error(t, err)
}

func TestSynchronizeDrainsQueues(t *testing.T) {
	host, accel := newLoopbackPair(t)
	require.NoError(t, accel.RegisterHandler(echoCmd, func(p *urpc.Peer, mb urpc.MB, req int64, payload []byte) int {
		_, _ = p.Reply(ReplyCmd, payload)
		return 0
	}))

	ctx, err := New(host, nil)
	require.NoError(t, err)
	defer ctx.Close()

	payload, err := urpc.Build(urpc.U64Field(9))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := ctx.CallAsync(echoCmd, payload)
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() {
		deadline := time.Now().Add(500 * time.Millisecond)
		for time.Now().Before(deadline) {
			select {
			case <-done:
				return
			default:
			}
			accel.RecvProgress(context.Background(), 5)
			time.Sleep(time.Millisecond)
		}
	}()

	err = ctx.Synchronize(context.Background())
	close(done)
	assert.NoError(t, err)
}

func TestWaitResultTimesOutWithoutProgress(t *testing.T) {
	host, _ := newLoopbackPair(t)
	ctx, err := New(host, nil)
	require.NoError(t, err)
	defer ctx.Close()

	payload, err := urpc.Build(urpc.U64Field(1))
	require.NoError(t, err)
	req, err := ctx.CallAsync(echoCmd, payload)
	require.NoError(t, err)

	_, status := ctx.WaitResult(context.Background(), req, 20*time.Millisecond)
	assert.Equal(t, StatusUnfinished, status)
}
