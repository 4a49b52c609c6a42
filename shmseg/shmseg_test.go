package shmseg

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := "urpc-test-" + xid.New().String()
	t.Cleanup(func() { os.Remove(shmPath(key)) })
	return key
}

func TestAttachZeroesFreshSegment(t *testing.T) {
	key := testKey(t)
	seg, err := Attach(key, 64)
	require.NoError(t, err)
	defer seg.Detach()

	for _, b := range seg.Queues {
		assert.Zero(t, b)
	}
	seg.Queues[0] = 0xff

	reattached, err := Attach(key, 64)
	require.NoError(t, err)
	defer reattached.Detach()
	assert.Equal(t, byte(0xff), reattached.Queues[0], "second attach must map the same memory, not re-zero it")
}

func TestAttachCountIncrementsPerAttacher(t *testing.T) {
	key := testKey(t)
	seg, err := Attach(key, 32)
	require.NoError(t, err)
	defer seg.Detach()
	assert.Equal(t, uint64(1), seg.AttachCount())

	second, err := Attach(key, 32)
	require.NoError(t, err)
	defer second.Detach()
	assert.Equal(t, uint64(2), seg.AttachCount())
}

func TestAttachRejectsSizeMismatch(t *testing.T) {
	key := testKey(t)
	seg, err := Attach(key, 32)
	require.NoError(t, err)
	defer seg.Detach()

	_, err = Attach(key, 64)
	assert.Error(t, err)
}

func TestWaitTwoAttachedSucceedsOncePeerArrives(t *testing.T) {
	key := testKey(t)
	seg, err := Attach(key, 16)
	require.NoError(t, err)
	defer seg.Detach()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- WaitTwoAttached(ctx, key)
	}()

	time.Sleep(20 * time.Millisecond)
	second, err := Attach(key, 16)
	require.NoError(t, err)
	defer second.Detach()

	assert.NoError(t, <-done)
}

func TestWaitTwoAttachedTimesOutAlone(t *testing.T) {
	key := testKey(t)
	seg, err := Attach(key, 16)
	require.NoError(t, err)
	defer seg.Detach()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.Error(t, WaitTwoAttached(ctx, key))
}

func TestDestroyRemovesBackingFile(t *testing.T) {
	key := testKey(t)
	seg, err := Attach(key, 16)
	require.NoError(t, err)
	require.NoError(t, seg.Destroy())
	require.NoError(t, seg.Detach())

	_, err = os.Stat(shmPath(key))
	assert.True(t, os.IsNotExist(err))
}

func TestKeyReturnsProvisioningKey(t *testing.T) {
	key := testKey(t)
	seg, err := Attach(key, 16)
	require.NoError(t, err)
	defer seg.Detach()
	assert.Equal(t, key, seg.Key())
}

func ExampleAttach() {
	key := "urpc-example-" + xid.New().String()
	defer os.Remove(shmPath(key))
	seg, err := Attach(key, 8)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer seg.Detach()
	fmt.Println(len(seg.Queues))
	// Output: 8
}
