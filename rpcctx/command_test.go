package rpcctx

import (
	"context"
	"testing"

	"github.com/openurpc/urpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusString(t *testing.T) {
	assert.Equal(t, "UNFINISHED", StatusUnfinished.String())
	assert.Equal(t, "OK", StatusOK.String())
	assert.Equal(t, "EXCEPTION", StatusException.String())
	assert.Equal(t, "ERROR", StatusError.String())
}

func TestUnexpectedReplyIsFatalProtocolViolation(t *testing.T) {
	host, accel := newLoopbackPair(t)
	ctx, err := New(host, nil)
	require.NoError(t, err)
	defer ctx.Close()

	// Have the accel side post a reply the host never asked for: the
	// in-flight queue is empty, so onReply must treat this as fatal.
	_, err = accel.Reply(ReplyCmd, nil)
	require.NoError(t, err)

	// Synchronize only drives the pump while something is pending, so
	// give it one harmless host-only command to ride along on; that pump
	// cycle is what observes the stray reply and trips the violation.
	_, err = ctx.CallVHAsync(func() (uint64, error) { return 0, nil })
	require.NoError(t, err)

	err = ctx.Synchronize(context.Background())
	require.Error(t, err)
	var violation *urpc.ErrProtocolViolation
	assert.ErrorAs(t, err, &violation)

	_, err = ctx.CallAsync(1, nil)
	assert.Error(t, err, "context must be closed after a protocol violation")
}
