package urpc

import (
	"testing"
	"time"

	"github.com/openurpc/urpc/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArenaAllocNonOverlapping(t *testing.T) {
	q := &TransferQueue{}
	a := NewArena(q, 10*time.Millisecond)

	off1, cum1, err := a.Alloc(100)
	require.NoError(t, err)
	off2, cum2, err := a.Alloc(200)
	require.NoError(t, err)

	assert.Equal(t, uint32(0), off1)
	assert.Equal(t, uint32(104), off2) // 100 rounds up to 104 (8-aligned)
	assert.Equal(t, uint64(0), cum1)
	assert.Equal(t, uint64(104), cum2)
}

func TestArenaFullCycleRestoresCapacity(t *testing.T) {
	q := &TransferQueue{}
	a := NewArena(q, 10*time.Millisecond)

	size := uint32(DataBufLen)
	offs, cum, err := a.Alloc(size)
	require.NoError(t, err)
	a.track(0, cum, size)
	storeU64(&q.MB[0], uint64(PackMB(1, offs, size)))

	assert.Equal(t, uint64(alignUp8(size)), a.LiveBytes())

	// Mark the slot done; the next alloc must trigger gc and reclaim it.
	storeU64(&q.MB[0], 0)
	_, _, err = a.Alloc(size)
	require.NoError(t, err)
	assert.Equal(t, uint64(alignUp8(size)), a.LiveBytes())
}

func TestArenaWrapsAroundDataBuf(t *testing.T) {
	q := &TransferQueue{}
	a := NewArena(q, 10*time.Millisecond)

	chunk := uint32(4096)
	slots := DataBufLen / int(chunk)

	for i := 0; i < slots; i++ {
		offs, cum, err := a.Alloc(chunk)
		require.NoError(t, err)
		a.track(i, cum, chunk)
		storeU64(&q.MB[i], uint64(PackMB(1, offs, chunk)))
	}

	// Arena is now full; one more allocation must time out.
	before := testutil.ToFloat64(metrics.AllocTimeouts.WithLabelValues(a.metricLabel()))
	_, _, err := a.Alloc(chunk)
	assert.ErrorIs(t, err, ErrAllocTimeout)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AllocTimeouts.WithLabelValues(a.metricLabel())))

	// Free everything, then allocate again: must wrap to offset 0.
	for i := 0; i < slots; i++ {
		storeU64(&q.MB[i], 0)
	}
	offs, _, err := a.Alloc(chunk)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), offs)
}

func TestArenaRejectsOversizePayload(t *testing.T) {
	q := &TransferQueue{}
	a := NewArena(q, time.Millisecond)
	_, _, err := a.Alloc(DataBufLen + 1)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}
