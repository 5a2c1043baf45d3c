package bookengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mbobook/internal/deltacodec"
	"mbobook/internal/wire"
)

// decodeChunks flattens a chunk sequence into the ordered list of primitive
// tags, for assertions that don't want to hand-decode every primitive.
func decodeChunks(t *testing.T, chunks []wire.DeltaChunk) []deltacodec.Tag {
	t.Helper()
	var tags []deltacodec.Tag
	for _, c := range chunks {
		off := 0
		for i := uint8(0); i < c.NumDeltas; i++ {
			tag := deltacodec.PeekTag(c.Payload[off:])
			tags = append(tags, tag)
			off += deltacodec.Width(tag)
		}
	}
	return tags
}

func firstTickInfo(t *testing.T, chunks []wire.DeltaChunk) deltacodec.TickInfo {
	t.Helper()
	require.NotEmpty(t, chunks)
	require.Positive(t, chunks[0].NumDeltas)
	tag := deltacodec.PeekTag(chunks[0].Payload[:])
	require.Equal(t, deltacodec.TagTickInfo, tag)
	return deltacodec.DecodeTickInfo(chunks[0].Payload[:])
}

// TestScenarioA_NewPassiveOrder: spec §8 Scenario A.
func TestScenarioA_NewPassiveOrder(t *testing.T) {
	m := New(1, Config{})
	chunks := m.NewOrder(1, 1, false, 100, 50)

	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].IsFinal())

	ti := firstTickInfo(t, chunks)
	assert.Equal(t, byte('N'), ti.TickType)
	assert.True(t, ti.IsExchangeTick)
	assert.False(t, ti.IsAsk)
	assert.Equal(t, int64(100), ti.Price)
	assert.Equal(t, int32(50), ti.Qty)

	snap := m.Bids().Snapshot(1)
	require.Len(t, snap, 1)
	assert.Equal(t, int64(100), snap[0].Price)
	assert.Equal(t, int64(50), snap[0].Qty)
	assert.Equal(t, int32(1), snap[0].Count)

	askSnap := m.Asks().Snapshot(1)
	assert.Empty(t, askSnap)
}

// TestScenarioB_CancelConsolidatingLevels: spec §8 Scenario B.
func TestScenarioB_CancelConsolidatingLevels(t *testing.T) {
	m := New(1, Config{})
	m.NewOrder(1, 1, false, 100, 50)
	m.NewOrder(2, 2, false, 99, 30)
	m.NewOrder(3, 3, false, 98, 20)

	chunks := m.CancelOrder(4, 1)
	ti := firstTickInfo(t, chunks)
	assert.Equal(t, byte('X'), ti.TickType)
	assert.Equal(t, int64(100), ti.Price)
	assert.Equal(t, int32(50), ti.Qty)

	snap := m.Bids().Snapshot(3)
	require.Len(t, snap, 2)
	assert.Equal(t, int64(99), snap[0].Price)
	assert.Equal(t, int64(98), snap[1].Price)
}

// TestScenarioC_CrossWithSingleLevelResidual: spec §8 Scenario C.
func TestScenarioC_CrossWithSingleLevelResidual(t *testing.T) {
	m := New(1, Config{CrossingEnabled: true})
	m.NewOrder(1, 100, true, 100, 30)  // resting ask, id=100
	m.NewOrder(2, 101, true, 101, 20)  // resting ask, id=101

	chunks := m.NewOrder(3, 7, false, 100, 50)
	ti := firstTickInfo(t, chunks)
	assert.Equal(t, byte('A'), ti.TickType)
	assert.False(t, ti.IsExchangeTick)
	assert.Equal(t, int64(100), ti.Price)
	assert.Equal(t, int32(50), ti.Qty)

	assert.Equal(t, int64(30), m.PendingFillQty())

	// Residual of 20 should be resting on the bid side at 100.
	bidSnap := m.Bids().Snapshot(1)
	require.Len(t, bidSnap, 1)
	assert.Equal(t, int64(20), bidSnap[0].Qty)

	// Ask at 100 was speculatively drained to zero and removed.
	askBest, ok := m.Asks().BestPrice()
	require.True(t, ok)
	assert.Equal(t, int64(101), askBest)

	// The trade confirming the speculative 30 should complete the cross.
	chunks = m.Trade(4, 7, 100, 100, 30)
	tags := decodeChunks(t, chunks)
	assert.Contains(t, tags, deltacodec.TagCrossingComplete)
	assert.Equal(t, int64(0), m.PendingFillQty())
}

// TestScenarioD_AggressorSelfTradeCancel: spec §8 Scenario D.
func TestScenarioD_AggressorSelfTradeCancel(t *testing.T) {
	m := New(1, Config{CrossingEnabled: true})
	m.NewOrder(1, 100, true, 100, 30)
	m.NewOrder(2, 101, true, 101, 20)
	m.NewOrder(3, 7, false, 100, 50)

	require.Equal(t, int64(30), m.PendingFillQty())

	chunks := m.CancelOrder(4, 7)
	tags := decodeChunks(t, chunks)
	require.Contains(t, tags, deltacodec.TagCrossingComplete)

	// Final book: ask liquidity restored, no bid resting at 100.
	askSnap := m.Asks().Snapshot(2)
	require.Len(t, askSnap, 2)
	assert.Equal(t, int64(100), askSnap[0].Price)
	assert.Equal(t, int64(30), askSnap[0].Qty)
	assert.Equal(t, int64(101), askSnap[1].Price)
	assert.Equal(t, int64(20), askSnap[1].Qty)

	_, ok := m.Bids().BestPrice()
	assert.False(t, ok)
	assert.Equal(t, int64(0), m.PendingFillQty())
}

// TestScenarioE_PassiveSelfTradeCancelWithReCross: spec §8 Scenario E.
func TestScenarioE_PassiveSelfTradeCancelWithReCross(t *testing.T) {
	m := New(1, Config{CrossingEnabled: true})
	m.NewOrder(1, 10, true, 100, 30) // A: passive ask, id=10
	m.NewOrder(2, 20, true, 101, 50) // B: passive ask, id=20

	m.NewOrder(3, 7, false, 101, 40) // aggressor crosses A fully
	require.Equal(t, int64(30), m.PendingFillQty())

	chunks := m.CancelOrder(4, 10) // cancel the fully-consumed passive victim A
	tags := decodeChunks(t, chunks)
	assert.Contains(t, tags, deltacodec.TagCrossingComplete)

	askSnap := m.Asks().Snapshot(1)
	require.Len(t, askSnap, 1)
	assert.Equal(t, int64(101), askSnap[0].Price)
	assert.Equal(t, int64(10), askSnap[0].Qty)

	_, ok := m.Bids().BestPrice()
	assert.False(t, ok, "aggressor should be fully consumed by the re-cross")
	assert.Equal(t, int64(0), m.PendingFillQty())
}

// TestScenarioF_ModifyPriceChangeNoCross: spec §8 Scenario F.
func TestScenarioF_ModifyPriceChangeNoCross(t *testing.T) {
	m := New(1, Config{})
	m.NewOrder(1, 2, false, 99, 10)

	chunks := m.ModifyOrder(2, 2, 98, 15)
	ti := firstTickInfo(t, chunks)
	assert.Equal(t, byte('M'), ti.TickType)
	assert.Equal(t, int64(98), ti.Price)
	assert.Equal(t, int32(15), ti.Qty)

	_, ok := m.Bids().BestPrice()
	require.True(t, ok)
	snap := m.Bids().Snapshot(1)
	require.Len(t, snap, 1)
	assert.Equal(t, int64(98), snap[0].Price)
	assert.Equal(t, int64(15), snap[0].Qty)
}

func TestCancelUnknownOrderEmitsSyntheticX(t *testing.T) {
	m := New(1, Config{})
	chunks := m.CancelOrder(1, 999)
	ti := firstTickInfo(t, chunks)
	assert.Equal(t, byte('X'), ti.TickType)
	assert.True(t, ti.IsExchangeTick)
}

func TestModifyUnknownOrderIsNoOp(t *testing.T) {
	m := New(1, Config{})
	chunks := m.ModifyOrder(1, 999, 100, 10)
	assert.Nil(t, chunks)
}

func TestNewOrderPanicsWithActivePendingCross(t *testing.T) {
	m := New(1, Config{CrossingEnabled: true})
	m.NewOrder(1, 10, true, 100, 10)
	m.NewOrder(2, 7, false, 100, 20) // crosses, pending now active

	assert.Panics(t, func() {
		m.NewOrder(3, 8, false, 100, 5)
	})
}
