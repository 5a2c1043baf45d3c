package deltacodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mbobook/internal/bookside"
	"mbobook/internal/wire"
)

func TestTickInfoRoundTrip(t *testing.T) {
	ti := TickInfo{
		TickType:       'N',
		IsExchangeTick: true,
		IsAsk:          true,
		RecordIdx:      10,
		Price:          100,
		Qty:            50,
		OrderID:        1,
		OrderID2:       2,
	}
	b := encodeTickInfo(ti)
	assert.Len(t, b, tickInfoWidth)
	assert.Equal(t, TagTickInfo, PeekTag(b))
	assert.Equal(t, ti, DecodeTickInfo(b))
}

func TestUpdateRoundTripNegativeDelta(t *testing.T) {
	u := Update{Side: bookside.Ask, Idx: 3, QtyDelta: -40, CountDelta: -1}
	b := encodeUpdate(u)
	assert.Len(t, b, updateWidth)
	assert.Equal(t, u, DecodeUpdate(b))
}

func TestInsertRoundTripShiftBit(t *testing.T) {
	in := Insert{Side: bookside.Bid, Idx: 5, Shift: true, Price: 99, Qty: 20, Count: 1}
	b := encodeInsert(in)
	assert.Len(t, b, insertWidth)
	assert.Equal(t, in, DecodeInsert(b))

	in.Shift = false
	b = encodeInsert(in)
	assert.Equal(t, in, DecodeInsert(b))
}

func TestWidthKnownTags(t *testing.T) {
	assert.Equal(t, tickInfoWidth, Width(TagTickInfo))
	assert.Equal(t, updateWidth, Width(TagUpdate))
	assert.Equal(t, insertWidth, Width(TagInsert))
	assert.Equal(t, crossingCompleteWidth, Width(TagCrossingComplete))
}

func TestEmitterRequiresTickInfoFirst(t *testing.T) {
	e := NewEmitter()
	e.Begin(1)
	assert.Panics(t, func() {
		e.EmitUpdate(bookside.Bid, 0, 10, 1)
	})
}

func TestEmitterFinalizeRequiresAtLeastOnePrimitive(t *testing.T) {
	e := NewEmitter()
	e.Begin(1)
	assert.Panics(t, func() {
		e.Finalize()
	})
}

func TestEmitterBasicSequenceFinalFlag(t *testing.T) {
	e := NewEmitter()
	e.Begin(42)
	e.EmitTickInfo(TickInfo{TickType: 'N', RecordIdx: 1, Price: 100, Qty: 10, OrderID: 1})
	e.EmitInsert(bookside.Bid, 0, false, 100, 10, 1)

	chunks := e.Finalize()
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].IsFinal())
	assert.EqualValues(t, wire.Token(42), chunks[0].Token)
	assert.Equal(t, uint8(2), chunks[0].NumDeltas)
}

func TestEmitterDropsPrimitivesAtOrBeyondTopN(t *testing.T) {
	e := NewEmitter()
	e.Begin(1)
	e.EmitTickInfo(TickInfo{TickType: 'N', RecordIdx: 1})
	e.EmitUpdate(bookside.Bid, TopN, 1, 0)
	e.EmitInsert(bookside.Ask, TopN+1, false, 1, 1, 1)

	chunks := e.Finalize()
	require.Len(t, chunks, 1)
	assert.Equal(t, uint8(1), chunks[0].NumDeltas) // only the TickInfo survived
}

func TestEmitterSealsChunkOnPayloadOverflow(t *testing.T) {
	e := NewEmitter()
	e.Begin(7)
	e.EmitTickInfo(TickInfo{TickType: 'M', RecordIdx: 1})

	// Each Update primitive is updateWidth bytes; pack enough to force at
	// least one mid-event chunk boundary.
	n := wire.DeltaChunkPayloadSize/updateWidth + 2
	for i := 0; i < n; i++ {
		e.EmitUpdate(bookside.Bid, 0, 1, 0)
	}

	chunks := e.Finalize()
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		if i < len(chunks)-1 {
			assert.False(t, c.IsFinal())
		} else {
			assert.True(t, c.IsFinal())
		}
	}
}

func TestEmitterPanicsPastMaxChunksPerEvent(t *testing.T) {
	e := NewEmitter()
	e.Begin(1)
	e.EmitTickInfo(TickInfo{TickType: 'M', RecordIdx: 1})

	perChunk := wire.DeltaChunkPayloadSize / updateWidth
	total := perChunk*(MaxChunksPerEvent+1) + 1

	assert.Panics(t, func() {
		for i := 0; i < total; i++ {
			e.EmitUpdate(bookside.Bid, 0, 1, 0)
		}
	})
}

func TestEmitterImplementsDeltaSink(t *testing.T) {
	e := NewEmitter()
	e.Begin(1)
	e.EmitTickInfo(TickInfo{TickType: 'N', RecordIdx: 1})
	e.Update(bookside.Bid, 0, 5, 1)
	e.Insert(bookside.Ask, 0, false, 10, 1, 1)

	// TickInfo (35B) + Update (12B) fill the first chunk; the Insert (20B)
	// no longer fits the 58-byte payload and starts a second chunk.
	chunks := e.Finalize()
	require.Len(t, chunks, 2)
	assert.Equal(t, uint8(2), chunks[0].NumDeltas)
	assert.Equal(t, uint8(1), chunks[1].NumDeltas)
}
