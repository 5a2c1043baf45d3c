package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mbobook/internal/bookengine"
	"mbobook/internal/wire"
)

type fakeSink struct {
	sent [][]wire.DeltaChunk
}

func (s *fakeSink) Send(chunks []wire.DeltaChunk) {
	s.sent = append(s.sent, chunks)
}

func TestRouteCreatesEngineLazily(t *testing.T) {
	sink := &fakeSink{}
	r := New(bookengine.Config{}, sink)

	assert.Empty(t, r.engines)
	r.Route(wire.InputRecord{Token: 5, TickType: 'N', OrderID: 1, Price: 100, Qty: 10})
	assert.Len(t, r.engines, 1)
	_, ok := r.engines[5]
	assert.True(t, ok)
}

func TestRouteDispatchesAllTickTypes(t *testing.T) {
	sink := &fakeSink{}
	r := New(bookengine.Config{}, sink)

	r.Route(wire.InputRecord{Token: 1, TickType: 'N', OrderID: 1, IsAsk: 0, Price: 100, Qty: 10})
	r.Route(wire.InputRecord{Token: 1, TickType: 'M', OrderID: 1, Price: 101, Qty: 5})
	r.Route(wire.InputRecord{Token: 1, TickType: 'X', OrderID: 1})

	require.Len(t, sink.sent, 3)
}

func TestRoutePanicsOnUnknownTickType(t *testing.T) {
	sink := &fakeSink{}
	r := New(bookengine.Config{}, sink)

	assert.Panics(t, func() {
		r.Route(wire.InputRecord{Token: 1, TickType: 'Z'})
	})
}

func TestRouteSkipsSinkWhenNoChunks(t *testing.T) {
	sink := &fakeSink{}
	r := New(bookengine.Config{}, sink)

	// Modifying an unknown order produces no chunks.
	r.Route(wire.InputRecord{Token: 1, TickType: 'M', OrderID: 999, Price: 1, Qty: 1})
	assert.Empty(t, sink.sent)
}

func TestShardIndexWrapsNegativeHash(t *testing.T) {
	idx := ShardIndex(wire.Token(1), 4, func(wire.Token) int { return -1 })
	assert.Equal(t, 3, idx)
}

func TestShardCreatesNIndependentRunners(t *testing.T) {
	sink := &fakeSink{}
	shards := Shard(3, bookengine.Config{}, sink)
	require.Len(t, shards, 3)

	shards[0].Route(wire.InputRecord{Token: 1, TickType: 'N', OrderID: 1, Price: 100, Qty: 10})
	assert.Len(t, shards[0].engines, 1)
	assert.Empty(t, shards[1].engines)
}

func TestShardPanicsOnNonPositiveN(t *testing.T) {
	assert.Panics(t, func() {
		Shard(0, bookengine.Config{}, &fakeSink{})
	})
}
