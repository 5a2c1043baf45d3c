// Package runner implements spec.md §4.4: an instrument demultiplexer that
// routes wire.InputRecord events to the right per-instrument
// bookengine.MBO and forwards emitted chunks into a transport
// abstraction.
package runner

import (
	"github.com/rs/zerolog/log"

	"mbobook/internal/bookengine"
	"mbobook/internal/wire"
)

// ChunkSink is the out-of-scope transport contract (§6): it accepts
// byte-exact 64-byte chunks in order, with no reordering and no loss.
type ChunkSink interface {
	Send(chunks []wire.DeltaChunk)
}

// Runner owns a map of token to engine and dispatches input records to it.
type Runner struct {
	cfg    bookengine.Config
	sink   ChunkSink
	engines map[wire.Token]*bookengine.MBO
}

func New(cfg bookengine.Config, sink ChunkSink) *Runner {
	return &Runner{
		cfg:     cfg,
		sink:    sink,
		engines: make(map[wire.Token]*bookengine.MBO),
	}
}

func (r *Runner) engineFor(token wire.Token) *bookengine.MBO {
	eng, ok := r.engines[token]
	if !ok {
		eng = bookengine.New(token, r.cfg)
		r.engines[token] = eng
		log.Debug().Uint32("token", uint32(token)).Msg("runner: created engine for new instrument")
	}
	return eng
}

// Route dispatches one InputRecord to its instrument's engine and forwards
// the resulting chunks to the sink. Only N/M/X/T are valid wire tick
// types (§6); any other value is a fatal implementation/input error.
func (r *Runner) Route(rec wire.InputRecord) {
	eng := r.engineFor(rec.Token)

	var chunks []wire.DeltaChunk
	switch rec.TickType {
	case 'N':
		chunks = eng.NewOrder(rec.RecordIdx, rec.OrderID, rec.IsAsk != 0, rec.Price, int64(rec.Qty))
	case 'M':
		chunks = eng.ModifyOrder(rec.RecordIdx, rec.OrderID, rec.Price, int64(rec.Qty))
	case 'X':
		chunks = eng.CancelOrder(rec.RecordIdx, rec.OrderID)
	case 'T':
		chunks = eng.Trade(rec.RecordIdx, rec.OrderID, rec.OrderID2, rec.Price, int64(rec.Qty))
	default:
		log.Panic().Uint8("tickType", rec.TickType).Msg("runner: unexpected wire tick type")
	}

	if len(chunks) > 0 {
		r.sink.Send(chunks)
	}
}

// Shard creates n Runner instances so instruments can be processed on
// separate threads (spec §1 Non-goals: sharding is outside the core, but
// the core must not preclude it); ShardIndex picks which of them owns a
// token. Each returned Runner shares cfg and sink but owns its own set of
// engines, lazily created as Route sees each token.
func Shard(n int, cfg bookengine.Config, sink ChunkSink) []*Runner {
	if n <= 0 {
		log.Panic().Int("n", n).Msg("runner: Shard requires n >= 1")
	}
	shards := make([]*Runner, n)
	for i := range shards {
		shards[i] = New(cfg, sink)
	}
	return shards
}

// ShardIndex selects which of n shards owns token, using hash.
func ShardIndex(token wire.Token, n int, hash func(wire.Token) int) int {
	idx := hash(token) % n
	if idx < 0 {
		idx += n
	}
	return idx
}
