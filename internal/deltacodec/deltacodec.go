// Package deltacodec packs the four primitive delta records (§4.2) into
// fixed 64-byte wire.DeltaChunk records, enforcing the "tick-info first"
// and top-20-filter invariants at the point of emission rather than
// leaving callers to police themselves.
package deltacodec

import (
	"encoding/binary"

	"github.com/rs/zerolog/log"

	"mbobook/internal/bookside"
	"mbobook/internal/wire"
)

// Tag identifies which primitive a payload slice encodes.
type Tag byte

const (
	TagTickInfo         Tag = 0
	TagUpdate           Tag = 1
	TagInsert           Tag = 2
	TagCrossingComplete Tag = 3
)

// Primitive widths, tag byte included, derived from each primitive's field
// list (see DESIGN.md). Each fits the 58-byte chunk payload; a TickInfo
// followed by 40 Inserts packs into 21 chunks (one Insert beside the
// TickInfo, then two Inserts per chunk).
const (
	tickInfoWidth         = 35
	updateWidth           = 12
	insertWidth           = 20
	crossingCompleteWidth = 1
)

// MaxChunksPerEvent is the static per-event chunk capacity. Exceeding it
// is a fatal implementation error (spec §4.2 "Chunk count bound").
const MaxChunksPerEvent = 20

// TopN is the observable book depth; index-based deltas at or beyond this
// rank are silently dropped (spec §4.2, §7 "Index ≥ 20").
const TopN = 20

// TickInfo flag bits.
const (
	tickFlagExchangeTick uint8 = 1 << 0
	tickFlagIsAsk        uint8 = 1 << 1
)

// TickInfo is the mandatory first primitive of every event.
type TickInfo struct {
	TickType       byte
	IsExchangeTick bool
	IsAsk          bool
	RecordIdx      uint32
	Price          int64
	Qty            int32
	OrderID        int64
	OrderID2       int64
}

func encodeTickInfo(t TickInfo) []byte {
	b := make([]byte, tickInfoWidth)
	b[0] = byte(TagTickInfo)
	b[1] = t.TickType
	flags := uint8(0)
	if t.IsExchangeTick {
		flags |= tickFlagExchangeTick
	}
	if t.IsAsk {
		flags |= tickFlagIsAsk
	}
	b[2] = flags
	binary.LittleEndian.PutUint32(b[3:7], t.RecordIdx)
	binary.LittleEndian.PutUint64(b[7:15], uint64(t.Price))
	binary.LittleEndian.PutUint32(b[15:19], uint32(t.Qty))
	binary.LittleEndian.PutUint64(b[19:27], uint64(t.OrderID))
	binary.LittleEndian.PutUint64(b[27:35], uint64(t.OrderID2))
	return b
}

// DecodeTickInfo decodes a TickInfo primitive. b must start at the tag
// byte and be at least tickInfoWidth long.
func DecodeTickInfo(b []byte) TickInfo {
	flags := b[2]
	return TickInfo{
		TickType:       b[1],
		IsExchangeTick: flags&tickFlagExchangeTick != 0,
		IsAsk:          flags&tickFlagIsAsk != 0,
		RecordIdx:      binary.LittleEndian.Uint32(b[3:7]),
		Price:          int64(binary.LittleEndian.Uint64(b[7:15])),
		Qty:            int32(binary.LittleEndian.Uint32(b[15:19])),
		OrderID:        int64(binary.LittleEndian.Uint64(b[19:27])),
		OrderID2:       int64(binary.LittleEndian.Uint64(b[27:35])),
	}
}

func packSideIndex(side bookside.Side, idx int) byte {
	b := byte(idx & 0x1f)
	if side.IsAsk() {
		b |= 1 << 5
	}
	return b
}

func unpackSideIndex(b byte) (bookside.Side, int) {
	side := bookside.Of(b&(1<<5) != 0)
	idx := int(b & 0x1f)
	return side, idx
}

// Update is a qty/count adjustment at an already-existing rank.
type Update struct {
	Side      bookside.Side
	Idx       int
	QtyDelta  int64
	CountDelta int32
}

func encodeUpdate(u Update) []byte {
	b := make([]byte, updateWidth)
	b[0] = byte(TagUpdate)
	b[1] = packSideIndex(u.Side, u.Idx)
	binary.LittleEndian.PutUint64(b[2:10], uint64(u.QtyDelta))
	binary.LittleEndian.PutUint16(b[10:12], uint16(int16(u.CountDelta)))
	return b
}

func DecodeUpdate(b []byte) Update {
	side, idx := unpackSideIndex(b[1])
	return Update{
		Side:       side,
		Idx:        idx,
		QtyDelta:   int64(binary.LittleEndian.Uint64(b[2:10])),
		CountDelta: int32(int16(binary.LittleEndian.Uint16(b[10:12]))),
	}
}

// Insert creates (or refills) a level at a rank. Qty is carried at 64 bits
// to match Update.QtyDelta and the Data Model's stated level-aggregate
// width; Count is narrowed to 16 bits to make room, which no realistic
// per-level order count approaches.
type Insert struct {
	Side  bookside.Side
	Idx   int
	Shift bool
	Price int64
	Qty   int64
	Count int32
}

func encodeInsert(in Insert) []byte {
	b := make([]byte, insertWidth)
	b[0] = byte(TagInsert)
	sidx := packSideIndex(in.Side, in.Idx)
	if in.Shift {
		sidx |= 1 << 6
	}
	b[1] = sidx
	binary.LittleEndian.PutUint16(b[2:4], uint16(int16(in.Count)))
	binary.LittleEndian.PutUint64(b[4:12], uint64(in.Price))
	binary.LittleEndian.PutUint64(b[12:20], uint64(in.Qty))
	return b
}

func DecodeInsert(b []byte) Insert {
	side, idx := unpackSideIndex(b[1])
	return Insert{
		Side:  side,
		Idx:   idx,
		Shift: b[1]&(1<<6) != 0,
		Count: int32(int16(binary.LittleEndian.Uint16(b[2:4]))),
		Price: int64(binary.LittleEndian.Uint64(b[4:12])),
		Qty:   int64(binary.LittleEndian.Uint64(b[12:20])),
	}
}

func encodeCrossingComplete() []byte {
	return []byte{byte(TagCrossingComplete)}
}

// PeekTag returns the tag of the primitive starting at b[0].
func PeekTag(b []byte) Tag { return Tag(b[0]) }

// Width returns the encoded width of the primitive tagged by tag.
func Width(tag Tag) int {
	switch tag {
	case TagTickInfo:
		return tickInfoWidth
	case TagUpdate:
		return updateWidth
	case TagInsert:
		return insertWidth
	case TagCrossingComplete:
		return crossingCompleteWidth
	default:
		log.Panic().Uint8("tag", uint8(tag)).Msg("deltacodec: unknown primitive tag")
		return 0
	}
}

// Emitter accumulates primitives for the current event into one or more
// wire.DeltaChunk records sharing token, enforcing tick-info-first and the
// top-20 filter. Call Begin at the start of every event, the per-primitive
// methods as the engine mutates state, and Finalize to seal the chunk
// sequence and retrieve it.
type Emitter struct {
	token   wire.Token
	chunks  []wire.DeltaChunk
	cur     []byte // payload bytes accumulated for the in-progress chunk
	curN    uint8
	started bool // true once the mandatory first TickInfo has been seen
}

func NewEmitter() *Emitter {
	return &Emitter{}
}

// Begin starts a new event for token. The Emitter must not already be
// mid-event (Finalize must have been called, or this is the first event).
func (e *Emitter) Begin(token wire.Token) {
	e.token = token
	e.chunks = e.chunks[:0]
	e.cur = nil
	e.curN = 0
	e.started = false
}

func (e *Emitter) append(tag Tag, payload []byte) {
	if !e.started && tag != TagTickInfo {
		log.Panic().Msg("deltacodec: first delta of an event must be TickInfo")
	}
	if tag == TagTickInfo {
		e.started = true
	}
	if e.cur != nil && len(e.cur)+len(payload) > wire.DeltaChunkPayloadSize {
		e.sealCurrent(false)
	}
	e.cur = append(e.cur, payload...)
	e.curN++
}

func (e *Emitter) sealCurrent(final bool) {
	if e.cur == nil && !final {
		return
	}
	var payload [wire.DeltaChunkPayloadSize]byte
	copy(payload[:], e.cur)
	flags := uint8(0)
	if final {
		flags |= wire.ChunkFinalFlag
	}
	e.chunks = append(e.chunks, wire.DeltaChunk{
		Token:     e.token,
		Flags:     flags,
		NumDeltas: e.curN,
		Payload:   payload,
	})
	if len(e.chunks) > MaxChunksPerEvent {
		log.Panic().Int("chunks", len(e.chunks)).Msg("deltacodec: event exceeded static chunk capacity")
	}
	e.cur = nil
	e.curN = 0
}

// EmitTickInfo appends a TickInfo primitive. Must be the first primitive
// of the event.
func (e *Emitter) EmitTickInfo(t TickInfo) {
	e.append(TagTickInfo, encodeTickInfo(t))
}

// EmitUpdate appends an Update primitive, silently dropped if idx is at or
// beyond TopN.
func (e *Emitter) EmitUpdate(side bookside.Side, idx int, qtyDelta int64, countDelta int32) {
	if idx >= TopN {
		return
	}
	e.append(TagUpdate, encodeUpdate(Update{Side: side, Idx: idx, QtyDelta: qtyDelta, CountDelta: countDelta}))
}

// Update implements pricelevels.DeltaSink.
func (e *Emitter) Update(side bookside.Side, idx int, qtyDelta int64, countDelta int32) {
	e.EmitUpdate(side, idx, qtyDelta, countDelta)
}

// EmitInsert appends an Insert primitive, silently dropped if idx is at or
// beyond TopN.
func (e *Emitter) EmitInsert(side bookside.Side, idx int, shift bool, price int64, qty int64, count int32) {
	if idx >= TopN {
		return
	}
	e.append(TagInsert, encodeInsert(Insert{Side: side, Idx: idx, Shift: shift, Price: price, Qty: qty, Count: count}))
}

// Insert implements pricelevels.DeltaSink.
func (e *Emitter) Insert(side bookside.Side, idx int, shift bool, price int64, qty int64, count int32) {
	e.EmitInsert(side, idx, shift, price, qty, count)
}

// EmitCrossingComplete appends the 1-byte CrossingComplete marker. Must
// follow a prior TickInfo within the same event.
func (e *Emitter) EmitCrossingComplete() {
	e.append(TagCrossingComplete, encodeCrossingComplete())
}

// Finalize seals the chunk sequence (setting the final flag on the last
// chunk) and returns the chunks produced for this event. The Emitter is
// left ready for the next Begin.
func (e *Emitter) Finalize() []wire.DeltaChunk {
	if e.cur == nil && len(e.chunks) == 0 {
		log.Panic().Msg("deltacodec: event finalized with zero primitives")
	}
	e.sealCurrent(true)
	out := make([]wire.DeltaChunk, len(e.chunks))
	copy(out, e.chunks)
	e.chunks = e.chunks[:0]
	e.started = false
	return out
}
