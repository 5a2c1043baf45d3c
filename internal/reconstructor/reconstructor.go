// Package reconstructor implements spec.md §4.5: the receiver-side state
// machine that applies a stream of wire.DeltaChunk to a dense 20-level
// book per instrument and expands crossing events into the sequence of
// observable snapshots a reference-compatible consumer expects.
package reconstructor

import (
	"github.com/rs/zerolog/log"

	"mbobook/internal/bookside"
	"mbobook/internal/deltacodec"
	"mbobook/internal/wire"
)

// Level is one dense book slot.
type Level struct {
	Price int64
	Qty   int64
	Count int32
}

const depth = deltacodec.TopN

// Snapshot is one observable book state, handed to the Observer.
type Snapshot struct {
	Token          wire.Token
	TickType       byte
	IsAsk          bool
	Price          int64
	Qty           int64
	OrderID        int64
	OrderID2       int64
	Bids           [depth]Level
	Asks           [depth]Level
	BidAffectedLvl int
	AskAffectedLvl int
	BidFilledLvls  int
	AskFilledLvls  int
}

// Observer receives finalized snapshots in delivery order. Returning
// false requests an early, fatal abort of processing (spec §6).
type Observer interface {
	OnBookUpdate(snap Snapshot) bool
}

// pendingAggressor mirrors bookengine's PendingCross at the receiver.
type pendingAggressor struct {
	active            bool
	id                int64
	isAsk             bool
	price             int64
	remainingQty      int64
	originTickType    byte // 'A' or 'B'
	crossingCompleted bool
}

// cancelledInfo captures an 'S' tick's payload for later C-expansion.
type cancelledInfo struct {
	id       int64
	isAsk    bool
	price    int64
	qty      int64
	orderID2 int64
}

type instrumentState struct {
	bids [depth]Level
	asks [depth]Level

	bidMinAffected int
	askMinAffected int

	pending pendingAggressor

	curTickType byte
	curIsAsk    bool
	curPrice    int64
	curQty      int64
	curOrderID  int64
	curOrderID2 int64

	sawCancelDuringCross bool
	cancelled            cancelledInfo

	extras []Snapshot
}

func newInstrumentState() *instrumentState {
	st := &instrumentState{}
	st.resetAffected()
	return st
}

func (st *instrumentState) resetAffected() {
	st.bidMinAffected = depth
	st.askMinAffected = depth
}

// Reconstructor holds one instrumentState per token.
type Reconstructor struct {
	instruments map[wire.Token]*instrumentState
	observer    Observer
}

func New(observer Observer) *Reconstructor {
	return &Reconstructor{
		instruments: make(map[wire.Token]*instrumentState),
		observer:    observer,
	}
}

func (r *Reconstructor) stateFor(token wire.Token) *instrumentState {
	st, ok := r.instruments[token]
	if !ok {
		st = newInstrumentState()
		r.instruments[token] = st
	}
	return st
}

// LoadSnapshot seeds an instrument's dense arrays directly, for late-joiner
// bootstrap (spec §1 Non-goals: "must not preclude it"). Not wired into
// any chunk stream; callers invoke it before the first chunk arrives.
func (r *Reconstructor) LoadSnapshot(token wire.Token, bids, asks [depth]Level) {
	st := r.stateFor(token)
	st.bids = bids
	st.asks = asks
}

// Apply processes one chunk, returning false if the observer requested
// abort during this chunk (the caller must stop feeding further chunks).
func (r *Reconstructor) Apply(chunk wire.DeltaChunk) bool {
	st := r.stateFor(chunk.Token)
	off := 0
	for i := uint8(0); i < chunk.NumDeltas; i++ {
		tag := deltacodec.PeekTag(chunk.Payload[off:])
		width := deltacodec.Width(tag)
		primitive := chunk.Payload[off : off+width]
		off += width

		switch tag {
		case deltacodec.TagTickInfo:
			st.applyTickInfo(chunk.Token, deltacodec.DecodeTickInfo(primitive))
		case deltacodec.TagUpdate:
			u := deltacodec.DecodeUpdate(primitive)
			st.applyUpdate(u)
		case deltacodec.TagInsert:
			in := deltacodec.DecodeInsert(primitive)
			st.applyInsert(in)
		case deltacodec.TagCrossingComplete:
			st.applyCrossingComplete(chunk.Token)
		default:
			log.Panic().Uint8("tag", uint8(tag)).Msg("reconstructor: unknown primitive tag")
		}
	}

	if !chunk.IsFinal() {
		return true
	}
	return st.finalizeEvent(chunk.Token, r.observer)
}

func (st *instrumentState) applyTickInfo(token wire.Token, t deltacodec.TickInfo) {
	if t.TickType == 'S' && st.pending.active {
		st.sawCancelDuringCross = true
		st.cancelled = cancelledInfo{
			id:       t.OrderID,
			isAsk:    t.IsAsk,
			price:    t.Price,
			qty:      int64(t.Qty),
			orderID2: t.OrderID2,
		}
		return
	}

	if st.curTickType != 0 {
		st.extras = append(st.extras, st.buildSnapshot(token))
		st.resetAffected()
	}

	st.curTickType = t.TickType
	st.curIsAsk = t.IsAsk
	st.curPrice = t.Price
	st.curQty = int64(t.Qty)
	st.curOrderID = t.OrderID
	st.curOrderID2 = t.OrderID2

	switch t.TickType {
	case 'A', 'B':
		st.pending = pendingAggressor{
			active:         true,
			id:             t.OrderID,
			isAsk:          t.IsAsk,
			price:          t.Price,
			remainingQty:   int64(t.Qty),
			originTickType: t.TickType,
		}
	case 'T', 'D', 'E':
		if st.pending.active {
			st.pending.remainingQty -= int64(t.Qty)
		}
	}
}

func (st *instrumentState) levels(side bookside.Side) *[depth]Level {
	if side.IsAsk() {
		return &st.asks
	}
	return &st.bids
}

func (st *instrumentState) trackAffected(side bookside.Side, idx int) {
	if side.IsAsk() {
		if idx < st.askMinAffected {
			st.askMinAffected = idx
		}
		return
	}
	if idx < st.bidMinAffected {
		st.bidMinAffected = idx
	}
}

func (st *instrumentState) applyUpdate(u deltacodec.Update) {
	levels := st.levels(u.Side)
	levels[u.Idx].Qty += u.QtyDelta
	levels[u.Idx].Count += u.CountDelta
	st.trackAffected(u.Side, u.Idx)

	if levels[u.Idx].Qty <= 0 {
		for i := u.Idx; i < depth-1; i++ {
			levels[i] = levels[i+1]
		}
		levels[depth-1] = Level{}
	}
}

func (st *instrumentState) applyInsert(in deltacodec.Insert) {
	levels := st.levels(in.Side)
	if in.Shift {
		for i := depth - 1; i > in.Idx; i-- {
			levels[i] = levels[i-1]
		}
	}
	levels[in.Idx] = Level{Price: in.Price, Qty: in.Qty, Count: in.Count}
	if in.Shift {
		st.trackAffected(in.Side, in.Idx)
	}
}

func (st *instrumentState) applyCrossingComplete(token wire.Token) {
	if st.curTickType != 'C' {
		st.extras = append(st.extras, st.buildSnapshot(token))
		st.resetAffected()

		// Synthesize a residual tick only if the original aggressor tick
		// ('A'/'B') is still the most-recently-current tick, i.e. no real
		// superseding TickInfo (e.g. a reference-compat synthetic 'X')
		// already arrived for this aggressor over the wire.
		if st.curTickType == 'A' || st.curTickType == 'B' {
			origin := st.curTickType
			if st.pending.remainingQty > 0 {
				synthType := byte('N')
				if origin == 'B' {
					synthType = 'M'
				}
				st.curTickType = synthType
				st.curIsAsk = st.pending.isAsk
				st.curPrice = st.pending.price
				st.curQty = st.pending.remainingQty
				st.curOrderID = st.pending.id
				st.curOrderID2 = 0
				st.extras = append(st.extras, st.buildSnapshot(token))
				st.resetAffected()
			} else if origin == 'B' {
				st.curTickType = 'X'
				st.curIsAsk = st.pending.isAsk
				st.curPrice = st.pending.price
				st.curQty = 0
				st.curOrderID = st.pending.id
				st.curOrderID2 = 0
				st.extras = append(st.extras, st.buildSnapshot(token))
				st.resetAffected()
			}
		}
		st.pending = pendingAggressor{}
		st.curTickType = 0
		return
	}
	st.pending.crossingCompleted = true
}

// finalizeEvent runs 'C'-tick expansion if needed, builds the final
// snapshot, and delivers extras-then-primary (T/D/E main record logically
// precedes its metadata-only Update extras, but the receiver builds the
// primary snapshot last, so extras are delivered first) or
// primary-then-extras (C-expansion) as appropriate, per spec §4.5 "Output
// ordering".
func (st *instrumentState) finalizeEvent(token wire.Token, observer Observer) bool {
	defer func() {
		st.extras = nil
		st.curTickType = 0
		st.sawCancelDuringCross = false
		st.resetAffected()
	}()

	if st.curTickType == 'C' {
		return st.expandCrossTick(token, observer)
	}

	for _, snap := range st.extras {
		if !observer.OnBookUpdate(snap) {
			return false
		}
	}
	if st.curTickType != 0 {
		if !observer.OnBookUpdate(st.buildSnapshot(token)) {
			return false
		}
	}
	return true
}

// expandCrossTick implements spec §4.5's 'C' tick expansion.
func (st *instrumentState) expandCrossTick(token wire.Token, observer Observer) bool {
	aggressorCancelled := st.cancelled.id == st.curOrderID2 || st.curOrderID2 == 0

	primary := st.buildSnapshotWithSide(token, st.curTickType, st.pending.isAsk, st.curPrice, st.curQty, st.curOrderID, st.curOrderID2)
	primary.BidAffectedLvl, primary.AskAffectedLvl = 0, 0
	if !observer.OnBookUpdate(primary) {
		return false
	}

	if !st.sawCancelDuringCross {
		st.pending = pendingAggressor{}
		return true
	}

	synthS := st.buildSnapshotWithSide(token, 'S', st.cancelled.isAsk, st.cancelled.price, st.cancelled.qty, st.cancelled.id, st.cancelled.orderID2)
	synthS.BidAffectedLvl, synthS.AskAffectedLvl = depth, depth
	if !observer.OnBookUpdate(synthS) {
		return false
	}

	if aggressorCancelled {
		// Aggressor self-trade cancel: C + S only.
		st.pending = pendingAggressor{}
		return true
	}

	// Passive self-trade cancel: a third residual snapshot is only
	// warranted if the re-cross left the aggressor with resting quantity
	// of its own — detectable as an Insert/Update landing on the
	// aggressor's own side during this event (a full re-consumption, as
	// in spec Scenario E, touches only the passive side and leaves no
	// trace here).
	if !st.aggressorSideAffected() {
		st.pending = pendingAggressor{}
		return true
	}

	tickType := st.pending.originTickType
	if st.pending.crossingCompleted {
		if tickType == 'A' {
			tickType = 'N'
		} else {
			tickType = 'M'
		}
	}
	residual := st.buildSnapshotWithSide(token, tickType, st.pending.isAsk, st.pending.price, st.pending.remainingQty, st.pending.id, 0)
	if !observer.OnBookUpdate(residual) {
		return false
	}

	if st.pending.crossingCompleted {
		st.pending = pendingAggressor{}
	}
	return true
}

// aggressorSideAffected reports whether this event touched a level on the
// aggressor's own resting side, as opposed to only the passive victim's
// opposite side.
func (st *instrumentState) aggressorSideAffected() bool {
	if st.pending.isAsk {
		return st.askMinAffected < depth
	}
	return st.bidMinAffected < depth
}

func (st *instrumentState) buildSnapshot(token wire.Token) Snapshot {
	return st.buildSnapshotWithSide(token, st.curTickType, st.curIsAsk, st.curPrice, st.curQty, st.curOrderID, st.curOrderID2)
}

func (st *instrumentState) buildSnapshotWithSide(token wire.Token, tickType byte, isAsk bool, price, qty, orderID, orderID2 int64) Snapshot {
	snap := Snapshot{
		Token:          token,
		TickType:       tickType,
		IsAsk:          isAsk,
		Price:          price,
		Qty:            qty,
		OrderID:        orderID,
		OrderID2:       orderID2,
		Bids:           st.bids,
		Asks:           st.asks,
		BidAffectedLvl: st.bidMinAffected,
		AskAffectedLvl: st.askMinAffected,
		BidFilledLvls:  countFilled(st.bids),
		AskFilledLvls:  countFilled(st.asks),
	}
	return snap
}

func countFilled(levels [depth]Level) int {
	n := 0
	for _, l := range levels {
		if l.Price != 0 {
			n++
		}
	}
	return n
}
