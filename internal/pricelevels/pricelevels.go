// Package pricelevels implements the aggregated, top-of-book sorted
// container described in spec.md §4.1: a per-side ladder of price levels
// kept in a tidwall/btree, plus the crossing ledger a speculative cross
// needs to later confirm or unwind itself.
//
// Bids are stored under their negated price so that a single ascending
// btree comparator produces "best first" iteration order for both sides
// (see canonicalKey).
package pricelevels

import (
	"github.com/rs/zerolog/log"
	"github.com/tidwall/btree"

	"mbobook/internal/bookside"
)

// Level is one aggregated price point: the sum of every resting order's
// quantity at that price, and how many orders make up that sum.
type Level struct {
	Price int64
	Qty   int64
	Count int32
}

func (l *Level) empty() bool {
	return l.Qty <= 0
}

// fillEntry is one per-level speculative consumption, in consumption
// order. count is the level's pre-consumption order count.
type fillEntry struct {
	price int64
	qty   int64
	count int32
}

// DeltaSink receives the minimal set of level-change notifications a
// Ladder produces, in the canonical (price, rank-index) vocabulary the
// wire format speaks. idx is the level's rank from the best price (0 =
// best). Implemented by deltacodec.Emitter.
type DeltaSink interface {
	Update(side bookside.Side, idx int, qtyDelta int64, countDelta int32)
	Insert(side bookside.Side, idx int, shift bool, price int64, qty int64, count int32)
}

type entry struct {
	key   int64 // canonical key: negated price for bids, raw price for asks
	level Level
}

func less(a, b entry) bool {
	return a.key < b.key
}

// Ladder is the sorted, aggregated book for one side of one instrument,
// together with the crossing ledger described in spec.md §4.1.
type Ladder struct {
	side bookside.Side
	tree *btree.BTreeG[entry]

	crossFills       []fillEntry // full consumption history of the active cross
	pendingFillQty   int64
	pendingFillCount int32
}

func NewLadder(side bookside.Side) *Ladder {
	return &Ladder{
		side: side,
		tree: btree.NewBTreeG[entry](less),
	}
}

func (l *Ladder) Side() bookside.Side { return l.side }

func (l *Ladder) canonicalKey(price int64) int64 {
	if l.side == bookside.Bid {
		return -price
	}
	return price
}

// BestPrice returns the best (highest bid / lowest ask) resting price and
// true, or (0, false) if the ladder is empty.
func (l *Ladder) BestPrice() (int64, bool) {
	e, ok := l.tree.Min()
	if !ok {
		return 0, false
	}
	return e.level.Price, true
}

// GetLevelIndex returns the rank (0 = best) of price if it is currently a
// resting level, or -1 if it is not.
func (l *Ladder) GetLevelIndex(price int64) int {
	return l.indexOf(l.canonicalKey(price))
}

func (l *Ladder) indexOf(key int64) int {
	idx := -1
	i := 0
	l.tree.Scan(func(e entry) bool {
		if e.key == key {
			idx = i
			return false
		}
		i++
		return true
	})
	return idx
}

// AddLiquidity adds qty (>= 0) and countDelta new orders to price, creating
// the level if it does not exist, and emits the corresponding Update or
// Insert delta to sink.
func (l *Ladder) AddLiquidity(price int64, qty int64, countDelta int32, sink DeltaSink) {
	if qty < 0 {
		log.Panic().Int64("qty", qty).Msg("pricelevels: AddLiquidity requires qty >= 0")
	}
	key := l.canonicalKey(price)
	e, ok := l.tree.Get(entry{key: key})
	if ok {
		e.level.Qty += qty
		e.level.Count += countDelta
		l.tree.Set(e)
		idx := l.indexOf(key)
		sink.Update(l.side, idx, qty, countDelta)
		return
	}
	newLevel := Level{Price: price, Qty: qty, Count: countDelta}
	l.tree.Set(entry{key: key, level: newLevel})
	idx := l.indexOf(key)
	sink.Insert(l.side, idx, true, price, qty, countDelta)
}

// RemoveLiquidity removes qty (>= 0) and countDelta orders from price.
// No-op if qty and countDelta are both zero or price is absent. Removing
// the last unit of quantity deletes the level and, if it was within the
// top 20, refills slot 19 from the 21st-best remaining level.
func (l *Ladder) RemoveLiquidity(price int64, qty int64, countDelta int32, sink DeltaSink) {
	if qty < 0 {
		log.Panic().Int64("qty", qty).Msg("pricelevels: RemoveLiquidity requires qty >= 0")
	}
	if qty == 0 && countDelta == 0 {
		return
	}
	key := l.canonicalKey(price)
	e, ok := l.tree.Get(entry{key: key})
	if !ok {
		return
	}
	idx := l.indexOf(key)
	e.level.Qty -= qty
	e.level.Count -= countDelta
	if e.level.empty() {
		l.tree.Delete(entry{key: key})
		sink.Update(l.side, idx, -qty, -countDelta)
		if idx < 20 {
			l.refill(sink)
		}
		return
	}
	l.tree.Set(e)
	sink.Update(l.side, idx, -qty, -countDelta)
}

// refill emits Insert(idx=19, shift=false) for the 20th-best remaining
// level, if one exists, promoting it into the observable window.
func (l *Ladder) refill(sink DeltaSink) {
	const refillIdx = 19
	var found entry
	ok := false
	i := 0
	l.tree.Scan(func(e entry) bool {
		if i == refillIdx {
			found = e
			ok = true
			return false
		}
		i++
		return true
	})
	if !ok {
		return
	}
	sink.Insert(l.side, refillIdx, false, found.level.Price, found.level.Qty, found.level.Count)
}

// crosses reports whether a resting level at levelPrice on this side is
// crossed by an aggressor quoting aggressorPrice on the opposite side.
func (l *Ladder) crosses(levelPrice, aggressorPrice int64) bool {
	if l.side == bookside.Ask {
		return levelPrice <= aggressorPrice
	}
	return levelPrice >= aggressorPrice
}

// Cross speculatively consumes up to qty from the best price(s) that
// cross aggressorPrice, recording what it took so a later Uncross can
// restore the unconfirmed portion exactly. Count is deliberately left
// untouched (see ReconcileCrossCount). Returns the quantity actually
// consumed, which may be less than qty if the ladder runs dry or out of
// crossing range.
func (l *Ladder) Cross(aggressorPrice int64, qty int64, sink DeltaSink) int64 {
	if l.pendingFillQty == 0 {
		l.crossFills = l.crossFills[:0]
	}
	remaining := qty
	var consumed int64
	for remaining > 0 {
		e, ok := l.tree.Min()
		if !ok || !l.crosses(e.level.Price, aggressorPrice) {
			break
		}
		take := remaining
		if take > e.level.Qty {
			take = e.level.Qty
		}
		preCount := e.level.Count
		e.level.Qty -= take
		if e.level.Qty <= 0 {
			l.tree.Delete(entry{key: e.key})
		} else {
			l.tree.Set(e)
		}
		sink.Update(l.side, 0, -take, 0)
		l.crossFills = append(l.crossFills, fillEntry{price: e.level.Price, qty: take, count: preCount})
		l.pendingFillQty += take
		l.pendingFillCount += preCount
		consumed += take
		remaining -= take
	}
	return consumed
}

// ReconcileCrossFill decrements pendingFillQty by min(fillQty,
// pendingFillQty) — the trade message confirms that much of the
// speculative consumption really happened — and returns the amount
// reconciled.
func (l *Ladder) ReconcileCrossFill(fillQty int64) int64 {
	reconciled := fillQty
	if reconciled > l.pendingFillQty {
		reconciled = l.pendingFillQty
	}
	l.pendingFillQty -= reconciled
	return reconciled
}

// ReconcileCrossCount advances the confirmed-count ledger by countDelta,
// called once per fully-consumed passive order a trade message confirms.
// It does not touch the tree: the level's own Count was already reduced
// by the caller's RemoveLiquidity call.
func (l *Ladder) ReconcileCrossCount(countDelta int32) {
	l.pendingFillCount -= countDelta
}

// UnreserveCrossFill gives back qty from the pending ledger without
// restoring it to the book — used during a passive self-trade cancel,
// where the consumed liquidity belonged to an order that is being
// cancelled outright and will be re-offered to the aggressor via a fresh
// Cross call rather than restored to its original level.
func (l *Ladder) UnreserveCrossFill(qty int64) {
	reconciled := qty
	if reconciled > l.pendingFillQty {
		reconciled = l.pendingFillQty
	}
	l.pendingFillQty -= reconciled
	l.pendingFillCount--
}

// unconfirmedSuffix returns the still-unconfirmed tail of crossFills,
// splitting the entry that straddles the confirmed/unconfirmed boundary
// if confirmation happened mid-entry.
func (l *Ladder) unconfirmedSuffix() []fillEntry {
	var total int64
	for _, f := range l.crossFills {
		total += f.qty
	}
	confirmed := total - l.pendingFillQty
	if confirmed < 0 {
		confirmed = 0
	}
	var out []fillEntry
	var cum int64
	for _, f := range l.crossFills {
		if cum+f.qty <= confirmed {
			cum += f.qty
			continue
		}
		restoreQty := f.qty
		if cum < confirmed {
			restoreQty = f.qty - (confirmed - cum)
		}
		cum += f.qty
		if restoreQty <= 0 {
			continue
		}
		out = append(out, fillEntry{price: f.price, qty: restoreQty, count: f.count})
	}
	return out
}

// Uncross restores every still-unconfirmed speculative fill back onto the
// book, in consumption order, and clears the entire ledger.
func (l *Ladder) Uncross(sink DeltaSink) {
	for _, f := range l.unconfirmedSuffix() {
		key := l.canonicalKey(f.price)
		e, ok := l.tree.Get(entry{key: key})
		if ok {
			e.level.Qty += f.qty
			l.tree.Set(e)
			idx := l.indexOf(key)
			sink.Update(l.side, idx, f.qty, 0)
			continue
		}
		newLevel := Level{Price: f.price, Qty: f.qty, Count: f.count}
		l.tree.Set(entry{key: key, level: newLevel})
		idx := l.indexOf(key)
		sink.Insert(l.side, idx, true, f.price, f.qty, f.count)
	}
	l.ClearCrossFills()
}

// PendingCrossVWAP returns the volume-weighted average price and total
// quantity across the still-unconfirmed suffix of the crossing ledger.
func (l *Ladder) PendingCrossVWAP() (vwap int64, qty int64) {
	var notional int64
	for _, f := range l.unconfirmedSuffix() {
		notional += f.price * f.qty
		qty += f.qty
	}
	if qty == 0 {
		return 0, 0
	}
	return notional / qty, qty
}

// ClearCrossFills drops the entire ledger without restoring liquidity —
// the normal completion path once a cross has fully confirmed.
func (l *Ladder) ClearCrossFills() {
	l.crossFills = nil
	l.pendingFillQty = 0
	l.pendingFillCount = 0
}

// PendingFillQty is the total qty speculatively consumed and not yet
// confirmed by a trade or given back via UnreserveCrossFill.
func (l *Ladder) PendingFillQty() int64 { return l.pendingFillQty }

// PendingFillCount is the order count across unconfirmed ledger entries.
func (l *Ladder) PendingFillCount() int32 { return l.pendingFillCount }

// Snapshot returns up to n levels from the best price, for reconstructor
// bootstrap and reference comparison.
func (l *Ladder) Snapshot(n int) []Level {
	out := make([]Level, 0, n)
	l.tree.Scan(func(e entry) bool {
		out = append(out, e.level)
		return len(out) < n
	})
	return out
}

func (l *Ladder) Len() int { return l.tree.Len() }
