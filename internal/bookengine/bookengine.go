// Package bookengine implements the per-instrument Market-By-Order state
// machine described in spec.md §4.3: an authoritative order map, two
// pricelevels.Ladder sides, and the speculative-crossing protocol tying
// them together.
package bookengine

import (
	"github.com/rs/zerolog/log"

	"mbobook/internal/bookside"
	"mbobook/internal/deltacodec"
	"mbobook/internal/pricelevels"
	"mbobook/internal/wire"
)

// ResidualOrigin records which operation created the currently-pending
// aggressor's residual, so a trade that fully consumes a modify-origin
// aggressor can emit the reference-compatible synthetic 'X' tick.
type ResidualOrigin byte

const (
	OriginNone ResidualOrigin = iota
	OriginNewOrder
	OriginModifyOrder
)

// OrderInfo is the exchange-authoritative per-order record.
type OrderInfo struct {
	IsAsk bool
	Price int64
	Qty   int64
}

// PendingCross records the currently active aggressor, if any.
type PendingCross struct {
	AggressorID          int64
	AggressorIsAsk       bool
	AggressorPrice       int64
	ResidualOrigin       ResidualOrigin
	ResidualLivesOnLevel bool
}

func (p *PendingCross) active() bool { return p.AggressorID != 0 }

// Config is the process-wide, read-only-after-init gate on the
// speculative-crossing path (spec §6 "g_crossing_enabled").
type Config struct {
	CrossingEnabled bool
}

// MBO is the per-instrument order-book engine.
type MBO struct {
	Token    wire.Token
	cfg      Config
	orders   map[int64]OrderInfo
	bids     *pricelevels.Ladder
	asks     *pricelevels.Ladder
	pending  PendingCross
	lastID   int64
	recordIx uint32
	emit     *deltacodec.Emitter
}

// orderMapReserve is the pre-reserved order-map capacity (spec §5
// "allocation discipline").
const orderMapReserve = 1000

func New(token wire.Token, cfg Config) *MBO {
	return &MBO{
		Token:  token,
		cfg:    cfg,
		orders: make(map[int64]OrderInfo, orderMapReserve),
		bids:   pricelevels.NewLadder(bookside.Bid),
		asks:   pricelevels.NewLadder(bookside.Ask),
		emit:   deltacodec.NewEmitter(),
	}
}

func (m *MBO) ladder(isAsk bool) *pricelevels.Ladder {
	if isAsk {
		return m.asks
	}
	return m.bids
}

func (m *MBO) passiveLadder(aggressorIsAsk bool) *pricelevels.Ladder {
	return m.ladder(!aggressorIsAsk)
}

// nextRecordIdx assigns the pseudo-timestamp carried in TickInfo.
func (m *MBO) nextRecordIdx(idx uint32) uint32 {
	if idx != 0 {
		m.recordIx = idx
		return idx
	}
	m.recordIx++
	return m.recordIx
}

// NewOrder implements spec §4.3 new_order.
func (m *MBO) NewOrder(recordIdx uint32, id int64, isAsk bool, price int64, qty int64) []wire.DeltaChunk {
	if m.pending.active() {
		log.Panic().Int64("id", id).Msg("bookengine: new_order with PendingCross already active")
	}
	m.emit.Begin(m.Token)
	m.lastID = id

	passive := m.passiveLadder(isAsk)
	own := m.ladder(isAsk)

	best, hasBest := passive.BestPrice()
	wouldCross := m.cfg.CrossingEnabled && hasBest && crosses(isAsk, price, best)

	tickType := byte('N')
	if wouldCross {
		tickType = 'A'
	}
	m.emit.EmitTickInfo(deltacodec.TickInfo{
		TickType:       tickType,
		IsExchangeTick: !wouldCross,
		IsAsk:          isAsk,
		RecordIdx:      m.nextRecordIdx(recordIdx),
		Price:          price,
		Qty:            int32(qty),
		OrderID:        id,
	})

	var consumed int64
	if wouldCross {
		consumed = passive.Cross(price, qty, m.emit)
	}
	if wouldCross != (consumed > 0) {
		log.Panic().Msg("bookengine: would_cross invariant violated")
	}

	if consumed > 0 {
		m.pending = PendingCross{
			AggressorID:    id,
			AggressorIsAsk: isAsk,
			AggressorPrice: price,
			ResidualOrigin: OriginNewOrder,
		}
	}

	m.orders[id] = OrderInfo{IsAsk: isAsk, Price: price, Qty: qty}

	residual := qty - consumed
	if residual > 0 {
		own.AddLiquidity(price, residual, 1, m.emit)
		if consumed > 0 {
			m.pending.ResidualLivesOnLevel = true
		}
	}

	return m.emit.Finalize()
}

func crosses(isAsk bool, price, passiveBest int64) bool {
	if isAsk {
		return price <= passiveBest
	}
	return price >= passiveBest
}

// ModifyOrder implements spec §4.3 modify_order. Side is assumed
// preserved; a no-op if id is unknown.
func (m *MBO) ModifyOrder(recordIdx uint32, id int64, newPrice int64, newQty int64) []wire.DeltaChunk {
	info, ok := m.orders[id]
	if !ok {
		return nil
	}
	m.emit.Begin(m.Token)
	m.lastID = id

	own := m.ladder(info.IsAsk)
	passive := m.passiveLadder(info.IsAsk)

	if !m.cfg.CrossingEnabled {
		m.emit.EmitTickInfo(deltacodec.TickInfo{
			TickType:       'M',
			IsExchangeTick: true,
			IsAsk:          info.IsAsk,
			RecordIdx:      m.nextRecordIdx(recordIdx),
			Price:          newPrice,
			Qty:            int32(newQty),
			OrderID:        id,
		})
		if newPrice != info.Price {
			own.RemoveLiquidity(info.Price, info.Qty, 1, m.emit)
			own.AddLiquidity(newPrice, newQty, 1, m.emit)
		} else if delta := newQty - info.Qty; delta > 0 {
			own.AddLiquidity(newPrice, delta, 0, m.emit)
		} else if delta < 0 {
			own.RemoveLiquidity(newPrice, -delta, 0, m.emit)
		}
		m.orders[id] = OrderInfo{IsAsk: info.IsAsk, Price: newPrice, Qty: newQty}
		return m.emit.Finalize()
	}

	best, hasBest := passive.BestPrice()
	wouldCross := hasBest && crosses(info.IsAsk, newPrice, best)
	tickType := byte('M')
	if wouldCross {
		tickType = 'B'
	}
	m.emit.EmitTickInfo(deltacodec.TickInfo{
		TickType:       tickType,
		IsExchangeTick: !wouldCross,
		IsAsk:          info.IsAsk,
		RecordIdx:      m.nextRecordIdx(recordIdx),
		Price:          newPrice,
		Qty:            int32(newQty),
		OrderID:        id,
	})

	own.RemoveLiquidity(info.Price, info.Qty, 1, m.emit)

	var consumed int64
	if wouldCross {
		consumed = passive.Cross(newPrice, newQty, m.emit)
	}

	if consumed > 0 {
		m.pending = PendingCross{
			AggressorID:    id,
			AggressorIsAsk: info.IsAsk,
			AggressorPrice: newPrice,
			ResidualOrigin: OriginModifyOrder,
		}
	}

	// order_map updated after the speculative operations (spec §4.3
	// deviation from source, see DESIGN.md).
	m.orders[id] = OrderInfo{IsAsk: info.IsAsk, Price: newPrice, Qty: newQty}

	residual := newQty - consumed
	if residual > 0 {
		own.AddLiquidity(newPrice, residual, 1, m.emit)
		if consumed > 0 {
			m.pending.ResidualLivesOnLevel = true
		}
	}

	return m.emit.Finalize()
}

// CancelOrder implements spec §4.3 cancel_order's four dispatch branches.
func (m *MBO) CancelOrder(recordIdx uint32, id int64) []wire.DeltaChunk {
	m.emit.Begin(m.Token)

	info, known := m.orders[id]
	if !known {
		m.emit.EmitTickInfo(deltacodec.TickInfo{
			TickType:       'X',
			IsExchangeTick: true,
			IsAsk:          false,
			RecordIdx:      m.nextRecordIdx(recordIdx),
			OrderID:        id,
		})
		return m.emit.Finalize()
	}

	if m.pending.active() && id == m.pending.AggressorID {
		return m.cancelAggressor(recordIdx, id, info)
	}

	if m.pending.active() && info.IsAsk != m.pending.AggressorIsAsk &&
		crosses(m.pending.AggressorIsAsk, m.pending.AggressorPrice, info.Price) {
		passive := m.passiveLadder(m.pending.AggressorIsAsk)
		consumed := min64(info.Qty, passive.PendingFillQty())
		if consumed > 0 {
			return m.cancelPassiveVictim(recordIdx, id, info, consumed)
		}
	}

	m.emit.EmitTickInfo(deltacodec.TickInfo{
		TickType:       'X',
		IsExchangeTick: false,
		IsAsk:          info.IsAsk,
		RecordIdx:      m.nextRecordIdx(recordIdx),
		Price:          info.Price,
		Qty:            int32(info.Qty),
		OrderID:        id,
	})
	m.ladder(info.IsAsk).RemoveLiquidity(info.Price, info.Qty, 1, m.emit)
	delete(m.orders, id)
	return m.emit.Finalize()
}

func (m *MBO) cancelAggressor(recordIdx uint32, id int64, info OrderInfo) []wire.DeltaChunk {
	passive := m.passiveLadder(m.pending.AggressorIsAsk)
	own := m.ladder(m.pending.AggressorIsAsk)

	vwap, qty := passive.PendingCrossVWAP()
	m.emit.EmitTickInfo(deltacodec.TickInfo{
		TickType:       'C',
		IsExchangeTick: true,
		IsAsk:          info.IsAsk,
		RecordIdx:      m.nextRecordIdx(recordIdx),
		Price:          vwap,
		Qty:            int32(qty),
		OrderID:        id,
	})

	residualOnLevel := info.Qty - passive.PendingFillQty()
	passive.Uncross(m.emit)

	if residualOnLevel > 0 && m.pending.ResidualLivesOnLevel {
		own.RemoveLiquidity(info.Price, residualOnLevel, 1, m.emit)
	}

	m.emit.EmitTickInfo(deltacodec.TickInfo{
		TickType:       'S',
		IsExchangeTick: false,
		IsAsk:          info.IsAsk,
		RecordIdx:      m.nextRecordIdx(recordIdx),
		Price:          info.Price,
		Qty:            int32(info.Qty),
		OrderID:        id,
	})

	m.emit.EmitCrossingComplete()
	m.pending = PendingCross{}
	passive.ClearCrossFills()
	delete(m.orders, id)
	return m.emit.Finalize()
}

func (m *MBO) cancelPassiveVictim(recordIdx uint32, id int64, info OrderInfo, consumed int64) []wire.DeltaChunk {
	passive := m.passiveLadder(m.pending.AggressorIsAsk)
	own := m.ladder(info.IsAsk)
	aggressorSide := m.ladder(m.pending.AggressorIsAsk)

	vwap, qty := passive.PendingCrossVWAP()
	m.emit.EmitTickInfo(deltacodec.TickInfo{
		TickType:       'C',
		IsExchangeTick: true,
		IsAsk:          info.IsAsk,
		RecordIdx:      m.nextRecordIdx(recordIdx),
		Price:          vwap,
		Qty:            int32(qty),
		OrderID:        id,
		OrderID2:       m.pending.AggressorID,
	})

	remainingVisible := info.Qty - consumed
	own.RemoveLiquidity(info.Price, remainingVisible, 1, m.emit)

	passive.UnreserveCrossFill(consumed)
	reConsumed := passive.Cross(m.pending.AggressorPrice, consumed, m.emit)
	reResidual := consumed - reConsumed
	if reResidual > 0 {
		countDelta := int32(1)
		if m.pending.ResidualLivesOnLevel {
			countDelta = 0
		}
		aggressorSide.AddLiquidity(m.pending.AggressorPrice, reResidual, countDelta, m.emit)
		if countDelta == 1 {
			m.pending.ResidualLivesOnLevel = true
		}
	}

	m.emit.EmitTickInfo(deltacodec.TickInfo{
		TickType:       'S',
		IsExchangeTick: false,
		IsAsk:          info.IsAsk,
		RecordIdx:      m.nextRecordIdx(recordIdx),
		Price:          info.Price,
		Qty:            int32(info.Qty),
		OrderID:        id,
		OrderID2:       m.pending.AggressorID,
	})

	delete(m.orders, id)

	if passive.PendingFillQty() == 0 {
		m.emit.EmitCrossingComplete()
		passive.ClearCrossFills()
		m.pending = PendingCross{}
	}

	return m.emit.Finalize()
}

// Trade implements spec §4.3 trade. bidID/askID of 0 denotes an
// out-of-book IOC/market sentinel on that side.
func (m *MBO) Trade(recordIdx uint32, bidID, askID int64, price int64, fillQty int64) []wire.DeltaChunk {
	m.emit.Begin(m.Token)

	bidInfo, bidInBook := m.orders[bidID]
	askInfo, askInBook := m.orders[askID]
	if bidID != 0 && bidInBook && bidInfo.IsAsk {
		log.Panic().Int64("id", bidID).Msg("bookengine: bid_id resolves to an ask order")
	}
	if askID != 0 && askInBook && !askInfo.IsAsk {
		log.Panic().Int64("id", askID).Msg("bookengine: ask_id resolves to a bid order")
	}

	aggressorID, aggressorIsAsk := m.determineAggressor(bidID, askID, bidInBook, askInBook)

	tickType := byte('T')
	switch {
	case aggressorID == 0:
		tickType = 'D'
	case !inBook(aggressorID, bidID, bidInBook, askID, askInBook):
		tickType = 'E'
	}

	m.emit.EmitTickInfo(deltacodec.TickInfo{
		TickType:       tickType,
		IsExchangeTick: true,
		IsAsk:          aggressorIsAsk,
		RecordIdx:      m.nextRecordIdx(recordIdx),
		Price:          price,
		Qty:            int32(fillQty),
		OrderID:        bidID,
		OrderID2:       askID,
	})

	activeCross := m.pending.active()
	var passive *pricelevels.Ladder
	if activeCross {
		passive = m.passiveLadder(m.pending.AggressorIsAsk)
	}

	remaining := fillQty
	if activeCross {
		reconciled := passive.ReconcileCrossFill(fillQty)
		remaining = fillQty - reconciled
		if reconciled > 0 {
			m.emit.EmitUpdate(bookside.Bid, 0, 0, 0)
			m.emit.EmitUpdate(bookside.Ask, 0, 0, 0)
		}
	}

	var modifyOriginFullyConsumed bool
	if bidID != 0 && bidInBook {
		consumedAggressor := m.applyFill(bidID, bidInfo, fillQty, remaining, activeCross, passive)
		if consumedAggressor && bidID == m.pending.AggressorID && m.pending.ResidualOrigin == OriginModifyOrder {
			modifyOriginFullyConsumed = true
		}
	}
	if askID != 0 && askInBook {
		consumedAggressor := m.applyFill(askID, askInfo, fillQty, remaining, activeCross, passive)
		if consumedAggressor && askID == m.pending.AggressorID && m.pending.ResidualOrigin == OriginModifyOrder {
			modifyOriginFullyConsumed = true
		}
	}

	if activeCross && passive.PendingFillQty() == 0 {
		if modifyOriginFullyConsumed {
			aggInfo := OrderInfo{IsAsk: m.pending.AggressorIsAsk, Price: m.pending.AggressorPrice}
			m.emit.EmitTickInfo(deltacodec.TickInfo{
				TickType:       'X',
				IsExchangeTick: true,
				IsAsk:          aggInfo.IsAsk,
				RecordIdx:      m.nextRecordIdx(0),
				Price:          aggInfo.Price,
				OrderID:        m.pending.AggressorID,
			})
		}
		m.emit.EmitCrossingComplete()
		passive.ClearCrossFills()
		m.pending = PendingCross{}
	}

	return m.emit.Finalize()
}

// applyFill reduces the order's qty by fillQty and emits the corresponding
// level delta, reconciling cross count when the order sits on the passive
// side of an active cross. Returns true if this order was the active
// cross's aggressor and was fully consumed by this trade.
func (m *MBO) applyFill(id int64, info OrderInfo, fillQty, remaining int64, activeCross bool, passive *pricelevels.Ladder) bool {
	if fillQty > info.Qty {
		log.Panic().Int64("id", id).Msg("bookengine: trade overfills order")
	}
	info.Qty -= fillQty
	fullyConsumed := info.Qty == 0

	own := m.ladder(info.IsAsk)
	if remaining > 0 {
		countDelta := int32(0)
		if fullyConsumed {
			countDelta = 1
		}
		own.RemoveLiquidity(info.Price, remaining, countDelta, m.emit)
	} else if fullyConsumed {
		own.RemoveLiquidity(info.Price, 0, 1, m.emit)
	}

	if activeCross && fullyConsumed && info.IsAsk == passive.Side().IsAsk() {
		passive.ReconcileCrossCount(1)
	}

	if fullyConsumed {
		delete(m.orders, id)
	} else {
		m.orders[id] = info
	}

	return fullyConsumed && activeCross && id == m.pending.AggressorID
}

func (m *MBO) determineAggressor(bidID, askID int64, bidInBook, askInBook bool) (int64, bool) {
	bidIsAggressor := !bidInBook
	askIsAggressor := !askInBook
	switch {
	case bidIsAggressor && !askIsAggressor:
		return bidID, false
	case askIsAggressor && !bidIsAggressor:
		return askID, true
	case bidID == 0 && askID == 0:
		return 0, false
	default:
		// Both or neither resolve unambiguously in-book: fall back to
		// last_order_id as the tie-breaker (spec §4.3 step 2).
		if m.lastID == bidID {
			return bidID, false
		}
		return askID, true
	}
}

func inBook(aggressorID, bidID int64, bidInBook bool, askID int64, askInBook bool) bool {
	if aggressorID == bidID {
		return bidInBook
	}
	if aggressorID == askID {
		return askInBook
	}
	return false
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// PendingFillQty exposes the passive side's outstanding speculative
// consumption for an active cross, or 0 if no cross is active. Used for
// diagnostics and by the package tests.
func (m *MBO) PendingFillQty() int64 {
	if !m.pending.active() {
		return 0
	}
	return m.passiveLadder(m.pending.AggressorIsAsk).PendingFillQty()
}

// Bids and Asks expose the two ladders read-only, for reconstruction
// bootstrap or testing.
func (m *MBO) Bids() *pricelevels.Ladder { return m.bids }
func (m *MBO) Asks() *pricelevels.Ladder { return m.asks }
