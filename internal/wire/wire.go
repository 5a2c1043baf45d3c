// Package wire defines the packed, little-endian record layouts that cross
// the boundary between the core and its external collaborators: the
// exchange adapter's InputRecord, the DeltaChunk handed to the transport,
// and the ReferenceRecord used only by the validation harness.
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrShortRecord is returned by the Decode* functions when the supplied
// buffer is smaller than the record it is asked to decode.
var ErrShortRecord = errors.New("wire: buffer too short for record")

// Token identifies an instrument. It is the sharding/routing key for
// Runner and the keying field of every chunk and snapshot.
type Token uint32

// InputRecord is the 40-byte record produced by the exchange adapter.
// Only N/M/X/T ever appear on the wire; A/B/C/D/E/S are publisher-emitted
// tick types and never arrive as input.
type InputRecord struct {
	RecordIdx uint32
	Token     Token
	OrderID   int64
	OrderID2  int64
	Price     int64
	Qty       int32
	TickType  byte
	IsAsk     uint8
}

const InputRecordSize = 40

func EncodeInputRecord(r InputRecord) [InputRecordSize]byte {
	var b [InputRecordSize]byte
	binary.LittleEndian.PutUint32(b[0:4], r.RecordIdx)
	binary.LittleEndian.PutUint32(b[4:8], uint32(r.Token))
	binary.LittleEndian.PutUint64(b[8:16], uint64(r.OrderID))
	binary.LittleEndian.PutUint64(b[16:24], uint64(r.OrderID2))
	binary.LittleEndian.PutUint64(b[24:32], uint64(r.Price))
	binary.LittleEndian.PutUint32(b[32:36], uint32(r.Qty))
	b[36] = r.TickType
	b[37] = r.IsAsk
	// b[38:40] padding, left zero.
	return b
}

func DecodeInputRecord(b []byte) (InputRecord, error) {
	if len(b) < InputRecordSize {
		return InputRecord{}, ErrShortRecord
	}
	return InputRecord{
		RecordIdx: binary.LittleEndian.Uint32(b[0:4]),
		Token:     Token(binary.LittleEndian.Uint32(b[4:8])),
		OrderID:   int64(binary.LittleEndian.Uint64(b[8:16])),
		OrderID2:  int64(binary.LittleEndian.Uint64(b[16:24])),
		Price:     int64(binary.LittleEndian.Uint64(b[24:32])),
		Qty:       int32(binary.LittleEndian.Uint32(b[32:36])),
		TickType:  b[36],
		IsAsk:     b[37],
	}, nil
}

// ChunkFinalFlag is bit 0 of DeltaChunk.Flags: "book is ready for
// observation."
const ChunkFinalFlag uint8 = 1 << 0

// DeltaChunk is the fixed 64-byte cache-line record the publisher hands to
// the transport. Payload holds 0 or more tagged delta primitives packed
// back-to-back (see package deltacodec).
type DeltaChunk struct {
	Token     Token
	Flags     uint8
	NumDeltas uint8
	Payload   [DeltaChunkPayloadSize]byte
}

const (
	DeltaChunkSize        = 64
	deltaChunkHeaderSize  = 6 // Token(4) + Flags(1) + NumDeltas(1)
	DeltaChunkPayloadSize = DeltaChunkSize - deltaChunkHeaderSize
)

func (c DeltaChunk) Encode() [DeltaChunkSize]byte {
	var b [DeltaChunkSize]byte
	binary.LittleEndian.PutUint32(b[0:4], uint32(c.Token))
	b[4] = c.Flags
	b[5] = c.NumDeltas
	copy(b[deltaChunkHeaderSize:], c.Payload[:])
	return b
}

func DecodeDeltaChunk(b []byte) (DeltaChunk, error) {
	if len(b) < DeltaChunkSize {
		return DeltaChunk{}, ErrShortRecord
	}
	var c DeltaChunk
	c.Token = Token(binary.LittleEndian.Uint32(b[0:4]))
	c.Flags = b[4]
	c.NumDeltas = b[5]
	copy(c.Payload[:], b[deltaChunkHeaderSize:DeltaChunkSize])
	return c, nil
}

func (c DeltaChunk) IsFinal() bool {
	return c.Flags&ChunkFinalFlag != 0
}

// Level is one row of a 20-level reference snapshot.
type Level struct {
	Price     int64
	Qty       int32
	NumOrders int32
}

const levelSize = 16 // Price(8) + Qty(4) + NumOrders(4)

// ReferenceRecord is the 708-byte validation-harness record: the input
// event that produced it plus the full resulting 20-level book on both
// sides. It is never produced or consumed by the core; only the harness
// reads and writes it.
type ReferenceRecord struct {
	RecordIdx      uint32
	Token          Token
	Event          InputRecord
	LTP            int64
	LTQ            int32
	BidAffectedLvl int8
	AskAffectedLvl int8
	BidFilledLvls  int8
	AskFilledLvls  int8
	IsAsk          uint8
	Bids           [20]Level
	Asks           [20]Level
}

const (
	referenceHeaderSize = 4 + 4 + InputRecordSize + 8 + 4 + 1 + 1 + 1 + 1 + 1 + 3 // +3 padding
	ReferenceRecordSize = referenceHeaderSize + 20*levelSize + 20*levelSize
)

func EncodeReferenceRecord(r ReferenceRecord) [ReferenceRecordSize]byte {
	var b [ReferenceRecordSize]byte
	binary.LittleEndian.PutUint32(b[0:4], r.RecordIdx)
	binary.LittleEndian.PutUint32(b[4:8], uint32(r.Token))
	evt := EncodeInputRecord(r.Event)
	copy(b[8:8+InputRecordSize], evt[:])
	off := 8 + InputRecordSize
	binary.LittleEndian.PutUint64(b[off:off+8], uint64(r.LTP))
	binary.LittleEndian.PutUint32(b[off+8:off+12], uint32(r.LTQ))
	b[off+12] = byte(r.BidAffectedLvl)
	b[off+13] = byte(r.AskAffectedLvl)
	b[off+14] = byte(r.BidFilledLvls)
	b[off+15] = byte(r.AskFilledLvls)
	b[off+16] = r.IsAsk
	// 3 padding bytes follow, left zero.
	off = referenceHeaderSize
	off = encodeLevels(b[:], off, r.Bids[:])
	encodeLevels(b[:], off, r.Asks[:])
	return b
}

func encodeLevels(b []byte, off int, levels []Level) int {
	for _, lvl := range levels {
		binary.LittleEndian.PutUint64(b[off:off+8], uint64(lvl.Price))
		binary.LittleEndian.PutUint32(b[off+8:off+12], uint32(lvl.Qty))
		binary.LittleEndian.PutUint32(b[off+12:off+16], uint32(lvl.NumOrders))
		off += levelSize
	}
	return off
}

func decodeLevels(b []byte, off int, out []Level) int {
	for i := range out {
		out[i] = Level{
			Price:     int64(binary.LittleEndian.Uint64(b[off : off+8])),
			Qty:       int32(binary.LittleEndian.Uint32(b[off+8 : off+12])),
			NumOrders: int32(binary.LittleEndian.Uint32(b[off+12 : off+16])),
		}
		off += levelSize
	}
	return off
}

func DecodeReferenceRecord(b []byte) (ReferenceRecord, error) {
	if len(b) < ReferenceRecordSize {
		return ReferenceRecord{}, ErrShortRecord
	}
	var r ReferenceRecord
	r.RecordIdx = binary.LittleEndian.Uint32(b[0:4])
	r.Token = Token(binary.LittleEndian.Uint32(b[4:8]))
	evt, err := DecodeInputRecord(b[8 : 8+InputRecordSize])
	if err != nil {
		return ReferenceRecord{}, err
	}
	r.Event = evt
	off := 8 + InputRecordSize
	r.LTP = int64(binary.LittleEndian.Uint64(b[off : off+8]))
	r.LTQ = int32(binary.LittleEndian.Uint32(b[off+8 : off+12]))
	r.BidAffectedLvl = int8(b[off+12])
	r.AskAffectedLvl = int8(b[off+13])
	r.BidFilledLvls = int8(b[off+14])
	r.AskFilledLvls = int8(b[off+15])
	r.IsAsk = b[off+16]
	off = referenceHeaderSize
	off = decodeLevels(b, off, r.Bids[:])
	decodeLevels(b, off, r.Asks[:])
	return r, nil
}
