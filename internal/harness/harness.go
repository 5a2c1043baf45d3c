// Package harness implements the out-of-scope collaborators spec.md §6
// treats as external: a file-backed InputRecord reader, an in-memory
// ChunkSink standing in for the shared-memory ring transport, a
// file-backed ReferenceRecord reader, and the comparison logic described
// in §7's "Validation flexibility". It wires these into a supervised
// goroutine tree, in the style of fenrir/internal/net's tomb-driven
// Server.
package harness

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"mbobook/internal/reconstructor"
	"mbobook/internal/runner"
	"mbobook/internal/wire"
)

// FileReader streams wire.InputRecord from a flat binary file.
type FileReader struct {
	r *bufio.Reader
	f *os.File
}

func OpenInputFile(path string) (*FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input file: %w", err)
	}
	return &FileReader{r: bufio.NewReader(f), f: f}, nil
}

func (fr *FileReader) Close() error { return fr.f.Close() }

// Next reads one InputRecord, returning io.EOF when the file is exhausted.
func (fr *FileReader) Next() (wire.InputRecord, error) {
	buf := make([]byte, wire.InputRecordSize)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		if err == io.ErrUnexpectedEOF {
			return wire.InputRecord{}, io.EOF
		}
		return wire.InputRecord{}, err
	}
	return wire.DecodeInputRecord(buf)
}

// RingSink is an in-memory, unbounded stand-in for the shared-memory ring
// transport spec.md §6 explicitly treats as an external collaborator. It
// is single-producer/single-consumer: Send appends, Drain consumes
// everything buffered so far.
type RingSink struct {
	buf []wire.DeltaChunk
}

func NewRingSink() *RingSink {
	return &RingSink{}
}

func (s *RingSink) Send(chunks []wire.DeltaChunk) {
	s.buf = append(s.buf, chunks...)
}

// Drain returns and clears everything buffered so far.
func (s *RingSink) Drain() []wire.DeltaChunk {
	out := s.buf
	s.buf = nil
	return out
}

var _ runner.ChunkSink = (*RingSink)(nil)

// ReferenceFileReader streams wire.ReferenceRecord from a flat binary
// file, used only by the validation harness.
type ReferenceFileReader struct {
	r *bufio.Reader
	f *os.File
}

func OpenReferenceFile(path string) (*ReferenceFileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open reference file: %w", err)
	}
	return &ReferenceFileReader{r: bufio.NewReader(f), f: f}, nil
}

func (rr *ReferenceFileReader) Close() error { return rr.f.Close() }

func (rr *ReferenceFileReader) Next() (wire.ReferenceRecord, error) {
	buf := make([]byte, wire.ReferenceRecordSize)
	if _, err := io.ReadFull(rr.r, buf); err != nil {
		if err == io.ErrUnexpectedEOF {
			return wire.ReferenceRecord{}, io.EOF
		}
		return wire.ReferenceRecord{}, err
	}
	return wire.DecodeReferenceRecord(buf)
}

// Divergence describes the first point at which a reconstructed snapshot
// disagreed with the reference record.
type Divergence struct {
	RecordIdx int
	Field     string
	Got       string
	Want      string
}

// Compare checks a reconstructed snapshot against a reference record,
// applying the tolerance spec.md §7 grants modifies: the reconstructor
// may report an affected level at or shallower than the reference.
func Compare(idx int, snap reconstructor.Snapshot, ref wire.ReferenceRecord) *Divergence {
	if snap.Price != ref.LTP && ref.LTP != 0 {
		return &Divergence{RecordIdx: idx, Field: "price", Got: fmt.Sprint(snap.Price), Want: fmt.Sprint(ref.LTP)}
	}
	if snap.TickType == 'M' {
		if snap.BidAffectedLvl > int(ref.BidAffectedLvl) {
			return &Divergence{RecordIdx: idx, Field: "bid_affected_lvl", Got: fmt.Sprint(snap.BidAffectedLvl), Want: fmt.Sprint(ref.BidAffectedLvl)}
		}
		if snap.AskAffectedLvl > int(ref.AskAffectedLvl) {
			return &Divergence{RecordIdx: idx, Field: "ask_affected_lvl", Got: fmt.Sprint(snap.AskAffectedLvl), Want: fmt.Sprint(ref.AskAffectedLvl)}
		}
	} else {
		if snap.BidAffectedLvl != int(ref.BidAffectedLvl) {
			return &Divergence{RecordIdx: idx, Field: "bid_affected_lvl", Got: fmt.Sprint(snap.BidAffectedLvl), Want: fmt.Sprint(ref.BidAffectedLvl)}
		}
		if snap.AskAffectedLvl != int(ref.AskAffectedLvl) {
			return &Divergence{RecordIdx: idx, Field: "ask_affected_lvl", Got: fmt.Sprint(snap.AskAffectedLvl), Want: fmt.Sprint(ref.AskAffectedLvl)}
		}
	}
	for i := 0; i < len(snap.Bids); i++ {
		if snap.Bids[i].Price != ref.Bids[i].Price || snap.Bids[i].Qty != int64(ref.Bids[i].Qty) {
			return &Divergence{RecordIdx: idx, Field: fmt.Sprintf("bids[%d]", i),
				Got:  fmt.Sprintf("{%d,%d}", snap.Bids[i].Price, snap.Bids[i].Qty),
				Want: fmt.Sprintf("{%d,%d}", ref.Bids[i].Price, ref.Bids[i].Qty)}
		}
		if snap.Asks[i].Price != ref.Asks[i].Price || snap.Asks[i].Qty != int64(ref.Asks[i].Qty) {
			return &Divergence{RecordIdx: idx, Field: fmt.Sprintf("asks[%d]", i),
				Got:  fmt.Sprintf("{%d,%d}", snap.Asks[i].Price, snap.Asks[i].Qty),
				Want: fmt.Sprintf("{%d,%d}", ref.Asks[i].Price, ref.Asks[i].Qty)}
		}
	}
	return nil
}

// recordingObserver adapts reconstructor.Observer into a simple sequential
// comparison against a reference stream, aborting on the first
// divergence (spec §6 "return false aborts processing").
type recordingObserver struct {
	refs       *ReferenceFileReader
	idx        int
	divergence *Divergence
	dump       bool
}

func (o *recordingObserver) OnBookUpdate(snap reconstructor.Snapshot) bool {
	if o.dump {
		log.Info().
			Int("idx", o.idx).
			Str("tick", string(snap.TickType)).
			Bool("isAsk", snap.IsAsk).
			Int64("price", snap.Price).
			Int64("qty", snap.Qty).
			Msg("snapshot")
	}
	if o.refs == nil {
		o.idx++
		return true
	}
	ref, err := o.refs.Next()
	if err == io.EOF {
		return true
	}
	if err != nil {
		log.Error().Err(err).Msg("harness: reading reference record")
		return false
	}
	if d := Compare(o.idx, snap, ref); d != nil {
		o.divergence = d
		log.Error().
			Int("recordIdx", d.RecordIdx).
			Str("field", d.Field).
			Str("got", d.Got).
			Str("want", d.Want).
			Msg("harness: divergence from reference")
		return false
	}
	o.idx++
	return true
}

// Result is the outcome of one Harness.Run.
type Result struct {
	EventsProcessed int
	Divergence      *Divergence
}

// Harness wires an InputRecord source, a Runner, a RingSink, and a
// Reconstructor together and drives the replay loop under tomb
// supervision, mirroring fenrir/internal/net.Server's Run/tomb pattern.
type Harness struct {
	inputs    *FileReader
	reference *ReferenceFileReader
	run       *runner.Runner
	sink      *RingSink
	recon     *reconstructor.Reconstructor
	observer  *recordingObserver
}

func New(inputs *FileReader, reference *ReferenceFileReader, run *runner.Runner, sink *RingSink, dump bool) *Harness {
	obs := &recordingObserver{refs: reference, dump: dump}
	return &Harness{
		inputs:    inputs,
		reference: reference,
		run:       run,
		sink:      sink,
		recon:     reconstructor.New(obs),
		observer:  obs,
	}
}

// Run drives input records through the runner, then the emitted chunks
// through the reconstructor, until EOF or a fatal divergence, supervised
// by a tomb so the read/apply pipeline can be torn down cleanly.
func (h *Harness) Run(ctx context.Context) (Result, error) {
	t, ctx := tomb.WithContext(ctx)
	var result Result
	var runErr error

	t.Go(func() error {
		for {
			select {
			case <-t.Dying():
				return nil
			default:
			}

			rec, err := h.inputs.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				runErr = fmt.Errorf("read input record: %w", err)
				return runErr
			}

			h.run.Route(rec)
			result.EventsProcessed++

			for _, chunk := range h.sink.Drain() {
				if !h.recon.Apply(chunk) {
					runErr = fmt.Errorf("reconstructor aborted at event %d", result.EventsProcessed)
					return runErr
				}
			}
		}
	})

	err := t.Wait()
	result.Divergence = h.observer.divergence
	if result.Divergence != nil {
		return result, nil
	}
	if err != nil {
		return result, err
	}
	return result, runErr
}
