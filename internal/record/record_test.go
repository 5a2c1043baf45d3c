package record

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mbobook/internal/wire"
)

func TestSessionFilenames(t *testing.T) {
	s := NewSession()
	assert.Contains(t, s.InputFilename(), s.RunID.String())
	assert.Contains(t, s.ReferenceFilename(), s.RunID.String())
	assert.NotEqual(t, s.InputFilename(), s.ReferenceFilename())
}

func TestWriteReadInputsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inputs.bin")

	records := []wire.InputRecord{
		{RecordIdx: 1, Token: 1, OrderID: 1, Price: 100, Qty: 10, TickType: 'N', IsAsk: 0},
		{RecordIdx: 2, Token: 1, OrderID: 1, Price: 100, Qty: 5, TickType: 'X'},
	}
	require.NoError(t, WriteInputs(path, false, records))

	got, err := ReadInputs(path, false)
	require.NoError(t, err)
	assert.Equal(t, records, got)
}

func TestWriteReadInputsZstdRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inputs.bin.zst")

	records := []wire.InputRecord{
		{RecordIdx: 1, Token: 2, OrderID: 9, Price: 200, Qty: 1, TickType: 'N'},
	}
	require.NoError(t, WriteInputs(path, false, records))

	got, err := ReadInputs(path, false)
	require.NoError(t, err)
	assert.Equal(t, records, got)
}

func TestWriteReadReferenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reference.bin")

	records := []wire.ReferenceRecord{
		{RecordIdx: 1, Token: 1, LTP: 100, LTQ: 10},
	}
	require.NoError(t, WriteReference(path, false, records))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	got, err := wire.DecodeReferenceRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, records[0], got)
}
