package chain_test

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/tapledger/internal/tapledger/chain"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/types"
)

// ── Canonicalize ─────────────────────────────────────────────────────────────

func TestCanonicalize_SortsKeysAndStripsWhitespace(t *testing.T) {
	got, err := chain.Canonicalize([]byte(`{ "z": 1, "a": {"y": true, "b": null},  "m": [3, 2] }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"b":null,"y":true},"m":[3,2],"z":1}`, string(got))
}

func TestCanonicalize_PreservesNumberText(t *testing.T) {
	got, err := chain.Canonicalize([]byte(`{"big":12345678901234567890,"f":1.50}`))
	require.NoError(t, err)
	assert.Equal(t, `{"big":12345678901234567890,"f":1.50}`, string(got))
}

func TestCanonicalize_NoHTMLEscaping(t *testing.T) {
	got, err := chain.Canonicalize([]byte(`{"note":"a<b>&c"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"note":"a<b>&c"}`, string(got))
}

func TestCanonicalize_RejectsEmptyAndTrailingData(t *testing.T) {
	_, err := chain.Canonicalize(nil)
	assert.ErrorIs(t, err, chain.ErrEmptyPayload)

	_, err = chain.Canonicalize([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)

	_, err = chain.Canonicalize([]byte(`{"a":`))
	assert.Error(t, err)
}

// ── Hash ─────────────────────────────────────────────────────────────────────

func TestHash_MatchesFormula(t *testing.T) {
	prev := "abc123"
	got, err := chain.Hash(prev, []byte(`{"b":2, "a":1}`))
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(prev + `{"a":1,"b":2}`))
	assert.Equal(t, hex.EncodeToString(sum[:]), got)
}

func TestHash_GenesisUsesEmptyPrevious(t *testing.T) {
	got, err := chain.Hash("", []byte(`{"a":1}`))
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(`{"a":1}`))
	assert.Equal(t, hex.EncodeToString(sum[:]), got)
	assert.Len(t, got, 64)
}

func TestHash_KeyOrderDoesNotMatter(t *testing.T) {
	a, err := chain.Hash("p", []byte(`{"x":1,"y":2}`))
	require.NoError(t, err)
	b, err := chain.Hash("p", []byte(`{"y":2,"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

// ── Sealer ───────────────────────────────────────────────────────────────────

func TestSealer_ProducesLinkedChain(t *testing.T) {
	s := chain.NewSealer(types.LedgerEntry{})
	t0 := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

	var entries []types.LedgerEntry
	for i := 0; i < 3; i++ {
		e, err := s.Seal(chain.Tap{
			EmployeeRFID:  "RFID-1",
			DeviceID:      "gate-1",
			EventType:     "clock_in",
			ScanTimestamp: t0.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		entries = append(entries, e)
	}

	assert.Equal(t, int64(1), entries[0].SequenceID)
	assert.Empty(t, entries[0].HashPrevious)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].SequenceID+1, entries[i].SequenceID)
		assert.Equal(t, entries[i-1].HashChain, entries[i].HashPrevious)
	}
	for _, e := range entries {
		want, err := chain.Hash(e.HashPrevious, e.RawPayload)
		require.NoError(t, err)
		assert.Equal(t, want, e.HashChain)
	}
}

func TestSealer_ContinuesAfterExistingEntry(t *testing.T) {
	s := chain.NewSealer(types.LedgerEntry{SequenceID: 41, HashChain: "deadbeef"})
	e, err := s.Seal(chain.Tap{EmployeeRFID: "R", DeviceID: "D", EventType: "clock_out", ScanTimestamp: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, int64(42), e.SequenceID)
	assert.Equal(t, "deadbeef", e.HashPrevious)
}

func TestSealer_ZeroTimestampLeavesScanTimestampNil(t *testing.T) {
	s := chain.NewSealer(types.LedgerEntry{})
	e, err := s.SealPayload(chain.Tap{EmployeeRFID: "R", DeviceID: "D", EventType: "clock_in"}, []byte(`{"raw":true}`))
	require.NoError(t, err)
	assert.Nil(t, e.ScanTimestamp)
}
