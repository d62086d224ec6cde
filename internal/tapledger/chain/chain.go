// Package chain implements the ledger's tamper-evidence formula:
//
//	hash_chain = hex(sha256(hash_previous || canonical_json(raw_payload)))
//
// The genesis entry uses an empty hash_previous.
package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/BrandonDHaskell/tapledger/internal/tapledger/types"
)

var ErrEmptyPayload = errors.New("raw payload is empty")

// Canonicalize re-encodes a JSON document with object keys sorted, no
// insignificant whitespace and no HTML escaping. Numbers keep their
// original textual form.
func Canonicalize(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyPayload
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize decode: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("canonicalize: trailing data after JSON value")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/json writes map keys in sorted order.
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonicalize encode: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Hash computes the chain value for a payload given its predecessor's hash.
func Hash(hashPrevious string, rawPayload []byte) (string, error) {
	canon, err := Canonicalize(rawPayload)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(hashPrevious))
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Tap is the producer-side description of a physical card tap.
type Tap struct {
	EmployeeRFID  string
	DeviceID      string
	EventType     string
	ScanTimestamp time.Time
	// Extra is merged into the payload alongside the tap fields.
	Extra map[string]any
}

// Payload builds the raw payload edge readers write for a tap.
func (t Tap) Payload() (json.RawMessage, error) {
	m := make(map[string]any, len(t.Extra)+4)
	for k, v := range t.Extra {
		m[k] = v
	}
	m["employee_rfid"] = t.EmployeeRFID
	m["device_id"] = t.DeviceID
	m["event_type"] = t.EventType
	m["scan_timestamp"] = t.ScanTimestamp.UTC().Format(time.RFC3339Nano)
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("tap payload: %w", err)
	}
	return b, nil
}

// Sealer produces correctly chained ledger entries. It mirrors what an edge
// producer does and is used by dev seeding and tests.
type Sealer struct {
	nextSeq  int64
	lastHash string
}

// NewSealer starts a chain after the given entry. Pass a zero entry to start
// from genesis at sequence 1.
func NewSealer(after types.LedgerEntry) *Sealer {
	return &Sealer{nextSeq: after.SequenceID + 1, lastHash: after.HashChain}
}

// Seal returns the next entry in the chain for tap.
func (s *Sealer) Seal(t Tap) (types.LedgerEntry, error) {
	payload, err := t.Payload()
	if err != nil {
		return types.LedgerEntry{}, err
	}
	return s.SealPayload(t, payload)
}

// SealPayload is Seal with a caller-supplied payload.
func (s *Sealer) SealPayload(t Tap, payload json.RawMessage) (types.LedgerEntry, error) {
	h, err := Hash(s.lastHash, payload)
	if err != nil {
		return types.LedgerEntry{}, err
	}

	var ts *time.Time
	if !t.ScanTimestamp.IsZero() {
		v := t.ScanTimestamp.UTC()
		ts = &v
	}

	e := types.LedgerEntry{
		SequenceID:    s.nextSeq,
		EmployeeRFID:  t.EmployeeRFID,
		DeviceID:      t.DeviceID,
		EventType:     t.EventType,
		ScanTimestamp: ts,
		RawPayload:    payload,
		HashPrevious:  s.lastHash,
		HashChain:     h,
	}
	s.nextSeq++
	s.lastHash = h
	return e, nil
}

// Skip advances the sequence without emitting an entry, leaving a gap.
func (s *Sealer) Skip(n int64) {
	s.nextSeq += n
}
