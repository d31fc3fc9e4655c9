package model

import (
	"fmt"

	"github.com/google/uuid"
)

// TableID is the stable identifier of a table, never reused across drops.
type TableID struct {
	uuid.UUID
}

// NewTableID mints a fresh table identifier.
func NewTableID() TableID {
	return TableID{uuid.New()}
}

// ParseTableID parses a table ID previously rendered with String.
func ParseTableID(s string) (TableID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return TableID{}, fmt.Errorf("parsing table id %q: %w", s, err)
	}
	return TableID{u}, nil
}

// CommitID identifies a single DataCommitInfo.
type CommitID struct {
	uuid.UUID
}

// NewCommitID mints a fresh commit identifier.
func NewCommitID() CommitID {
	return CommitID{uuid.New()}
}

// ParseCommitID parses a commit ID previously rendered with String.
func ParseCommitID(s string) (CommitID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return CommitID{}, fmt.Errorf("parsing commit id %q: %w", s, err)
	}
	return CommitID{u}, nil
}

// Uuid is the wire representation of a UUID as two signed 64-bit halves,
// matching the catalog's protobuf Uuid{high, low} message (§6).
type Uuid struct {
	High int64
	Low  int64
}

// ToWire splits a uuid.UUID into its high/low 64-bit halves.
func ToWire(u uuid.UUID) Uuid {
	return Uuid{
		High: int64(beUint64(u[0:8])),
		Low:  int64(beUint64(u[8:16])),
	}
}

// FromWire reassembles a uuid.UUID from its high/low 64-bit halves.
func FromWire(w Uuid) uuid.UUID {
	var u uuid.UUID
	putBeUint64(u[0:8], uint64(w.High))
	putBeUint64(u[8:16], uint64(w.Low))
	return u
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func putBeUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
