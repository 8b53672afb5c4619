package types

import (
	"fmt"

	"github.com/google/uuid"
)

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// Version is the commit timestamp shared by every mutation of a batch.
type Version = uint64

// EngineID identifies an import engine. It is chosen by the client.
type EngineID = uuid.UUID

// ParseEngineID converts the raw 16 bytes carried on the wire into an EngineID.
func ParseEngineID(raw []byte) (EngineID, error) {
	if len(raw) == 0 {
		return uuid.Nil, fmt.Errorf("engine id is empty")
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid engine id: %w", err)
	}
	return id, nil
}

// Op is the kind of a mutation.
type Op uint8

const (
	OpPut Op = iota
	OpDelete
)

func (op Op) String() string {
	switch op {
	case OpPut:
		return "Put"
	case OpDelete:
		return "Delete"
	default:
		return fmt.Sprintf("Op(%d)", uint8(op))
	}
}

// Mutation is a single logical change of a user key.
type Mutation struct {
	Op    Op
	Key   Key
	Value Value
}

// Put builds a put mutation.
func Put(key Key, value Value) Mutation {
	return Mutation{Op: OpPut, Key: key, Value: value}
}

// Delete builds a delete mutation.
func Delete(key Key) Mutation {
	return Mutation{Op: OpDelete, Key: key}
}

// WriteBatch groups mutations committed at the same version.
type WriteBatch struct {
	CommitVersion Version
	Mutations     []Mutation
}
