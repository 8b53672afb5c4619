// Package importpb holds the wire messages of the ImportKV service and the
// gRPC plumbing that carries them as msgpack.
package importpb

import (
	"fmt"

	"kvimport/pkg/kverrors"
	"kvimport/pkg/types"
)

type Mutation struct {
	Op    uint8  `msgpack:"op"`
	Key   []byte `msgpack:"key"`
	Value []byte `msgpack:"value,omitempty"`
}

type WriteBatch struct {
	CommitTs  uint64     `msgpack:"commit_ts"`
	Mutations []Mutation `msgpack:"mutations"`
}

type WriteHead struct {
	UUID []byte `msgpack:"uuid"`
}

// WriteRequest carries exactly one of Head or Batch.
type WriteRequest struct {
	Head  *WriteHead  `msgpack:"head,omitempty"`
	Batch *WriteBatch `msgpack:"batch,omitempty"`
}

// Error is the structured failure returned to clients. BatchIndex is set
// when the error refers to a batch of a write stream.
type Error struct {
	Kind       kverrors.Kind `msgpack:"kind"`
	Message    string        `msgpack:"message"`
	BatchIndex *uint64       `msgpack:"batch_index,omitempty"`
}

// WriteSummary is the final acknowledgement of a write stream.
type WriteSummary struct {
	BatchesReceived  uint64 `msgpack:"batches_received"`
	BatchesApplied   uint64 `msgpack:"batches_applied"`
	BatchesRejected  uint64 `msgpack:"batches_rejected"`
	MutationsWritten uint64 `msgpack:"mutations_written"`
}

type WriteResponse struct {
	Error   *Error        `msgpack:"error,omitempty"`
	Summary *WriteSummary `msgpack:"summary,omitempty"`
}

type OpenRequest struct {
	UUID []byte `msgpack:"uuid"`
}

type OpenResponse struct {
	Error *Error `msgpack:"error,omitempty"`
}

type CloseRequest struct {
	UUID []byte `msgpack:"uuid"`
}

type CloseResponse struct {
	Error *Error `msgpack:"error,omitempty"`
}

// NewError converts err into its wire form; nil stays nil.
func NewError(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    kverrors.KindOf(err),
		Message: err.Error(),
	}
}

// NewBatchError is NewError tagged with the index of the failed batch.
func NewBatchError(err error, index uint64) *Error {
	e := NewError(err)
	if e != nil {
		e.BatchIndex = &index
	}
	return e
}

// Err turns the wire error back into an error matching the kind sentinel.
func (e *Error) Err() error {
	if e == nil || e.Kind == kverrors.KindNone {
		return nil
	}
	if e.BatchIndex != nil {
		return fmt.Errorf("%w: batch %d: %s", e.Kind.Sentinel(), *e.BatchIndex, e.Message)
	}
	return fmt.Errorf("%w: %s", e.Kind.Sentinel(), e.Message)
}

func NewMutation(m types.Mutation) Mutation {
	return Mutation{Op: uint8(m.Op), Key: m.Key, Value: m.Value}
}

func NewBatch(b types.WriteBatch) *WriteBatch {
	muts := make([]Mutation, len(b.Mutations))
	for i, m := range b.Mutations {
		muts[i] = NewMutation(m)
	}
	return &WriteBatch{CommitTs: b.CommitVersion, Mutations: muts}
}

// WriteBatch converts the wire batch to the domain type. Op values are
// passed through untouched and validated by the engine.
func (b *WriteBatch) WriteBatch() types.WriteBatch {
	muts := make([]types.Mutation, len(b.Mutations))
	for i, m := range b.Mutations {
		muts[i] = types.Mutation{Op: types.Op(m.Op), Key: m.Key, Value: m.Value}
	}
	return types.WriteBatch{CommitVersion: b.CommitTs, Mutations: muts}
}
