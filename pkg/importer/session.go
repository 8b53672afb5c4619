package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"kvimport/pkg/importpb"
	"kvimport/pkg/kverrors"
	"kvimport/pkg/metrics"
	"kvimport/pkg/registry"
	"kvimport/pkg/types"
)

// Stream is the transport side of one write session.
type Stream interface {
	Context() context.Context
	Recv() (*importpb.WriteRequest, error)
	Send(*importpb.WriteResponse) error
}

type iRegistry interface {
	Acquire(id types.EngineID) (*registry.Handle, error)
}

// Handler serves write sessions against the engines of a registry.
type Handler struct {
	engines iRegistry
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewHandler(engines iRegistry, logger *slog.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engines: engines,
		logger:  logger,
		metrics: m,
	}
}

type state uint8

const (
	stateAwaitingHead state = iota
	stateStreaming
)

func (s state) String() string {
	if s == stateAwaitingHead {
		return "AwaitingHead"
	}
	return "Streaming"
}

type session struct {
	h      *Handler
	stream Stream
	logger *slog.Logger

	state   state
	id      types.EngineID
	summary importpb.WriteSummary
}

// errStreamEnded stops the receive loop after a fatal error response.
var errStreamEnded = errors.New("write stream ended")

// Serve runs one session until the client half-closes, a fatal error is
// reported or the transport fails. Structured errors are sent as responses
// and Serve returns nil; a transport or cancellation error is returned.
// The engine is never closed by a session.
func (h *Handler) Serve(stream Stream) error {
	h.metrics.OnStreamStart()
	defer h.metrics.OnStreamStop()

	s := &session{
		h:      h,
		stream: stream,
		logger: h.logger,
		state:  stateAwaitingHead,
	}

	err := s.run()
	if errors.Is(err, errStreamEnded) {
		return nil
	}
	return err
}

func (s *session) run() error {
	for {
		req, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return s.finish()
		}
		if err != nil {
			s.logger.Debug("write stream interrupted", "state", s.state, "error", err)
			return err
		}

		switch s.state {
		case stateAwaitingHead:
			err = s.onHead(req)
		case stateStreaming:
			err = s.onBatch(req)
		}
		if err != nil {
			return err
		}
	}
}

func (s *session) onHead(req *importpb.WriteRequest) error {
	if req.Head == nil || req.Batch != nil {
		return s.fail(fmt.Errorf("%w: first message must be a head", kverrors.ErrProtocolViolation), nil)
	}

	id, err := types.ParseEngineID(req.Head.UUID)
	if err != nil {
		return s.fail(fmt.Errorf("%w: %w", kverrors.ErrProtocolViolation, err), nil)
	}

	s.id = id
	s.state = stateStreaming
	s.logger = s.logger.With("uuid", id.String())
	s.logger.Debug("write stream started")
	return nil
}

func (s *session) onBatch(req *importpb.WriteRequest) error {
	index := s.summary.BatchesReceived
	if req.Batch == nil || req.Head != nil {
		return s.fail(fmt.Errorf("%w: expected a batch after the head", kverrors.ErrProtocolViolation), &index)
	}
	s.summary.BatchesReceived++

	batch := req.Batch.WriteBatch()
	err := s.apply(batch)
	kind := kverrors.KindOf(err)
	switch {
	case err == nil:
		s.summary.BatchesApplied++
		s.summary.MutationsWritten += uint64(len(batch.Mutations))
		s.h.metrics.OnBatchApplied(len(batch.Mutations), encodedSize(batch))
		return nil
	case kind.Fatal():
		return s.fail(err, &index)
	default:
		s.summary.BatchesRejected++
		s.h.metrics.OnWriteError(kind)
		s.logger.Debug("batch rejected", "batch", index, "kind", kind, "error", err)
		return s.send(&importpb.WriteResponse{Error: importpb.NewBatchError(err, index)})
	}
}

func (s *session) apply(batch types.WriteBatch) error {
	handle, err := s.h.engines.Acquire(s.id)
	if err != nil {
		return err
	}
	defer handle.Release()

	return handle.ApplyBatch(batch)
}

// fail reports a fatal error and ends the session.
func (s *session) fail(err error, index *uint64) error {
	kind := kverrors.KindOf(err)
	s.h.metrics.OnWriteError(kind)

	if kind == kverrors.KindProtocolViolation {
		s.logger.Debug("write stream protocol violation", "state", s.state, "error", err)
	} else {
		s.logger.Error("write stream failed", "kind", kind, "error", err)
	}

	resp := &importpb.WriteResponse{Error: importpb.NewError(err)}
	if index != nil {
		resp.Error.BatchIndex = index
	}
	if serr := s.send(resp); serr != nil {
		return serr
	}
	return errStreamEnded
}

func (s *session) finish() error {
	if s.state == stateAwaitingHead {
		return s.fail(fmt.Errorf("%w: stream ended before head", kverrors.ErrProtocolViolation), nil)
	}

	s.logger.Debug("write stream finished",
		"batches", s.summary.BatchesReceived,
		"applied", s.summary.BatchesApplied,
		"rejected", s.summary.BatchesRejected,
	)
	summary := s.summary
	if err := s.send(&importpb.WriteResponse{Summary: &summary}); err != nil {
		return err
	}
	return errStreamEnded
}

func (s *session) send(resp *importpb.WriteResponse) error {
	if err := s.stream.Send(resp); err != nil {
		return fmt.Errorf("failed to send write response: %w", err)
	}
	return nil
}

// encodedSize approximates the bytes a batch adds to an engine.
func encodedSize(b types.WriteBatch) uint64 {
	var n uint64
	for _, m := range b.Mutations {
		n += uint64(len(m.Key) + len(m.Value))
	}
	return n
}
