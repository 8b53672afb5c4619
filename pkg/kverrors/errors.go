package kverrors

import "errors"

var (
	ErrEngineNotFound      = errors.New("kvimport: engine not found")
	ErrEngineAlreadyExists = errors.New("kvimport: engine already exists")
	ErrInvalidMutation     = errors.New("kvimport: invalid mutation")
	ErrSinkWrite           = errors.New("kvimport: sink write failed")
	ErrProtocolViolation   = errors.New("kvimport: protocol violation")
	ErrClosed              = errors.New("kvimport: closed")
)

// Kind is the tag of an error carried back to clients.
type Kind uint8

const (
	KindNone Kind = iota
	KindEngineNotFound
	KindEngineAlreadyExists
	KindInvalidMutation
	KindSinkWrite
	KindProtocolViolation
	KindInternal
)

var kindNames = map[Kind]string{
	KindNone:                "None",
	KindEngineNotFound:      "EngineNotFound",
	KindEngineAlreadyExists: "EngineAlreadyExists",
	KindInvalidMutation:     "InvalidMutation",
	KindSinkWrite:           "SinkWriteError",
	KindProtocolViolation:   "ProtocolViolation",
	KindInternal:            "Internal",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Fatal reports whether an error of this kind terminates a write stream.
func (k Kind) Fatal() bool {
	switch k {
	case KindSinkWrite, KindProtocolViolation, KindInternal:
		return true
	default:
		return false
	}
}

// KindOf classifies err. Errors outside the taxonomy are Internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrEngineNotFound):
		return KindEngineNotFound
	case errors.Is(err, ErrEngineAlreadyExists):
		return KindEngineAlreadyExists
	case errors.Is(err, ErrInvalidMutation):
		return KindInvalidMutation
	case errors.Is(err, ErrSinkWrite):
		return KindSinkWrite
	case errors.Is(err, ErrProtocolViolation):
		return KindProtocolViolation
	default:
		return KindInternal
	}
}

// Sentinel returns the sentinel error for k, or nil for KindNone.
func (k Kind) Sentinel() error {
	switch k {
	case KindNone:
		return nil
	case KindEngineNotFound:
		return ErrEngineNotFound
	case KindEngineAlreadyExists:
		return ErrEngineAlreadyExists
	case KindInvalidMutation:
		return ErrInvalidMutation
	case KindSinkWrite:
		return ErrSinkWrite
	case KindProtocolViolation:
		return ErrProtocolViolation
	default:
		return errors.New("kvimport: internal error")
	}
}
