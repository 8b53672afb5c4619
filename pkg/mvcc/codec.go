package mvcc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"kvimport/pkg/kverrors"
	"kvimport/pkg/types"
)

const (
	// DefaultMaxKeySize bounds the user key length accepted by the codec.
	DefaultMaxKeySize = 4 * 1024

	encGroupSize = 8
	encMarker    = byte(0xFF)
	encPad       = byte(0x0)
	versionSize  = 8

	flagPut    = byte('P')
	flagDelete = byte('D')
)

var (
	ErrMalformedKey   = errors.New("mvcc: malformed encoded key")
	ErrMalformedValue = errors.New("mvcc: malformed encoded value")

	pads = make([]byte, encGroupSize)

	// Tombstone is the encoded value of a delete.
	Tombstone = []byte{flagDelete}
)

// Pair is an encoded key/value ready for the engine sink.
type Pair struct {
	Key   []byte
	Value []byte
}

// Codec turns mutations into the multi-version key layout:
// memcomparable(user key) | BigEndian(^version).
type Codec struct {
	MaxKeySize int
}

func NewCodec(maxKeySize int) Codec {
	if maxKeySize <= 0 {
		maxKeySize = DefaultMaxKeySize
	}
	return Codec{MaxKeySize: maxKeySize}
}

// Encode validates m and produces its encoded pair at version.
func (c Codec) Encode(m types.Mutation, version types.Version) (Pair, error) {
	if len(m.Key) == 0 {
		return Pair{}, fmt.Errorf("%w: empty key", kverrors.ErrInvalidMutation)
	}
	if len(m.Key) > c.MaxKeySize {
		return Pair{}, fmt.Errorf("%w: key size %d exceeds %d", kverrors.ErrInvalidMutation, len(m.Key), c.MaxKeySize)
	}

	var value []byte
	switch m.Op {
	case types.OpPut:
		value = make([]byte, 0, len(m.Value)+1)
		value = append(value, flagPut)
		value = append(value, m.Value...)
	case types.OpDelete:
		value = Tombstone
	default:
		return Pair{}, fmt.Errorf("%w: unknown op %s", kverrors.ErrInvalidMutation, m.Op)
	}

	return Pair{Key: EncodeKey(m.Key, version), Value: value}, nil
}

// EncodeKey appends the inverted version to the memcomparable user key, so
// newer versions of one user key sort first.
func EncodeKey(userKey []byte, version types.Version) []byte {
	buf := make([]byte, 0, (len(userKey)/encGroupSize+1)*(encGroupSize+1)+versionSize)
	buf = EncodeBytes(buf, userKey)
	return binary.BigEndian.AppendUint64(buf, ^version)
}

// DecodeKey splits an encoded key into the user key and its version.
func DecodeKey(encoded []byte) ([]byte, types.Version, error) {
	if len(encoded) < versionSize {
		return nil, 0, ErrMalformedKey
	}
	split := len(encoded) - versionSize
	rest, userKey, err := DecodeBytes(encoded[:split])
	if err != nil {
		return nil, 0, err
	}
	if len(rest) != 0 {
		return nil, 0, ErrMalformedKey
	}
	return userKey, ^binary.BigEndian.Uint64(encoded[split:]), nil
}

// DecodeValue returns the operation and the user value of an encoded value.
func DecodeValue(encoded []byte) (types.Op, []byte, error) {
	if len(encoded) == 0 {
		return 0, nil, ErrMalformedValue
	}
	switch encoded[0] {
	case flagPut:
		return types.OpPut, encoded[1:], nil
	case flagDelete:
		if len(encoded) != 1 {
			return 0, nil, ErrMalformedValue
		}
		return types.OpDelete, nil, nil
	default:
		return 0, nil, ErrMalformedValue
	}
}

// EncodeBytes appends the memcomparable form of data to b. Data is split into
// 8-byte groups, each followed by a marker holding 0xFF minus the padding, so
// no encoded value is a prefix of another.
func EncodeBytes(b []byte, data []byte) []byte {
	dLen := len(data)
	for idx := 0; idx <= dLen; idx += encGroupSize {
		remain := dLen - idx
		padCount := 0
		if remain >= encGroupSize {
			b = append(b, data[idx:idx+encGroupSize]...)
		} else {
			padCount = encGroupSize - remain
			b = append(b, data[idx:]...)
			b = append(b, pads[:padCount]...)
		}
		b = append(b, encMarker-byte(padCount))
	}
	return b
}

// DecodeBytes decodes one memcomparable value from the head of b.
func DecodeBytes(b []byte) ([]byte, []byte, error) {
	data := make([]byte, 0, len(b))
	for {
		if len(b) < encGroupSize+1 {
			return nil, nil, ErrMalformedKey
		}
		group := b[:encGroupSize]
		marker := b[encGroupSize]
		padCount := encMarker - marker
		if padCount > encGroupSize {
			return nil, nil, ErrMalformedKey
		}

		realGroupSize := encGroupSize - int(padCount)
		data = append(data, group[:realGroupSize]...)
		b = b[encGroupSize+1:]

		if padCount != 0 {
			for _, v := range group[realGroupSize:] {
				if v != encPad {
					return nil, nil, ErrMalformedKey
				}
			}
			return b, data, nil
		}
	}
}
