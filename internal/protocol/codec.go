package protocol

import (
	"errors"
	"fmt"
)

// Codec tags carried as the first byte of every frame.
const (
	TagBinary byte = 1
	TagJSON   byte = 2
)

// ErrUnknownProtocol is returned for a codec tag that is neither binary
// nor JSON. The frame is discarded; the peer is speaking an unknown dialect.
var ErrUnknownProtocol = errors.New("unknown protocol tag")

// Codec serializes and deserializes whole messages. Implementations are
// stateless and safe for concurrent use.
type Codec interface {
	Marshal(msg *Message) ([]byte, error)
	Unmarshal(data []byte) (*Message, error)
	Tag() byte
	Name() string
}

// CodecForTag maps a frame tag byte to its codec. An unrecognized tag is
// rejected immediately, never silently defaulted.
func CodecForTag(tag byte) (Codec, error) {
	switch tag {
	case TagBinary:
		return BinaryCodec{}, nil
	case TagJSON:
		return JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownProtocol, tag)
	}
}
