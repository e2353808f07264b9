// Package wire implements the frame codec shared by every peer stream: an
// eight byte little-endian length followed by that many bytes of CBOR.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

const (
	headerSize = 8
	// MaxFrameSize bounds the declared payload length of a single frame.
	MaxFrameSize = 16 << 20
)

var (
	ErrSerializationFailed   = errors.New("serialization failed")
	ErrDeserializationFailed = errors.New("deserialization failed")
	ErrFailedToWriteStream   = errors.New("failed to write stream")
	ErrFailedToReadStream    = errors.New("failed to read stream")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.ByteArray = cbor.ByteArrayToByteSlice
	var err error
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor dec mode: %v", err))
	}
}

// Marshal encodes v with the deterministic CBOR profile used on the wire.
func Marshal(v any) ([]byte, error) {
	payload, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}
	return payload, nil
}

// Unmarshal decodes a CBOR payload produced by Marshal.
func Unmarshal(payload []byte, v any) error {
	if err := decMode.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDeserializationFailed, err)
	}
	return nil
}

// Write sends v as a single frame. Header and payload go out in one write so a
// frame is never interleaved with another writer's bytes.
func Write(w io.Writer, v any) error {
	payload, err := Marshal(v)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrSerializationFailed, len(payload))
	}
	frame := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint64(frame[:headerSize], uint64(len(payload)))
	copy(frame[headerSize:], payload)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToWriteStream, err)
	}
	return nil
}

// Read receives one frame into v. A stream that ends cleanly on a frame
// boundary yields io.EOF; anything shorter than a full frame is a read failure.
func Read(r io.Reader, v any) error {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("%w: header: %v", ErrFailedToReadStream, err)
	}
	size := binary.LittleEndian.Uint64(header[:])
	if size > MaxFrameSize {
		return fmt.Errorf("%w: declared frame length %d exceeds %d", ErrDeserializationFailed, size, MaxFrameSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrFailedToReadStream, err)
	}
	return Unmarshal(payload, v)
}
