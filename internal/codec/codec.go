// Package codec compresses encoded cache entries.
//
// Every stored payload starts with a one-byte codec ID so entries written
// with one codec stay readable after the configured codec changes.
package codec

import (
	"errors"
	"fmt"
)

// ErrUnknownCodec is returned when a payload carries an unregistered codec ID.
var ErrUnknownCodec = errors.New("codec: unknown codec")

// ErrEmptyFrame is returned when decoding a zero-length payload.
var ErrEmptyFrame = errors.New("codec: empty frame")

// Well-known codec IDs.
const (
	IDNone byte = 0
	IDGzip byte = 1
	IDZstd byte = 2
)

// Codec compresses and decompresses byte slices.
type Codec interface {
	// ID is the tag written in front of every payload this codec produces.
	ID() byte
	// Name returns a short human-readable name (e.g., "zstd").
	Name() string
	// Compress returns the compressed form of src.
	Compress(src []byte) ([]byte, error)
	// Decompress reverses Compress.
	Decompress(src []byte) ([]byte, error)
}

// Framer tags payloads with the codec that produced them.
// Payloads shorter than the threshold are stored uncompressed.
type Framer struct {
	preferred Codec
	minSize   int
	known     map[byte]Codec
}

// NewFramer returns a Framer that compresses payloads of at least minSize
// bytes with preferred. Every codec that may appear in stored payloads must
// be passed in known or be the preferred one.
func NewFramer(preferred Codec, minSize int, known ...Codec) *Framer {
	f := &Framer{
		preferred: preferred,
		minSize:   minSize,
		known:     make(map[byte]Codec, len(known)+1),
	}
	for _, c := range known {
		f.known[c.ID()] = c
	}
	if preferred != nil {
		f.known[preferred.ID()] = preferred
	}
	return f
}

// Encode frames payload.
func (f *Framer) Encode(payload []byte) ([]byte, error) {
	if f.preferred == nil || f.preferred.ID() == IDNone || len(payload) < f.minSize {
		return frame(IDNone, payload), nil
	}
	compressed, err := f.preferred.Compress(payload)
	if err != nil {
		return nil, fmt.Errorf("compressing with %s: %w", f.preferred.Name(), err)
	}
	if len(compressed) >= len(payload) {
		return frame(IDNone, payload), nil
	}
	return frame(f.preferred.ID(), compressed), nil
}

// Decode unframes data produced by Encode.
func (f *Framer) Decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	id, body := data[0], data[1:]
	if id == IDNone {
		return body, nil
	}
	c, ok := f.known[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownCodec, id)
	}
	out, err := c.Decompress(body)
	if err != nil {
		return nil, fmt.Errorf("decompressing with %s: %w", c.Name(), err)
	}
	return out, nil
}

func frame(id byte, body []byte) []byte {
	out := make([]byte, 0, len(body)+1)
	out = append(out, id)
	return append(out, body...)
}
