// Package zstdcodec provides a zstd compression codec.
package zstdcodec

import (
	"github.com/klauspost/compress/zstd"

	"github.com/nestwell/querycache/internal/codec"
)

// Compile-time check that Codec implements codec.Codec.
var _ codec.Codec = (*Codec)(nil)

// Codec implements zstd compression. It is safe for concurrent use.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New returns a zstd codec tuned for small payloads.
func New() (*Codec, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(64<<20),
	)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &Codec{encoder: enc, decoder: dec}, nil
}

func (c *Codec) ID() byte     { return codec.IDZstd }
func (c *Codec) Name() string { return "zstd" }

// Compress returns the zstd frame for src.
func (c *Codec) Compress(src []byte) ([]byte, error) {
	return c.encoder.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}

// Decompress decodes a zstd frame.
func (c *Codec) Decompress(src []byte) ([]byte, error) {
	return c.decoder.DecodeAll(src, nil)
}

// Close releases the decoder's goroutines.
func (c *Codec) Close() error {
	c.decoder.Close()
	return c.encoder.Close()
}
