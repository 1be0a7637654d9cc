// Package noopcodec provides a codec that stores payloads as-is.
package noopcodec

import (
	"github.com/nestwell/querycache/internal/codec"
)

// Compile-time check that Codec implements codec.Codec.
var _ codec.Codec = (*Codec)(nil)

// Codec implements no compression.
type Codec struct{}

// New returns a new no-op codec.
func New() *Codec {
	return &Codec{}
}

func (c *Codec) ID() byte     { return codec.IDNone }
func (c *Codec) Name() string { return "none" }

// Compress returns src unchanged.
func (c *Codec) Compress(src []byte) ([]byte, error) { return src, nil }

// Decompress returns src unchanged.
func (c *Codec) Decompress(src []byte) ([]byte, error) { return src, nil }
