// Package codecs builds a codec.Framer from a codec name.
package codecs

import (
	"fmt"

	"github.com/nestwell/querycache/internal/codec"
	"github.com/nestwell/querycache/internal/codec/gzipcodec"
	"github.com/nestwell/querycache/internal/codec/noopcodec"
	"github.com/nestwell/querycache/internal/codec/zstdcodec"
)

// Names lists the accepted codec names.
var Names = []string{"none", "gzip", "zstd"}

// NewFramer returns a Framer writing with the named codec. Entries written
// by any other known codec stay readable.
func NewFramer(name string, minSize int) (*codec.Framer, error) {
	z, err := zstdcodec.New()
	if err != nil {
		return nil, fmt.Errorf("creating zstd codec: %w", err)
	}
	gz := gzipcodec.New()

	var preferred codec.Codec
	switch name {
	case "", "none":
		preferred = noopcodec.New()
	case "gzip":
		preferred = gz
	case "zstd":
		preferred = z
	default:
		z.Close()
		return nil, fmt.Errorf("%w: %q", codec.ErrUnknownCodec, name)
	}
	return codec.NewFramer(preferred, minSize, gz, z), nil
}
