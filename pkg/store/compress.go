package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// compressor wraps a zstd encoder/decoder pair for checkpoint payloads.
type compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// newCompressor creates a compressor. Levels 1..4 map to the zstd speed
// presets, fastest to best.
func newCompressor(level int) (*compressor, error) {
	encLevel := zstd.SpeedDefault
	switch level {
	case 1:
		encLevel = zstd.SpeedFastest
	case 2:
		encLevel = zstd.SpeedDefault
	case 3:
		encLevel = zstd.SpeedBetterCompression
	case 4:
		encLevel = zstd.SpeedBestCompression
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	return &compressor{encoder: encoder, decoder: decoder}, nil
}

func (c *compressor) compress(data []byte) []byte {
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)))
}

func (c *compressor) decompress(data []byte) ([]byte, error) {
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}
	return out, nil
}

func (c *compressor) close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}
