package store

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// Stored fit requests can carry full counts cubes; they are archived
// compressed, with an xxHash64 checksum as the payload identity.

var encoderPool = sync.Pool{
	New: func() interface{} {
		encoder, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
		)
		if err != nil {
			// Only possible with invalid options.
			panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
		}
		return encoder
	},
}

var decoderPool = sync.Pool{
	New: func() interface{} {
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
		}
		return decoder
	},
}

// Compress returns the zstd-compressed form of data.
func Compress(data []byte) []byte {
	encoder := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(encoder)
	// EncodeAll is stateless, safe with a pooled encoder.
	return encoder.EncodeAll(data, nil)
}

// Decompress reverses Compress. It returns an error for corrupted or
// non-zstd input.
func Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	decoder := decoderPool.Get().(*zstd.Decoder)
	defer decoderPool.Put(decoder)
	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	return out, nil
}

// Checksum computes the xxHash64 of the uncompressed payload, printed
// as fixed-width hex.
func Checksum(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}
