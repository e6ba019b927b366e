package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4"
)

// Blob format: one tag byte followed by the payload. Incompressible blobs
// are stored raw so decoding never depends on compression having won.
const (
	tagRaw byte = 0
	tagLZ4 byte = 1
)

// Compress encodes data for storage, compressing with LZ4 when that actually
// shrinks the blob.
func Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{tagRaw}, nil
	}

	buf := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, buf, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compression failed: %w", err)
	}

	if n == 0 || n >= len(data) {
		out := make([]byte, 1+len(data))
		out[0] = tagRaw
		copy(out[1:], data)
		return out, nil
	}

	// tag + original size + compressed payload
	out := make([]byte, 1+4+n)
	out[0] = tagLZ4
	binary.BigEndian.PutUint32(out[1:5], uint32(len(data)))
	copy(out[5:], buf[:n])
	return out, nil
}

// Decompress decodes a blob written by Compress.
func Decompress(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("empty blob")
	}

	switch blob[0] {
	case tagRaw:
		out := make([]byte, len(blob)-1)
		copy(out, blob[1:])
		return out, nil
	case tagLZ4:
		if len(blob) < 5 {
			return nil, fmt.Errorf("truncated lz4 blob")
		}
		origSize := binary.BigEndian.Uint32(blob[1:5])
		out := make([]byte, origSize)
		n, err := lz4.UncompressBlock(blob[5:], out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompression failed: %w", err)
		}
		return out[:n], nil
	default:
		return nil, fmt.Errorf("unknown blob tag %d", blob[0])
	}
}
