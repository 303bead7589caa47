package internal

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"
)

// DefaultMaxPayloadSize caps how far an outer wrapper may inflate when the
// manifest does not declare a decompressed size
const DefaultMaxPayloadSize int64 = 4 << 30

// ErrPayloadTooLarge is returned when a wrapped payload inflates past its limit
var ErrPayloadTooLarge = errors.New("payload exceeds size limit")

var (
	bzip2Magic = []byte("BZh")
	zstdMagic  = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// PayloadCompression names the outer wrapper found on a fetched payload
type PayloadCompression int

const (
	PayloadRaw PayloadCompression = iota
	PayloadBzip2
	PayloadZstd
)

func (c PayloadCompression) String() string {
	switch c {
	case PayloadBzip2:
		return "bzip2"
	case PayloadZstd:
		return "zstd"
	default:
		return "raw"
	}
}

// SniffPayloadCompression detects the outer wrapper from the leading magic.
// A BSDIFF40 patch, JSON manifest or game file is reported as raw.
func SniffPayloadCompression(data []byte) PayloadCompression {
	switch {
	case len(data) >= 4 && bytes.HasPrefix(data, bzip2Magic) && data[3] >= '1' && data[3] <= '9':
		return PayloadBzip2
	case bytes.HasPrefix(data, zstdMagic):
		return PayloadZstd
	default:
		return PayloadRaw
	}
}

// UnwrapPayload removes an outer bzip2 or zstd layer. Raw payloads are
// returned as is. limit <= 0 means DefaultMaxPayloadSize.
func UnwrapPayload(data []byte, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxPayloadSize
	}

	var (
		reader io.Reader
		closer func()
	)

	switch SniffPayloadCompression(data) {
	case PayloadBzip2:
		zr, err := bzip2.NewReader(bytes.NewReader(data), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create bzip2 reader: %w", err)
		}
		reader, closer = zr, func() { zr.Close() }
	case PayloadZstd:
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		reader, closer = zr, zr.Close
	default:
		return data, nil
	}
	defer closer()

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	if n > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrPayloadTooLarge, limit)
	}
	return buf.Bytes(), nil
}
