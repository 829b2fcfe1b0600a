package transfer

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Encoding is a per-chunk payload compression. Digests are always
// computed over the raw bytes, so encodings never affect staleness.
type Encoding string

const (
	None Encoding = "none"
	Zstd Encoding = "zstd"
	LZ4  Encoding = "lz4"
)

// ParseEncoding accepts "none", "zstd", "lz4" or "" (none).
func ParseEncoding(name string) (Encoding, error) {
	switch Encoding(name) {
	case "", None:
		return None, nil
	case Zstd:
		return Zstd, nil
	case LZ4:
		return LZ4, nil
	}
	return "", fmt.Errorf("unknown encoding %q", name)
}

var errIncompressible = errors.New("incompressible")

// zstd encoders and decoders are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("transfer: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("transfer: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodePayload compresses one chunk. It returns the encoding that was
// actually applied: a chunk that does not shrink is sent as None.
func EncodePayload(enc Encoding, raw []byte) ([]byte, Encoding, error) {
	var (
		out []byte
		err error
	)
	switch enc {
	case "", None:
		return raw, None, nil
	case Zstd:
		out = zstdEncoder.EncodeAll(raw, nil)
		if len(out) >= len(raw) {
			err = errIncompressible
		}
	case LZ4:
		out = make([]byte, lz4.CompressBlockBound(len(raw)))
		var n int
		n, err = lz4.CompressBlock(raw, out, nil)
		if err != nil {
			return nil, "", fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(raw) {
			err = errIncompressible
		}
		out = out[:n]
	default:
		return nil, "", fmt.Errorf("unsupported encoding %q", enc)
	}
	if errors.Is(err, errIncompressible) {
		return raw, None, nil
	}
	return out, enc, nil
}

// DecodePayload reverses EncodePayload. rawSize must equal the
// uncompressed length exactly.
func DecodePayload(enc Encoding, payload []byte, rawSize int) ([]byte, error) {
	switch enc {
	case "", None:
		return payload, nil
	case Zstd:
		out, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != rawSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), rawSize)
		}
		return out, nil
	case LZ4:
		out := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != rawSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, rawSize)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported encoding %q", enc)
}
