// Package transfer moves assets from the coordinator to seats as
// sequences of framed binary chunks, and decides which assets a seat
// is missing.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dalder6284/rtpc-app/internal/protocol"
)

// DefaultChunkSize is the raw payload size of every chunk but the last.
const DefaultChunkSize = 64 * 1024

// Digest returns the lowercase hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Sender splits assets into chunk frames.
type Sender struct {
	ChunkSize int
}

// Stream writes data as chunk frames answering req, in order, one
// write per frame. An empty asset is a single empty terminal chunk. It
// stops early if ctx is done.
func (s *Sender) Stream(ctx context.Context, req protocol.FileRequest, data []byte, write func(frame []byte) error) error {
	size := s.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	enc, err := ParseEncoding(req.Encoding)
	if err != nil {
		return err
	}

	header := protocol.ChunkHeader{
		ID:       req.AssetName(),
		Kind:     req.Kind,
		Total:    int64(len(data)),
		Transfer: req.Transfer,
	}
	for seq, offset := 0, 0; ; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(offset+size, len(data))
		raw := data[offset:end]

		payload, used, err := EncodePayload(enc, raw)
		if err != nil {
			return fmt.Errorf("encoding chunk %d of %s: %w", seq, header.ID, err)
		}
		header.Seq = seq
		header.IsLast = end == len(data)
		header.Encoding, header.Raw = "", 0
		if used != None {
			header.Encoding, header.Raw = string(used), len(raw)
		}

		frame, err := protocol.EncodeChunk(header, payload)
		if err != nil {
			return err
		}
		if err := write(frame); err != nil {
			return fmt.Errorf("writing chunk %d of %s: %w", seq, header.ID, err)
		}
		if header.IsLast {
			return nil
		}
		offset = end
	}
}
