package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Binary asset chunks are framed as
//
//	[4-byte big-endian header length L][L bytes JSON ChunkHeader][payload]
//
// The payload runs to the end of the websocket message.

// MaxHeaderSize bounds the JSON header of a chunk frame.
const MaxHeaderSize = 64 * 1024

// ErrMalformedFrame means a binary frame could not be split into
// header and payload. It is fatal to the transfer, not the connection.
var ErrMalformedFrame = errors.New("protocol: malformed chunk frame")

// ChunkHeader describes one chunk of an asset transfer.
type ChunkHeader struct {
	Type   Type   `json:"type"`
	ID     string `json:"id"`
	Kind   Kind   `json:"fileType"`
	IsLast bool   `json:"isLast"`

	// Seq numbers chunks of one transfer from 0.
	Seq int `json:"seq"`

	// Total is the asset's raw size in bytes.
	Total int64 `json:"total"`

	// Transfer echoes FileRequest.Transfer.
	Transfer string `json:"transfer,omitempty"`

	// Encoding names the payload compression; empty means none.
	Encoding string `json:"encoding,omitempty"`

	// Raw is the payload's uncompressed length when Encoding is set.
	Raw int `json:"raw,omitempty"`
}

// EncodeChunk builds a binary frame from h and payload.
func EncodeChunk(h ChunkHeader, payload []byte) ([]byte, error) {
	h.Type = TypeFileChunk
	header, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encoding chunk header: %w", err)
	}
	if len(header) > MaxHeaderSize {
		return nil, fmt.Errorf("chunk header is %d bytes, limit %d", len(header), MaxHeaderSize)
	}
	frame := make([]byte, 4+len(header)+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(header)))
	copy(frame[4:], header)
	copy(frame[4+len(header):], payload)
	return frame, nil
}

// DecodeChunk splits a binary frame into its header and payload. The
// payload aliases frame.
func DecodeChunk(frame []byte) (ChunkHeader, []byte, error) {
	var h ChunkHeader
	if len(frame) < 4 {
		return h, nil, fmt.Errorf("%w: %d bytes, need a 4-byte length prefix", ErrMalformedFrame, len(frame))
	}
	n := binary.BigEndian.Uint32(frame)
	if n > MaxHeaderSize {
		return h, nil, fmt.Errorf("%w: header length %d exceeds %d", ErrMalformedFrame, n, MaxHeaderSize)
	}
	if uint64(len(frame)-4) < uint64(n) {
		return h, nil, fmt.Errorf("%w: header length %d overruns %d-byte frame", ErrMalformedFrame, n, len(frame))
	}
	if err := json.Unmarshal(frame[4:4+n], &h); err != nil {
		return h, nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if h.ID == "" {
		return h, nil, fmt.Errorf("%w: header has no asset id", ErrMalformedFrame)
	}
	if h.Type != "" && h.Type != TypeFileChunk {
		return h, nil, fmt.Errorf("%w: header type %q", ErrMalformedFrame, h.Type)
	}
	return h, frame[4+n:], nil
}
