package transfer

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/dalder6284/rtpc-app/internal/protocol"
)

var (
	// ErrUnexpectedChunk means no transfer is open for the chunk's
	// asset, including a duplicate terminal chunk after completion.
	ErrUnexpectedChunk = errors.New("transfer: chunk for no open transfer")

	// ErrStaleTransfer means the chunk belongs to a superseded request.
	// The open transfer is left intact.
	ErrStaleTransfer = errors.New("transfer: chunk from a superseded request")

	// ErrSequenceGap means a chunk arrived out of order.
	ErrSequenceGap = errors.New("transfer: chunk sequence gap")

	// ErrSizeMismatch means the reassembled asset has the wrong length.
	ErrSizeMismatch = errors.New("transfer: size mismatch")

	// ErrHashMismatch means the reassembled asset does not match the
	// manifest digest.
	ErrHashMismatch = errors.New("transfer: hash mismatch")
)

// Key names an asset within its kind.
type Key struct {
	Kind protocol.Kind
	Name string
}

func (k Key) String() string { return string(k.Kind) + "/" + k.Name }

// Completed is a verified, reassembled asset.
type Completed struct {
	Key
	Hash string
	Data []byte
}

type pending struct {
	hash     string
	transfer string
	next     int
	buf      bytes.Buffer
}

// Assembler reassembles chunks per asset. It is not safe for
// concurrent use; one seat's event loop owns it.
type Assembler struct {
	open map[Key]*pending
}

// NewAssembler returns an Assembler with no open transfers.
func NewAssembler() *Assembler {
	return &Assembler{open: make(map[Key]*pending)}
}

// Begin opens a transfer for k, discarding any partial buffer from an
// earlier request. hash is the expected digest; transfer is the id the
// chunks will echo, or empty to match on name alone.
func (a *Assembler) Begin(k Key, hash, transfer string) {
	a.open[k] = &pending{hash: hash, transfer: transfer}
}

// Accept applies one decoded chunk. It returns the completed asset on a
// verified terminal chunk and nil otherwise. Any error other than
// ErrStaleTransfer closes the transfer for that asset.
func (a *Assembler) Accept(h protocol.ChunkHeader, payload []byte) (*Completed, error) {
	k := Key{Kind: h.Kind, Name: h.ID}
	p, ok := a.open[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedChunk, k)
	}
	if p.transfer != "" && h.Transfer != "" && h.Transfer != p.transfer {
		return nil, fmt.Errorf("%w: %s transfer %s, want %s", ErrStaleTransfer, k, h.Transfer, p.transfer)
	}
	if h.Seq != p.next {
		delete(a.open, k)
		return nil, fmt.Errorf("%w: %s got chunk %d, want %d", ErrSequenceGap, k, h.Seq, p.next)
	}

	raw, err := DecodePayload(Encoding(h.Encoding), payload, h.Raw)
	if err != nil {
		delete(a.open, k)
		return nil, fmt.Errorf("%s chunk %d: %w", k, h.Seq, err)
	}
	p.buf.Write(raw)
	p.next++
	if !h.IsLast {
		return nil, nil
	}

	delete(a.open, k)
	data := p.buf.Bytes()
	if h.Total > 0 && int64(len(data)) != h.Total {
		return nil, fmt.Errorf("%w: %s is %d bytes, header says %d", ErrSizeMismatch, k, len(data), h.Total)
	}
	digest := Digest(data)
	if p.hash != "" && digest != p.hash {
		return nil, fmt.Errorf("%w: %s is %s, want %s", ErrHashMismatch, k, digest, p.hash)
	}
	return &Completed{Key: k, Hash: digest, Data: data}, nil
}

// Abandon drops the transfer for k, if any.
func (a *Assembler) Abandon(k Key) { delete(a.open, k) }

// Reset drops every open transfer.
func (a *Assembler) Reset() { clear(a.open) }

// Open reports whether a transfer is in progress for k.
func (a *Assembler) Open(k Key) bool {
	_, ok := a.open[k]
	return ok
}

// Len returns the number of open transfers.
func (a *Assembler) Len() int { return len(a.open) }
