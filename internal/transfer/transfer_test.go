package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/dalder6284/rtpc-app/internal/protocol"
)

// stream runs a Sender and returns the frames it wrote.
func stream(t *testing.T, chunkSize int, req protocol.FileRequest, data []byte) [][]byte {
	t.Helper()
	var frames [][]byte
	s := &Sender{ChunkSize: chunkSize}
	err := s.Stream(context.Background(), req, data, func(frame []byte) error {
		frames = append(frames, frame)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	return frames
}

func feed(t *testing.T, a *Assembler, frames [][]byte) (*Completed, error) {
	t.Helper()
	var done *Completed
	for i, frame := range frames {
		header, payload, err := protocol.DecodeChunk(frame)
		if err != nil {
			t.Fatalf("DecodeChunk(frame %d): %v", i, err)
		}
		completed, err := a.Accept(header, payload)
		if err != nil {
			return nil, err
		}
		if completed != nil {
			if i != len(frames)-1 {
				t.Fatalf("completed at frame %d of %d", i, len(frames))
			}
			done = completed
		}
	}
	return done, nil
}

func TestRoundTrip(t *testing.T) {
	text := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 400)
	random := make([]byte, 5000)
	if _, err := rand.Read(random); err != nil {
		t.Fatal(err)
	}

	for _, enc := range []Encoding{None, Zstd, LZ4} {
		for name, data := range map[string][]byte{"text": text, "random": random, "empty": {}} {
			k := Key{Kind: protocol.KindPatch, Name: name}
			req := protocol.FileRequest{ID: name, Kind: k.Kind, Transfer: "t1", Encoding: string(enc)}
			frames := stream(t, 1024, req, data)

			wantFrames := (len(data) + 1023) / 1024
			if wantFrames == 0 {
				wantFrames = 1
			}
			if len(frames) != wantFrames {
				t.Fatalf("%s/%s: %d frames, want %d", enc, name, len(frames), wantFrames)
			}

			a := NewAssembler()
			a.Begin(k, Digest(data), "t1")
			got, err := feed(t, a, frames)
			if err != nil {
				t.Fatalf("%s/%s: %v", enc, name, err)
			}
			if got == nil {
				t.Fatalf("%s/%s: never completed", enc, name)
			}
			if got.Hash != Digest(data) || !bytes.Equal(got.Data, data) {
				t.Fatalf("%s/%s: reassembled bytes differ", enc, name)
			}
		}
	}
}

func TestDuplicateTerminalChunkRejected(t *testing.T) {
	data := []byte("abcdefghij")
	k := Key{Kind: protocol.KindSheet, Name: "verse"}
	frames := stream(t, 4, protocol.FileRequest{ID: "verse", Kind: k.Kind}, data)

	a := NewAssembler()
	a.Begin(k, Digest(data), "")
	if _, err := feed(t, a, frames); err != nil {
		t.Fatalf("feed: %v", err)
	}
	header, payload, _ := protocol.DecodeChunk(frames[len(frames)-1])
	if _, err := a.Accept(header, payload); !errors.Is(err, ErrUnexpectedChunk) {
		t.Fatalf("duplicate terminal chunk error = %v, want ErrUnexpectedChunk", err)
	}
}

func TestBeginDiscardsPartialBuffer(t *testing.T) {
	data := []byte("0123456789")
	k := Key{Kind: protocol.KindPatch, Name: "lead"}
	req := protocol.FileRequest{ID: "lead", Kind: k.Kind}
	frames := stream(t, 3, req, data)

	a := NewAssembler()
	a.Begin(k, Digest(data), "")
	if _, err := feed(t, a, frames[:2]); err != nil {
		t.Fatalf("partial feed: %v", err)
	}

	// Re-request: the restart begins again from chunk 0.
	a.Begin(k, Digest(data), "")
	got, err := feed(t, a, frames)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got == nil || !bytes.Equal(got.Data, data) {
		t.Fatal("restart did not reproduce the asset")
	}
}

func TestSequenceGapClosesTransfer(t *testing.T) {
	data := []byte("0123456789")
	k := Key{Kind: protocol.KindPatch, Name: "lead"}
	frames := stream(t, 3, protocol.FileRequest{ID: "lead", Kind: k.Kind}, data)

	a := NewAssembler()
	a.Begin(k, Digest(data), "")
	_, err := feed(t, a, [][]byte{frames[0], frames[2]})
	if !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("err = %v, want ErrSequenceGap", err)
	}
	if a.Open(k) {
		t.Fatal("transfer still open after a gap")
	}
}

func TestStaleTransferIgnored(t *testing.T) {
	data := []byte("0123456789")
	k := Key{Kind: protocol.KindPatch, Name: "lead"}
	old := stream(t, 4, protocol.FileRequest{ID: "lead", Kind: k.Kind, Transfer: "old"}, data)
	current := stream(t, 4, protocol.FileRequest{ID: "lead", Kind: k.Kind, Transfer: "new"}, data)

	a := NewAssembler()
	a.Begin(k, Digest(data), "new")
	if _, err := feed(t, a, old[:1]); !errors.Is(err, ErrStaleTransfer) {
		t.Fatalf("err = %v, want ErrStaleTransfer", err)
	}
	got, err := feed(t, a, current)
	if err != nil || got == nil {
		t.Fatalf("current transfer: %v, %v", got, err)
	}
}

func TestHashMismatch(t *testing.T) {
	data := []byte("edited since last session")
	k := Key{Kind: protocol.KindSheet, Name: "verse"}
	frames := stream(t, 8, protocol.FileRequest{ID: "verse", Kind: k.Kind}, data)

	a := NewAssembler()
	a.Begin(k, Digest([]byte("original")), "")
	if _, err := feed(t, a, frames); !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("err = %v, want ErrHashMismatch", err)
	}
	if a.Len() != 0 {
		t.Fatalf("open transfers = %d, want 0", a.Len())
	}
}

func TestStreamStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sender{ChunkSize: 2}
	writes := 0
	err := s.Stream(ctx, protocol.FileRequest{ID: "x", Kind: protocol.KindPatch}, []byte("abcdefgh"), func([]byte) error {
		writes++
		if writes == 2 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Stream = %v, want context.Canceled", err)
	}
	if writes != 2 {
		t.Fatalf("writes = %d, want 2", writes)
	}
}

func TestReconcile(t *testing.T) {
	manifest := protocol.FileManifest{
		Seat: 1,
		PatchFiles: []protocol.FileEntry{
			{Name: "lead", Hash: "aa"},
			{Name: "pad", Hash: "bb"},
			{Name: "lead", Hash: "aa"},
		},
		SheetFiles: []protocol.FileEntry{
			{Name: "verse", Hash: "cc"},
			{Name: "lead", Hash: "dd"},
		},
	}
	local := map[Key]string{
		{Kind: protocol.KindPatch, Name: "lead"}:  "aa",
		{Kind: protocol.KindPatch, Name: "pad"}:   "stale",
		{Kind: protocol.KindSheet, Name: "verse"}: "cc",
	}

	wants := Reconcile(manifest, local)
	got := make([]string, len(wants))
	for i, w := range wants {
		got[i] = w.String()
	}
	want := []string{"patch/pad", "sheet/lead"}
	if len(got) != len(want) {
		t.Fatalf("Reconcile = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Reconcile = %v, want %v", got, want)
		}
	}

	// Same inputs, same answer.
	again := Reconcile(manifest, local)
	if len(again) != len(wants) {
		t.Fatalf("second Reconcile = %d wants, first had %d", len(again), len(wants))
	}

	if n := len(Reconcile(manifest, map[Key]string{})); n != 4 {
		t.Fatalf("empty cache wants %d, want 4", n)
	}
}

func TestIncompressibleFallsBackToNone(t *testing.T) {
	raw := make([]byte, 256)
	if _, err := rand.Read(raw); err != nil {
		t.Fatal(err)
	}
	for _, enc := range []Encoding{Zstd, LZ4} {
		payload, used, err := EncodePayload(enc, raw)
		if err != nil {
			t.Fatalf("EncodePayload(%s): %v", enc, err)
		}
		if used != None || !bytes.Equal(payload, raw) {
			t.Fatalf("EncodePayload(%s) used %s on random bytes", enc, used)
		}
	}
}

func TestParseEncoding(t *testing.T) {
	if enc, err := ParseEncoding(""); err != nil || enc != None {
		t.Fatalf("ParseEncoding(\"\") = %q, %v", enc, err)
	}
	if _, err := ParseEncoding("gzip"); err == nil {
		t.Fatal("expected error for gzip")
	}
}
