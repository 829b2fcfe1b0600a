// Package catalog holds the coordinator's authoritative assets and
// phases. A Catalog is an immutable snapshot; reloading builds a new
// one and the coordinator swaps it in.
package catalog

import (
	"context"
	"fmt"
	"sort"

	"github.com/dalder6284/rtpc-app/internal/protocol"
	"github.com/dalder6284/rtpc-app/internal/transfer"
)

// Asset is one patch or sheet with its bytes loaded.
type Asset struct {
	ID    string
	Kind  protocol.Kind
	Label string
	Color string
	Data  []byte
	Hash  string
}

// Size is the asset's length in bytes.
func (a *Asset) Size() int64 { return int64(len(a.Data)) }

// Phase is an authored segment of the performance.
type Phase struct {
	ID          string
	Name        string
	BPM         float64
	CountIn     int
	Index       int
	Assignments map[protocol.Seat]protocol.Assignment
}

// Source produces catalogs.
type Source interface {
	Load(ctx context.Context) (*Catalog, error)
}

// Catalog indexes assets by kind and id, and phases by id.
type Catalog struct {
	assets map[transfer.Key]*Asset
	phases map[string]*Phase
}

// New builds a Catalog, hashing any asset without a digest. Phases
// that reference unknown assets are accepted; the reference is dropped
// from manifests.
func New(assets []*Asset, phases []*Phase) (*Catalog, error) {
	c := &Catalog{
		assets: make(map[transfer.Key]*Asset, len(assets)),
		phases: make(map[string]*Phase, len(phases)),
	}
	for _, a := range assets {
		if !a.Kind.Valid() {
			return nil, fmt.Errorf("asset %q: unknown kind %q", a.ID, a.Kind)
		}
		k := transfer.Key{Kind: a.Kind, Name: a.ID}
		if _, dup := c.assets[k]; dup {
			return nil, fmt.Errorf("duplicate asset %s", k)
		}
		if a.Hash == "" {
			a.Hash = transfer.Digest(a.Data)
		}
		c.assets[k] = a
	}
	for _, p := range phases {
		if _, dup := c.phases[p.ID]; dup {
			return nil, fmt.Errorf("duplicate phase %q", p.ID)
		}
		if p.BPM <= 0 {
			return nil, fmt.Errorf("phase %q: bpm %v must be positive", p.ID, p.BPM)
		}
		if p.CountIn < 0 {
			return nil, fmt.Errorf("phase %q: negative count-in %d", p.ID, p.CountIn)
		}
		c.phases[p.ID] = p
	}
	return c, nil
}

// Asset returns the asset of kind named id.
func (c *Catalog) Asset(kind protocol.Kind, id string) (*Asset, bool) {
	a, ok := c.assets[transfer.Key{Kind: kind, Name: id}]
	return a, ok
}

// Phase returns the phase with id.
func (c *Catalog) Phase(id string) (*Phase, bool) {
	p, ok := c.phases[id]
	return p, ok
}

// Phases returns every phase in authored order.
func (c *Catalog) Phases() []*Phase {
	phases := make([]*Phase, 0, len(c.phases))
	for _, p := range c.phases {
		phases = append(phases, p)
	}
	sort.Slice(phases, func(i, j int) bool {
		if phases[i].Index != phases[j].Index {
			return phases[i].Index < phases[j].Index
		}
		return phases[i].ID < phases[j].ID
	})
	return phases
}

// ManifestFor lists every asset assigned to seat in any phase, sorted
// by name within each kind.
func (c *Catalog) ManifestFor(seat protocol.Seat) protocol.FileManifest {
	patches := make(map[string]bool)
	sheets := make(map[string]bool)
	for _, p := range c.phases {
		a, ok := p.Assignments[seat]
		if !ok {
			continue
		}
		if a.PatchID != "" {
			patches[a.PatchID] = true
		}
		if a.SheetID != "" {
			sheets[a.SheetID] = true
		}
	}
	return protocol.FileManifest{
		Seat:       seat,
		PatchFiles: c.entries(protocol.KindPatch, patches),
		SheetFiles: c.entries(protocol.KindSheet, sheets),
	}
}

func (c *Catalog) entries(kind protocol.Kind, ids map[string]bool) []protocol.FileEntry {
	entries := make([]protocol.FileEntry, 0, len(ids))
	for id := range ids {
		a, ok := c.Asset(kind, id)
		if !ok {
			continue
		}
		entries = append(entries, protocol.FileEntry{Name: id, Size: a.Size(), Hash: a.Hash})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// SameManifest reports whether two manifests name the same assets
// with the same digests.
func SameManifest(a, b protocol.FileManifest) bool {
	return sameEntries(a.PatchFiles, b.PatchFiles) && sameEntries(a.SheetFiles, b.SheetFiles)
}

func sameEntries(a, b []protocol.FileEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
