package transfer

import "github.com/dalder6284/rtpc-app/internal/protocol"

// Want is an asset a seat must request.
type Want struct {
	Key
	Hash string
	Size int64
}

// Reconcile returns the manifest entries whose local hash is absent or
// different, patches first, in manifest order. An asset listed twice
// is wanted once. It depends only on its arguments.
func Reconcile(m protocol.FileManifest, local map[Key]string) []Want {
	var wants []Want
	seen := make(map[Key]bool)
	add := func(kind protocol.Kind, entries []protocol.FileEntry) {
		for _, entry := range entries {
			k := Key{Kind: kind, Name: entry.Name}
			if seen[k] {
				continue
			}
			seen[k] = true
			if hash, ok := local[k]; ok && hash == entry.Hash {
				continue
			}
			wants = append(wants, Want{Key: k, Hash: entry.Hash, Size: entry.Size})
		}
	}
	add(protocol.KindPatch, m.PatchFiles)
	add(protocol.KindSheet, m.SheetFiles)
	return wants
}

// Keys returns every asset named in m.
func Keys(m protocol.FileManifest) []Key {
	keys := make([]Key, 0, len(m.PatchFiles)+len(m.SheetFiles))
	for _, entry := range m.PatchFiles {
		keys = append(keys, Key{Kind: protocol.KindPatch, Name: entry.Name})
	}
	for _, entry := range m.SheetFiles {
		keys = append(keys, Key{Kind: protocol.KindSheet, Name: entry.Name})
	}
	return keys
}
