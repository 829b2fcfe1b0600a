package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	"github.com/dalder6284/rtpc-app/internal/protocol"
)

// sessionFile is the saved session format written by the authoring
// tool. Assignment slice indexes are seat numbers.
type sessionFile struct {
	Patches []paletteItem        `json:"rnbo_patches"`
	Sheets  []paletteItem        `json:"sheet_music"`
	Phases  map[string]filePhase `json:"phases"`
}

type paletteItem struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Color string `json:"color"`
	Path  string `json:"path"`
}

type filePhase struct {
	Name        string           `json:"name"`
	BPM         float64          `json:"bpm"`
	CountIn     int              `json:"count_in"`
	Index       int              `json:"index"`
	Assignments []fileAssignment `json:"assignments"`
}

type fileAssignment struct {
	PatchID *string `json:"rnbo_id"`
	SheetID *string `json:"sheet_id"`
}

// FileSource loads a saved session file. Relative asset paths are
// resolved against the file's directory.
type FileSource struct {
	Path string
}

// Load implements Source.
func (s FileSource) Load(context.Context) (*Catalog, error) {
	return LoadSessionFile(s.Path)
}

// LoadSessionFile reads a session file and every asset it names.
// Comments and trailing commas are allowed.
func LoadSessionFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}
	var f sessionFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &f); err != nil {
		return nil, fmt.Errorf("parsing session file %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	var assets []*Asset
	load := func(kind protocol.Kind, items []paletteItem) error {
		for _, item := range items {
			assetPath := item.Path
			if !filepath.IsAbs(assetPath) {
				assetPath = filepath.Join(dir, assetPath)
			}
			body, err := os.ReadFile(assetPath)
			if err != nil {
				return fmt.Errorf("%s %q: %w", kind, item.ID, err)
			}
			assets = append(assets, &Asset{
				ID:    item.ID,
				Kind:  kind,
				Label: item.Label,
				Color: item.Color,
				Data:  body,
			})
		}
		return nil
	}
	if err := load(protocol.KindPatch, f.Patches); err != nil {
		return nil, err
	}
	if err := load(protocol.KindSheet, f.Sheets); err != nil {
		return nil, err
	}

	phases := make([]*Phase, 0, len(f.Phases))
	for id, fp := range f.Phases {
		p := &Phase{
			ID:          id,
			Name:        fp.Name,
			BPM:         fp.BPM,
			CountIn:     fp.CountIn,
			Index:       fp.Index,
			Assignments: make(map[protocol.Seat]protocol.Assignment),
		}
		for seat, a := range fp.Assignments {
			assignment := protocol.Assignment{PatchID: deref(a.PatchID), SheetID: deref(a.SheetID)}
			if assignment == (protocol.Assignment{}) {
				continue
			}
			p.Assignments[protocol.Seat(seat)] = assignment
		}
		phases = append(phases, p)
	}
	return New(assets, phases)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
