// Package sheet models beat-indexed note sheets.
package sheet

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/tidwall/jsonc"
)

// ErrInvalidSheet is wrapped by every Parse validation failure.
var ErrInvalidSheet = errors.New("invalid sheet")

// File is an authored sheet. Beats count from the start of the sheet.
type File struct {
	BPM     float64 `json:"bpm"`
	EndBeat float64 `json:"end_beat"`
	Tracks  []Track `json:"tracks"`
}

// Track is one instrument line.
type Track struct {
	Instrument string `json:"instrument"`
	Channel    int    `json:"channel"`
	Notes      []Note `json:"notes"`
}

// Note is one authored note. Duration is a notation token such as "4n",
// "8t" or "4nd", or a plain number of beats.
type Note struct {
	Pitch    int     `json:"pitch"`
	Velocity int     `json:"velocity"`
	Start    float64 `json:"start"`
	Duration string  `json:"duration"`
}

// Beats returns the note's length in beats.
func (n Note) Beats() float64 { return NotationToBeats(n.Duration) }

// Parse decodes a sheet. Comments and trailing commas are allowed.
func Parse(data []byte) (*File, error) {
	var f File
	if err := json.Unmarshal(jsonc.ToJSON(data), &f); err != nil {
		return nil, fmt.Errorf("parsing sheet: %w", err)
	}
	if f.BPM <= 0 {
		return nil, fmt.Errorf("%w: bpm %v must be positive", ErrInvalidSheet, f.BPM)
	}
	if f.EndBeat < 0 {
		return nil, fmt.Errorf("%w: end_beat %v is negative", ErrInvalidSheet, f.EndBeat)
	}
	for i, track := range f.Tracks {
		if track.Channel < 0 || track.Channel > 15 {
			return nil, fmt.Errorf("%w: track %d channel %d outside 0-15", ErrInvalidSheet, i, track.Channel)
		}
		for j, note := range track.Notes {
			if note.Pitch < 0 || note.Pitch > 127 || note.Velocity < 0 || note.Velocity > 127 {
				return nil, fmt.Errorf("%w: track %d note %d pitch/velocity outside 0-127", ErrInvalidSheet, i, j)
			}
			if note.Start < 0 {
				return nil, fmt.Errorf("%w: track %d note %d starts at negative beat %v", ErrInvalidSheet, i, j, note.Start)
			}
		}
	}
	return &f, nil
}

// Event is a note flattened out of its track.
type Event struct {
	Channel int
	Note
}

// Events returns every note ordered by start beat. Ties keep track
// order.
func (f *File) Events() []Event {
	var events []Event
	for _, track := range f.Tracks {
		for _, note := range track.Notes {
			events = append(events, Event{Channel: track.Channel, Note: note})
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Start < events[j].Start })
	return events
}

var notation = map[string]float64{
	// plain
	"1n": 4, "2n": 2, "4n": 1, "8n": 0.5, "16n": 0.25, "32n": 0.125,
	// triplets
	"4t": 2.0 / 3, "8t": 1.0 / 3, "16t": 1.0 / 6, "32t": 1.0 / 12,
	// dotted
	"2nd": 3, "4nd": 1.5, "8nd": 0.75, "16nd": 0.375,
}

// NotationToBeats resolves a duration token to beats. Unknown tokens
// are parsed as a number; anything unparseable, zero or negative is one
// beat.
func NotationToBeats(token string) float64 {
	if beats, ok := notation[token]; ok {
		return beats
	}
	beats, err := strconv.ParseFloat(token, 64)
	if err != nil || beats <= 0 {
		return 1
	}
	return beats
}
