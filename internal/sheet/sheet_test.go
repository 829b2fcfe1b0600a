package sheet

import (
	"errors"
	"math"
	"testing"
)

func TestNotationToBeats(t *testing.T) {
	tests := []struct {
		token string
		want  float64
	}{
		{"1n", 4},
		{"4n", 1},
		{"32n", 0.125},
		{"8t", 1.0 / 3},
		{"32t", 1.0 / 12},
		{"4nd", 1.5},
		{"16nd", 0.375},
		{"2.5", 2.5},
		{"0", 1},
		{"-2", 1},
		{"whole", 1},
		{"", 1},
	}
	for _, test := range tests {
		if got := NotationToBeats(test.token); math.Abs(got-test.want) > 1e-12 {
			t.Fatalf("NotationToBeats(%q) = %v, want %v", test.token, got, test.want)
		}
	}
}

const sample = `{
	// verse one
	"bpm": 120,
	"end_beat": 8,
	"tracks": [
		{"instrument": "pad", "channel": 1, "notes": [
			{"pitch": 60, "velocity": 100, "start": 2, "duration": "4n"},
			{"pitch": 64, "velocity": 90, "start": 0, "duration": "8t"},
		]},
		{"instrument": "bass", "channel": 2, "notes": [
			{"pitch": 36, "velocity": 110, "start": 0, "duration": "2n"}
		]}
	]
}`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.BPM != 120 || f.EndBeat != 8 || len(f.Tracks) != 2 {
		t.Fatalf("Parse = %+v", f)
	}

	events := f.Events()
	if len(events) != 3 {
		t.Fatalf("Events = %d, want 3", len(events))
	}
	// Stable by start: both beat-0 notes keep track order.
	if events[0].Pitch != 64 || events[1].Pitch != 36 || events[2].Pitch != 60 {
		t.Fatalf("Events order = %d %d %d", events[0].Pitch, events[1].Pitch, events[2].Pitch)
	}
	if events[1].Channel != 2 || events[1].Beats() != 2 {
		t.Fatalf("bass event = %+v", events[1])
	}
}

func TestParseRejects(t *testing.T) {
	for name, input := range map[string]string{
		"zero bpm":     `{"bpm": 0, "end_beat": 4, "tracks": []}`,
		"negative end": `{"bpm": 60, "end_beat": -1, "tracks": []}`,
		"channel":      `{"bpm": 60, "end_beat": 4, "tracks": [{"channel": 16, "notes": []}]}`,
		"pitch":        `{"bpm": 60, "end_beat": 4, "tracks": [{"channel": 0, "notes": [{"pitch": 200, "start": 0}]}]}`,
	} {
		if _, err := Parse([]byte(input)); !errors.Is(err, ErrInvalidSheet) {
			t.Fatalf("%s: err = %v, want ErrInvalidSheet", name, err)
		}
	}
	if _, err := Parse([]byte(`{bpm`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}
