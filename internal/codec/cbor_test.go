package codec

import (
	"bytes"
	"testing"
)

type record struct {
	Name string            `cbor:"name"`
	Tags map[string]string `cbor:"tags"`
}

func TestMarshalDeterministic(t *testing.T) {
	r := record{Name: "lead", Tags: map[string]string{"z": "1", "a": "2", "m": "3"}}
	first, err := Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Marshal(r)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding %d differs from the first", i)
		}
	}

	var decoded record
	if err := Unmarshal(first, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Name != "lead" || decoded.Tags["m"] != "3" {
		t.Fatalf("decoded = %+v", decoded)
	}
}
