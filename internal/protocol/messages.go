// Package protocol defines the messages exchanged between the
// coordinator and the seats, and the binary framing used for asset
// chunks.
//
// Text messages are JSON objects discriminated by their "type" field.
// Every message is one of the concrete types in this file; Decode
// returns them through the sealed Message interface so handlers can
// switch exhaustively on the concrete type.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Type is the value of a message's "type" field.
type Type string

const (
	TypeJoin         Type = "j"
	TypeRejoin       Type = "rj"
	TypeJoined       Type = "joined"
	TypeLeave        Type = "leave"
	TypeTimeRequest  Type = "time_request"
	TypeTimeResult   Type = "tq_result"
	TypeReady        Type = "ready"
	TypeFileManifest Type = "file_manifest"
	TypeFileRequest  Type = "file_request"
	TypeFileChunk    Type = "file_chunk"
	TypePhaseStart   Type = "phase_start"
	TypePhaseStop    Type = "phase_stop"
	TypeError        Type = "error"
	TypePing         Type = "ping"
	TypePong         Type = "pong"
)

// Error texts seats key behaviour off. Keep them stable.
const (
	ErrTextSeatTaken      = "Seat is already taken"
	ErrTextInvalidSession = "Client ID is no longer valid"
	ErrTextInvalidJSON    = "Invalid JSON"
	ErrTextUnknownType    = "Unknown message type"
	ErrTextInvalidSeat    = "Invalid seat format"
	ErrTextMissingID      = "missing id"
	ErrTextUnknownKind    = "unknown fileType"
	ErrTextFileNotFound   = "file not found"
)

// Message is implemented only by the types in this package.
type Message interface {
	MessageType() Type
	sealed()
}

// Kind is an asset kind.
type Kind string

const (
	KindPatch Kind = "patch"
	KindSheet Kind = "sheet"
)

// Valid reports whether k is a known asset kind.
func (k Kind) Valid() bool { return k == KindPatch || k == KindSheet }

// Seat is a performer slot number. On the wire it is accepted as a
// number or a numeric string and always written as a string.
type Seat int

func (s Seat) String() string { return strconv.Itoa(int(s)) }

func (s Seat) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Seat) UnmarshalText(text []byte) error {
	n, err := strconv.Atoi(strings.TrimSpace(string(text)))
	if err != nil || n < 0 {
		return fmt.Errorf("%w: %q", ErrInvalidSeat, text)
	}
	*s = Seat(n)
	return nil
}

func (s Seat) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *Seat) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		return s.UnmarshalText([]byte(text))
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSeat, data)
	}
	return s.UnmarshalText([]byte(n.String()))
}

// Join asks for a seat.
type Join struct {
	Seat Seat `json:"seat"`
}

// Rejoin reattaches to an unexpired session.
type Rejoin struct {
	ID string `json:"id"`
}

// Joined confirms a join or rejoin. ExpiresAt is Unix milliseconds.
type Joined struct {
	ID        string `json:"id"`
	Seat      Seat   `json:"seat"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Leave releases the seat held by ID.
type Leave struct {
	ID string `json:"id"`
}

// TimeRequest is a clock probe carrying the seat's send time (ms).
type TimeRequest struct {
	ClientTime int64 `json:"client_time"`
}

// TimeResult echoes a probe with the coordinator's receipt time (ms).
type TimeResult struct {
	ClientTime int64 `json:"client_time"`
	ServerTime int64 `json:"server_time"`
}

// Ready tells the coordinator the seat wants its manifest.
type Ready struct {
	ID string `json:"id"`
}

// FileEntry is one asset in a manifest.
type FileEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Hash string `json:"hash"`
}

// FileManifest lists every asset the seat needs across all phases.
type FileManifest struct {
	Seat       Seat        `json:"seat"`
	PatchFiles []FileEntry `json:"patch_files"`
	SheetFiles []FileEntry `json:"sheet_files"`
}

// FileRequest asks for one asset. Name is accepted for older seats
// that sent the asset name there instead of in ID. Transfer, when set,
// is echoed in every chunk header so the seat can discard chunks from
// a superseded request. Encoding selects a payload compression.
type FileRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Kind     Kind   `json:"fileType"`
	Transfer string `json:"transfer,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

// AssetName returns the requested asset name.
func (r FileRequest) AssetName() string {
	if r.ID != "" {
		return r.ID
	}
	return r.Name
}

// Assignment is what a seat plays in a phase.
type Assignment struct {
	PatchID string `json:"rnbo_id"`
	SheetID string `json:"sheet_id"`
}

// PhaseStart announces beat zero of a phase. StartTime is Unix
// milliseconds on the coordinator's clock.
type PhaseStart struct {
	PhaseID     string              `json:"phase_id,omitempty"`
	Name        string              `json:"name,omitempty"`
	BPM         float64             `json:"bpm"`
	CountIn     int                 `json:"count_in"`
	StartTime   int64               `json:"start_time"`
	Assignments map[Seat]Assignment `json:"assignments"`
}

// PhaseStop halts playback on every seat.
type PhaseStop struct{}

// Error reports a failure to the seat.
type Error struct {
	Message string `json:"message"`
}

// Ping is a heartbeat; the peer answers with Pong.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

func (Join) MessageType() Type         { return TypeJoin }
func (Rejoin) MessageType() Type       { return TypeRejoin }
func (Joined) MessageType() Type       { return TypeJoined }
func (Leave) MessageType() Type        { return TypeLeave }
func (TimeRequest) MessageType() Type  { return TypeTimeRequest }
func (TimeResult) MessageType() Type   { return TypeTimeResult }
func (Ready) MessageType() Type        { return TypeReady }
func (FileManifest) MessageType() Type { return TypeFileManifest }
func (FileRequest) MessageType() Type  { return TypeFileRequest }
func (PhaseStart) MessageType() Type   { return TypePhaseStart }
func (PhaseStop) MessageType() Type    { return TypePhaseStop }
func (Error) MessageType() Type        { return TypeError }
func (Ping) MessageType() Type         { return TypePing }
func (Pong) MessageType() Type         { return TypePong }

func (Join) sealed()         {}
func (Rejoin) sealed()       {}
func (Joined) sealed()       {}
func (Leave) sealed()        {}
func (TimeRequest) sealed()  {}
func (TimeResult) sealed()   {}
func (Ready) sealed()        {}
func (FileManifest) sealed() {}
func (FileRequest) sealed()  {}
func (PhaseStart) sealed()   {}
func (PhaseStop) sealed()    {}
func (Error) sealed()        {}
func (Ping) sealed()         {}
func (Pong) sealed()         {}
