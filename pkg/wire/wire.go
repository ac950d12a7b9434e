package wire

import (
	"encoding/json"
	"time"
)

// Message types carried over the session channel. Client-to-server types
// mirror the socket vocabulary of the original knightfight frontend.
const (
	TypeJoin        = "join"
	TypeMove        = "move"
	TypeChat        = "chat"
	TypeOfferDraw   = "offerDraw"
	TypeRespondDraw = "respondDraw"
	TypeLeave       = "leave"

	TypeRoleAssigned  = "roleAssigned"
	TypeSessionFull   = "sessionFull"
	TypeStateSnapshot = "stateSnapshot"
	TypePresence      = "presence"
	TypeMoveBroadcast = "moveBroadcast"
	TypeSessionEnded  = "sessionEnded"
	TypeDrawOffered   = "drawOffered"
	TypeDrawRejected  = "drawRejected"
	TypeChatBroadcast = "chatBroadcast"
	TypeError         = "error"
)

// Envelope is the frame for every message on the duplex channel.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Enclose marshals payload into an Envelope of the given type.
func Enclose(typ string, payload any) Envelope {
	if payload == nil {
		return Envelope{Type: typ}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		// payload structs below are all marshalable; reaching this is a
		// programming error, surface it as an error frame instead of dropping
		return Envelope{Type: TypeError, Data: mustRaw(ErrorNotice{Code: "encode", Message: err.Error()})}
	}
	return Envelope{Type: typ, Data: raw}
}

func mustRaw(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// MoveEntry is one entry of the ordered move log: the opaque move token plus
// the resulting position snapshot (FEN in the chess deployment).
type MoveEntry struct {
	Move string `json:"move"`
	FEN  string `json:"fen"`
}

// ChatEntry is one persisted chat line.
type ChatEntry struct {
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Termination is the permanent end state of a session.
type Termination struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason"`
}

// Client-to-server payloads.

type Join struct {
	SessionID string `json:"sessionId"`
	Principal string `json:"principalName"`
	Role      string `json:"role"` // "player" or "spectator"
}

type Move struct {
	MoveToken string       `json:"moveToken"`
	FEN       string       `json:"resultingPosition"`
	Terminal  *Termination `json:"terminal,omitempty"`
}

type Chat struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

type RespondDraw struct {
	Accepted bool `json:"accepted"`
}

// Server-to-client payloads.

type RoleAssigned struct {
	Role string `json:"role"`
}

type StateSnapshot struct {
	MoveLog     []MoveEntry  `json:"moveLog"`
	ChatLog     []ChatEntry  `json:"chatLog"`
	Termination *Termination `json:"termination,omitempty"`
}

type Presence struct {
	PlayerCount    int      `json:"playerCount"`
	SpectatorCount int      `json:"spectatorCount"`
	Players        []string `json:"players"`
}

type MoveBroadcast struct {
	MoveToken string `json:"moveToken"`
	FEN       string `json:"resultingPosition"`
}

type SessionEnded struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason"`
}

type DrawOffered struct {
	FromRole string `json:"fromRole"`
}

type ChatBroadcast struct {
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorNotice reports a failed operation back to the initiating connection.
type ErrorNotice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
