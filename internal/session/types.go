package session

import (
	"context"
	"errors"

	"github.com/PRATHAMU200/knightfight/pkg/wire"
)

// Role is a connection's capability class within a session.
type Role string

const (
	RoleWhite     Role = "white"
	RoleBlack     Role = "black"
	RoleSpectator Role = "spectator"
)

// RequestedRole is what a joining connection asks for. Color is never
// requested directly; the registry hands out the free slot.
type RequestedRole string

const (
	RequestPlayer    RequestedRole = "player"
	RequestSpectator RequestedRole = "spectator"
)

// IsPlayer reports whether the role occupies a color slot.
func (r Role) IsPlayer() bool { return r == RoleWhite || r == RoleBlack }

// Outcome and reason tokens used in termination records.
const (
	OutcomeWhite = "white"
	OutcomeBlack = "black"
	OutcomeDraw  = "draw"

	ReasonCheckmate     = "checkmate"
	ReasonResignation   = "resignation"
	ReasonTimeout       = "timeout"
	ReasonDrawAgreement = "drawAgreement"
)

var (
	// ErrUnknownSession: the durable store has never created this session id.
	ErrUnknownSession = errors.New("unknown session")
	// ErrSessionFull: both color slots are occupied.
	ErrSessionFull = errors.New("session full")
	// ErrSessionEnded: the session has a termination record.
	ErrSessionEnded = errors.New("session ended")
	// ErrNotAPlayer: a spectator attempted a player-only action.
	ErrNotAPlayer = errors.New("not a player")
	// ErrStoreUnavailable wraps a failed durable-store call. The in-flight
	// operation is aborted; nothing is broadcast.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrIllegalMove: the injected legality checker rejected a move.
	ErrIllegalMove = errors.New("illegal move")
)

// Peer is one live duplex channel. Send must never block: it queues the
// envelope and reports false when the peer's buffer is full or closed.
type Peer interface {
	ID() string
	Send(env wire.Envelope) bool
}

// Store is the coordinator's view of the durable append/query service.
// Implementations return ErrUnknownSession for ids the store never created.
type Store interface {
	Termination(ctx context.Context, sessionID string) (*wire.Termination, error)
	MoveLog(ctx context.Context, sessionID string) ([]wire.MoveEntry, error)
	ChatLog(ctx context.Context, sessionID string) ([]wire.ChatEntry, error)
	AppendMove(ctx context.Context, sessionID string, ply int, entry wire.MoveEntry) error
	AppendChat(ctx context.Context, sessionID string, entry wire.ChatEntry) error
	// FinishSession records the optional final move and the outcome as a
	// single logical unit.
	FinishSession(ctx context.Context, sessionID string, final *wire.MoveEntry, ply int, t wire.Termination) error
}

// Checker is the injected legality capability. The registry itself never
// inspects move tokens; deployments that want server-side validation plug an
// engine-backed checker in, everyone else runs the permissive default.
type Checker interface {
	Check(moveToken, resultingPosition string, history []wire.MoveEntry) error
}

// PresenceSink mirrors live membership counts to an external surface
// (Redis in the default deployment). Calls are best-effort and must not
// participate in session serialization.
type PresenceSink interface {
	Update(sessionID string, playerCount, spectatorCount int)
	Drop(sessionID string)
}
