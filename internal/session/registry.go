package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PRATHAMU200/knightfight/internal/obslog"
	"github.com/PRATHAMU200/knightfight/pkg/wire"
)

// Registry owns every live session shadow. Events on different sessions run
// in parallel; events on the same session serialize on that room's mutex.
//
// Lock discipline: the registry map mutex is never held while waiting on a
// room mutex. A room mutex holder may take the map mutex (reap path) and may
// call the durable store, which is the only slow step and is bounded by
// storeTimeout.
type Registry struct {
	store        Store
	checker      Checker
	presence     PresenceSink
	storeTimeout time.Duration

	mu    sync.Mutex
	rooms map[string]*room

	idxMu  sync.Mutex
	byConn map[string]string // connection id -> session id
}

// Option configures a Registry.
type Option func(*Registry)

// WithChecker installs a legality checker consulted before persisting moves.
func WithChecker(c Checker) Option { return func(g *Registry) { g.checker = c } }

// WithPresence installs a best-effort presence mirror.
func WithPresence(p PresenceSink) Option { return func(g *Registry) { g.presence = p } }

// WithStoreTimeout bounds every durable-store call made by the registry.
func WithStoreTimeout(d time.Duration) Option {
	return func(g *Registry) {
		if d > 0 {
			g.storeTimeout = d
		}
	}
}

func NewRegistry(store Store, opts ...Option) *Registry {
	g := &Registry{
		store:        store,
		storeTimeout: 5 * time.Second,
		rooms:        make(map[string]*room),
		byConn:       make(map[string]string),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Join registers peer in the session's live shadow, assigns a role, replays
// the cached state to the joining peer and broadcasts updated presence.
// Returns ErrSessionFull when both color slots are taken and a player role
// was requested; the caller may retry as spectator.
func (g *Registry) Join(ctx context.Context, sessionID, principal string, peer Peer, requested RequestedRole) (Role, error) {
	r := g.lockOrCreate(sessionID)
	defer r.mu.Unlock()

	if err := g.ensureLoaded(ctx, r); err != nil {
		g.reapLocked(r)
		return "", err
	}

	if m := r.memberOf(peer.ID()); m != nil {
		// duplicate join from a seated connection: re-send, no reseat
		peer.Send(wire.Enclose(wire.TypeRoleAssigned, wire.RoleAssigned{Role: string(m.role)}))
		peer.Send(wire.Enclose(wire.TypeStateSnapshot, r.snapshot()))
		return m.role, nil
	}

	role, err := assignRole(requested, r.white != "", r.black != "")
	if err != nil {
		g.reapLocked(r)
		return "", err
	}

	r.members[peer.ID()] = &member{peer: peer, principal: principal, role: role}
	r.seat(peer.ID(), role)
	g.track(peer.ID(), sessionID)

	peer.Send(wire.Enclose(wire.TypeRoleAssigned, wire.RoleAssigned{Role: string(role)}))
	peer.Send(wire.Enclose(wire.TypeStateSnapshot, r.snapshot()))
	g.broadcastPresence(r)

	obslog.L().Info("session_join",
		zap.String("session_id", sessionID),
		zap.String("conn_id", peer.ID()),
		zap.String("principal", principal),
		zap.String("role", string(role)),
	)
	return role, nil
}

// Leave removes the connection from whichever session it belongs to. No-op
// for connections the registry has never seen. Frees any held color slot and
// garbage-collects the shadow once the last member is gone.
func (g *Registry) Leave(connID string) {
	sessionID, ok := g.untrack(connID)
	if !ok {
		return
	}
	g.mu.Lock()
	r := g.rooms[sessionID]
	g.mu.Unlock()
	if r == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.memberOf(connID) == nil {
		return
	}
	delete(r.members, connID)
	r.unseat(connID)

	obslog.L().Info("session_leave",
		zap.String("session_id", sessionID),
		zap.String("conn_id", connID),
		zap.Int("remaining", len(r.members)),
	)

	if len(r.members) == 0 {
		g.reapLocked(r)
		return
	}
	g.broadcastPresence(r)
}

// SubmitMove persists and relays one move. With a terminal marker the move
// (if any) and the outcome are recorded as one unit and the termination event
// goes to every connection, submitter included.
func (g *Registry) SubmitMove(ctx context.Context, sessionID, connID string, mv wire.Move) error {
	r := g.lookup(sessionID)
	if r == nil {
		return ErrUnknownSession
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ended != nil {
		return ErrSessionEnded
	}
	m := r.memberOf(connID)
	if m == nil {
		return ErrUnknownSession
	}
	if !m.role.IsPlayer() {
		return ErrNotAPlayer
	}

	if g.checker != nil && mv.MoveToken != "" {
		if err := g.checker.Check(mv.MoveToken, mv.FEN, r.moves); err != nil {
			return fmt.Errorf("%w: %v", ErrIllegalMove, err)
		}
	}

	if mv.Terminal != nil {
		var final *wire.MoveEntry
		if mv.MoveToken != "" {
			final = &wire.MoveEntry{Move: mv.MoveToken, FEN: mv.FEN}
		}
		return g.finishLocked(ctx, r, final, *mv.Terminal)
	}

	entry := wire.MoveEntry{Move: mv.MoveToken, FEN: mv.FEN}
	ply := len(r.moves) + 1
	if err := g.persist(ctx, sessionID, "move", func(sctx context.Context) error {
		return g.store.AppendMove(sctx, sessionID, ply, entry)
	}); err != nil {
		return err
	}
	r.moves = append(r.moves, entry)

	dropped := r.broadcast(wire.Enclose(wire.TypeMoveBroadcast, wire.MoveBroadcast{
		MoveToken: entry.Move,
		FEN:       entry.FEN,
	}), connID)
	logDropped(sessionID, "moveBroadcast", dropped)

	obslog.L().Info("session_move",
		zap.String("session_id", sessionID),
		zap.String("conn_id", connID),
		zap.Int("ply", ply),
	)
	return nil
}

// OfferDraw forwards a draw offer to the opposing player connection only.
// Nothing is persisted; offering with no opponent connected is a no-op.
func (g *Registry) OfferDraw(sessionID, connID string) error {
	r := g.lookup(sessionID)
	if r == nil {
		return ErrUnknownSession
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ended != nil {
		return ErrSessionEnded
	}
	m := r.memberOf(connID)
	if m == nil {
		return ErrUnknownSession
	}
	if !m.role.IsPlayer() {
		return ErrNotAPlayer
	}
	opp := r.opponent(connID)
	if opp == nil {
		return nil
	}
	opp.peer.Send(wire.Enclose(wire.TypeDrawOffered, wire.DrawOffered{FromRole: string(m.role)}))
	return nil
}

// RespondDraw resolves an outstanding offer. Acceptance runs the termination
// pipeline with a draw-by-agreement record; rejection is informational and
// leaves the session in progress.
func (g *Registry) RespondDraw(ctx context.Context, sessionID, connID string, accepted bool) error {
	r := g.lookup(sessionID)
	if r == nil {
		return ErrUnknownSession
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ended != nil {
		return ErrSessionEnded
	}
	m := r.memberOf(connID)
	if m == nil {
		return ErrUnknownSession
	}
	if !m.role.IsPlayer() {
		return ErrNotAPlayer
	}

	if !accepted {
		dropped := r.broadcast(wire.Enclose(wire.TypeDrawRejected, nil))
		logDropped(sessionID, "drawRejected", dropped)
		return nil
	}
	return g.finishLocked(ctx, r, nil, wire.Termination{
		Outcome: OutcomeDraw,
		Reason:  ReasonDrawAgreement,
	})
}

// PostMessage persists a chat line and fans it out to every connection in
// the session, spectators included. After termination players can no longer
// chat; spectators still can.
func (g *Registry) PostMessage(ctx context.Context, sessionID, connID, sender, text string) error {
	r := g.lookup(sessionID)
	if r == nil {
		return ErrUnknownSession
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.memberOf(connID)
	if m == nil {
		return ErrUnknownSession
	}
	if r.ended != nil && m.role.IsPlayer() {
		return ErrSessionEnded
	}

	entry := wire.ChatEntry{Sender: sender, Text: text, Timestamp: time.Now().UTC()}
	if err := g.persist(ctx, sessionID, "chat", func(sctx context.Context) error {
		return g.store.AppendChat(sctx, sessionID, entry)
	}); err != nil {
		return err
	}
	r.chat = append(r.chat, entry)

	dropped := r.broadcast(wire.Enclose(wire.TypeChatBroadcast, wire.ChatBroadcast{
		Sender:    entry.Sender,
		Text:      entry.Text,
		Timestamp: entry.Timestamp,
	}))
	logDropped(sessionID, "chatBroadcast", dropped)
	return nil
}

// Presence reports the live membership counts for a session shadow.
func (g *Registry) Presence(sessionID string) (wire.Presence, bool) {
	r := g.lookup(sessionID)
	if r == nil {
		return wire.Presence{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return wire.Presence{}, false
	}
	return r.presenceNow(), true
}

// finishLocked records the termination, caches it, and broadcasts the end
// event to every member. Caller holds r.mu.
func (g *Registry) finishLocked(ctx context.Context, r *room, final *wire.MoveEntry, t wire.Termination) error {
	ply := len(r.moves)
	if final != nil {
		ply++
	}
	if err := g.persist(ctx, r.id, "finish", func(sctx context.Context) error {
		return g.store.FinishSession(sctx, r.id, final, ply, t)
	}); err != nil {
		return err
	}
	if final != nil {
		r.moves = append(r.moves, *final)
	}
	ended := t
	r.ended = &ended

	dropped := r.broadcast(wire.Enclose(wire.TypeSessionEnded, wire.SessionEnded{
		Outcome: t.Outcome,
		Reason:  t.Reason,
	}))
	logDropped(r.id, "sessionEnded", dropped)

	obslog.L().Info("session_end",
		zap.String("session_id", r.id),
		zap.String("outcome", t.Outcome),
		zap.String("reason", t.Reason),
	)
	return nil
}

// persist runs one bounded durable-store call. A failure aborts the
// operation before any broadcast so a lost write can never be outrun by a
// delivered event.
func (g *Registry) persist(ctx context.Context, sessionID, op string, call func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()
	err := call(sctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnknownSession) {
		return ErrUnknownSession
	}
	obslog.L().Error("store_call_failed",
		zap.String("session_id", sessionID),
		zap.String("op", op),
		zap.Error(err),
	)
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// ensureLoaded populates the room cache from the store on first attach.
// An id the store has never created still gets a live shadow with empty
// logs; the miss shows up again on the first persist attempt.
func (g *Registry) ensureLoaded(ctx context.Context, r *room) error {
	if r.loaded {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()

	ended, err := g.store.Termination(sctx, r.id)
	if err != nil && !errors.Is(err, ErrUnknownSession) {
		return fmt.Errorf("%w: load termination: %v", ErrStoreUnavailable, err)
	}
	if errors.Is(err, ErrUnknownSession) {
		obslog.L().Warn("session_shadow_optimistic", zap.String("session_id", r.id))
		r.loaded = true
		return nil
	}

	moves, err := g.store.MoveLog(sctx, r.id)
	if err != nil && !errors.Is(err, ErrUnknownSession) {
		return fmt.Errorf("%w: load moves: %v", ErrStoreUnavailable, err)
	}
	chat, err := g.store.ChatLog(sctx, r.id)
	if err != nil && !errors.Is(err, ErrUnknownSession) {
		return fmt.Errorf("%w: load chat: %v", ErrStoreUnavailable, err)
	}
	r.moves, r.chat, r.ended = moves, chat, ended
	r.loaded = true
	return nil
}

// lockOrCreate returns the session's room with its mutex held, creating the
// shadow on demand. Loops when it races a reap of the same id.
func (g *Registry) lockOrCreate(sessionID string) *room {
	for {
		g.mu.Lock()
		r := g.rooms[sessionID]
		if r == nil {
			r = newRoom(sessionID)
			g.rooms[sessionID] = r
		}
		g.mu.Unlock()

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			continue
		}
		return r
	}
}

func (g *Registry) lookup(sessionID string) *room {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rooms[sessionID]
}

// reapLocked garbage-collects an empty room. Caller holds r.mu.
func (g *Registry) reapLocked(r *room) {
	if len(r.members) != 0 || r.closed {
		return
	}
	r.closed = true
	g.mu.Lock()
	if g.rooms[r.id] == r {
		delete(g.rooms, r.id)
	}
	g.mu.Unlock()
	if g.presence != nil {
		g.presence.Drop(r.id)
	}
	obslog.L().Info("session_shadow_reaped", zap.String("session_id", r.id))
}

// broadcastPresence sends the membership snapshot to every member and
// mirrors it to the presence sink. Caller holds r.mu.
func (g *Registry) broadcastPresence(r *room) {
	p := r.presenceNow()
	dropped := r.broadcast(wire.Enclose(wire.TypePresence, p))
	logDropped(r.id, "presence", dropped)
	if g.presence != nil {
		g.presence.Update(r.id, p.PlayerCount, p.SpectatorCount)
	}
}

func (g *Registry) track(connID, sessionID string) {
	g.idxMu.Lock()
	g.byConn[connID] = sessionID
	g.idxMu.Unlock()
}

func (g *Registry) untrack(connID string) (string, bool) {
	g.idxMu.Lock()
	defer g.idxMu.Unlock()
	sessionID, ok := g.byConn[connID]
	if ok {
		delete(g.byConn, connID)
	}
	return sessionID, ok
}

func logDropped(sessionID, event string, dropped []string) {
	if len(dropped) == 0 {
		return
	}
	obslog.L().Warn("broadcast_dropped",
		zap.String("session_id", sessionID),
		zap.String("event", event),
		zap.Strings("conn_ids", dropped),
	)
}

// snapshot builds the replay payload sent once per join. Caller holds r.mu.
func (r *room) snapshot() wire.StateSnapshot {
	moves := make([]wire.MoveEntry, len(r.moves))
	copy(moves, r.moves)
	chat := make([]wire.ChatEntry, len(r.chat))
	copy(chat, r.chat)
	return wire.StateSnapshot{MoveLog: moves, ChatLog: chat, Termination: r.ended}
}
