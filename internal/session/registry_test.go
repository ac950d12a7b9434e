package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/PRATHAMU200/knightfight/internal/session"
	"github.com/PRATHAMU200/knightfight/internal/store"
	"github.com/PRATHAMU200/knightfight/pkg/wire"
)

// fakePeer records everything the registry sends it.
type fakePeer struct {
	id string

	mu   sync.Mutex
	got  []wire.Envelope
	full bool // simulate a saturated send buffer
}

func newPeer(id string) *fakePeer { return &fakePeer{id: id} }

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(env wire.Envelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full {
		return false
	}
	p.got = append(p.got, env)
	return true
}

func (p *fakePeer) byType(typ string) []wire.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []wire.Envelope
	for _, e := range p.got {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (p *fakePeer) count(typ string) int { return len(p.byType(typ)) }

func (p *fakePeer) lastPresence(t *testing.T) wire.Presence {
	t.Helper()
	envs := p.byType(wire.TypePresence)
	if len(envs) == 0 {
		t.Fatalf("peer %s: no presence received", p.id)
	}
	var pr wire.Presence
	if err := envs[len(envs)-1].Decode(&pr); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	return pr
}

func (p *fakePeer) snapshot(t *testing.T) wire.StateSnapshot {
	t.Helper()
	envs := p.byType(wire.TypeStateSnapshot)
	if len(envs) == 0 {
		t.Fatalf("peer %s: no snapshot received", p.id)
	}
	var s wire.StateSnapshot
	if err := envs[len(envs)-1].Decode(&s); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return s
}

// hookStore lets tests observe or fail durable-store calls.
type hookStore struct {
	session.Store
	beforeAppendMove func()
	failAppendMove   error
	failAppendChat   error
}

func (h *hookStore) AppendMove(ctx context.Context, id string, ply int, e wire.MoveEntry) error {
	if h.beforeAppendMove != nil {
		h.beforeAppendMove()
	}
	if h.failAppendMove != nil {
		return h.failAppendMove
	}
	return h.Store.AppendMove(ctx, id, ply, e)
}

func (h *hookStore) AppendChat(ctx context.Context, id string, e wire.ChatEntry) error {
	if h.failAppendChat != nil {
		return h.failAppendChat
	}
	return h.Store.AppendChat(ctx, id, e)
}

type droppedSink struct {
	mu      sync.Mutex
	updates map[string][2]int
	drops   []string
}

func newSink() *droppedSink { return &droppedSink{updates: make(map[string][2]int)} }

func (s *droppedSink) Update(id string, players, spectators int) {
	s.mu.Lock()
	s.updates[id] = [2]int{players, spectators}
	s.mu.Unlock()
}

func (s *droppedSink) Drop(id string) {
	s.mu.Lock()
	s.drops = append(s.drops, id)
	s.mu.Unlock()
}

func newSession(t *testing.T, mem *store.Mem) string {
	t.Helper()
	id, err := mem.CreateSession(context.Background(), store.CreateParams{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return id
}

func TestRoleAssignmentScenario(t *testing.T) {
	mem := store.NewMem()
	reg := session.NewRegistry(mem)
	ctx := context.Background()
	id := newSession(t, mem)

	p1, p2, p3 := newPeer("c1"), newPeer("c2"), newPeer("c3")

	role, err := reg.Join(ctx, id, "alice", p1, session.RequestPlayer)
	if err != nil || role != session.RoleWhite {
		t.Fatalf("first player join: role=%v err=%v", role, err)
	}
	role, err = reg.Join(ctx, id, "bob", p2, session.RequestPlayer)
	if err != nil || role != session.RoleBlack {
		t.Fatalf("second player join: role=%v err=%v", role, err)
	}
	if _, err = reg.Join(ctx, id, "carol", p3, session.RequestPlayer); !errors.Is(err, session.ErrSessionFull) {
		t.Fatalf("third player join: want ErrSessionFull, got %v", err)
	}
	role, err = reg.Join(ctx, id, "carol", p3, session.RequestSpectator)
	if err != nil || role != session.RoleSpectator {
		t.Fatalf("spectator join: role=%v err=%v", role, err)
	}

	pr := p3.lastPresence(t)
	if pr.PlayerCount != 2 || pr.SpectatorCount != 1 {
		t.Fatalf("presence = %d players / %d spectators, want 2/1", pr.PlayerCount, pr.SpectatorCount)
	}
	if got := p1.count(wire.TypeStateSnapshot); got != 1 {
		t.Fatalf("snapshot sent %d times to c1, want 1", got)
	}
}

func TestConcurrentJoinStorm(t *testing.T) {
	mem := store.NewMem()
	reg := session.NewRegistry(mem)
	ctx := context.Background()
	id := newSession(t, mem)

	const n = 32
	roles := make([]session.Role, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			roles[i], errs[i] = reg.Join(ctx, id, fmt.Sprintf("u%d", i), newPeer(fmt.Sprintf("c%d", i)), session.RequestPlayer)
		}(i)
	}
	wg.Wait()

	var white, black, rejected int
	for i := 0; i < n; i++ {
		switch {
		case errors.Is(errs[i], session.ErrSessionFull):
			rejected++
		case errs[i] != nil:
			t.Fatalf("join %d: unexpected error %v", i, errs[i])
		case roles[i] == session.RoleWhite:
			white++
		case roles[i] == session.RoleBlack:
			black++
		}
	}
	if white != 1 || black != 1 || rejected != n-2 {
		t.Fatalf("storm outcome white=%d black=%d rejected=%d, want 1/1/%d", white, black, rejected, n-2)
	}
}

func TestMoveRelaySkipsSubmitter(t *testing.T) {
	mem := store.NewMem()
	reg := session.NewRegistry(mem)
	ctx := context.Background()
	id := newSession(t, mem)

	white, black := newPeer("w"), newPeer("b")
	mustJoin(t, reg, id, "alice", white, session.RequestPlayer)
	mustJoin(t, reg, id, "bob", black, session.RequestPlayer)

	if err := reg.SubmitMove(ctx, id, "w", wire.Move{MoveToken: "e4", FEN: "P1"}); err != nil {
		t.Fatalf("SubmitMove: %v", err)
	}
	envs := black.byType(wire.TypeMoveBroadcast)
	if len(envs) != 1 {
		t.Fatalf("black received %d move broadcasts, want 1", len(envs))
	}
	var mb wire.MoveBroadcast
	if err := envs[0].Decode(&mb); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if mb.MoveToken != "e4" || mb.FEN != "P1" {
		t.Fatalf("broadcast = %+v", mb)
	}
	if white.count(wire.TypeMoveBroadcast) != 0 {
		t.Fatalf("submitter must not be re-notified")
	}

	log, err := mem.MoveLog(ctx, id)
	if err != nil || len(log) != 1 || log[0].Move != "e4" {
		t.Fatalf("durable move log = %v, err=%v", log, err)
	}
}

func TestTerminalMoveEndsSession(t *testing.T) {
	mem := store.NewMem()
	reg := session.NewRegistry(mem)
	ctx := context.Background()
	id := newSession(t, mem)

	white, black, spec := newPeer("w"), newPeer("b"), newPeer("s")
	mustJoin(t, reg, id, "alice", white, session.RequestPlayer)
	mustJoin(t, reg, id, "bob", black, session.RequestPlayer)
	mustJoin(t, reg, id, "carol", spec, session.RequestSpectator)

	err := reg.SubmitMove(ctx, id, "b", wire.Move{
		MoveToken: "Qh4#",
		FEN:       "P9",
		Terminal:  &wire.Termination{Outcome: session.OutcomeBlack, Reason: session.ReasonCheckmate},
	})
	if err != nil {
		t.Fatalf("terminal move: %v", err)
	}

	for _, p := range []*fakePeer{white, black, spec} {
		envs := p.byType(wire.TypeSessionEnded)
		if len(envs) != 1 {
			t.Fatalf("peer %s: %d sessionEnded events, want 1", p.id, len(envs))
		}
		var ended wire.SessionEnded
		_ = envs[0].Decode(&ended)
		if ended.Outcome != session.OutcomeBlack || ended.Reason != session.ReasonCheckmate {
			t.Fatalf("peer %s: ended = %+v", p.id, ended)
		}
	}

	if err := reg.SubmitMove(ctx, id, "w", wire.Move{MoveToken: "e4", FEN: "P2"}); !errors.Is(err, session.ErrSessionEnded) {
		t.Fatalf("move after end: want ErrSessionEnded, got %v", err)
	}
	if err := reg.OfferDraw(id, "w"); !errors.Is(err, session.ErrSessionEnded) {
		t.Fatalf("offer after end: want ErrSessionEnded, got %v", err)
	}

	rec, err := mem.Record(ctx, id)
	if err != nil || rec.Winner != session.OutcomeBlack || rec.WinReason != session.ReasonCheckmate {
		t.Fatalf("durable record = %+v, err=%v", rec, err)
	}
}

func TestResignationWithoutMove(t *testing.T) {
	mem := store.NewMem()
	reg := session.NewRegistry(mem)
	ctx := context.Background()
	id := newSession(t, mem)

	white, black := newPeer("w"), newPeer("b")
	mustJoin(t, reg, id, "alice", white, session.RequestPlayer)
	mustJoin(t, reg, id, "bob", black, session.RequestPlayer)

	err := reg.SubmitMove(ctx, id, "w", wire.Move{
		Terminal: &wire.Termination{Outcome: session.OutcomeBlack, Reason: session.ReasonResignation},
	})
	if err != nil {
		t.Fatalf("resign: %v", err)
	}
	if white.count(wire.TypeSessionEnded) != 1 || black.count(wire.TypeSessionEnded) != 1 {
		t.Fatalf("both players must see the termination event")
	}
	log, _ := mem.MoveLog(ctx, id)
	if len(log) != 0 {
		t.Fatalf("resignation must not append a move, log=%v", log)
	}
}

func TestSlotFreedOnLeave(t *testing.T) {
	mem := store.NewMem()
	reg := session.NewRegistry(mem)
	ctx := context.Background()
	id := newSession(t, mem)

	white, black := newPeer("w"), newPeer("b")
	mustJoin(t, reg, id, "alice", white, session.RequestPlayer)
	mustJoin(t, reg, id, "bob", black, session.RequestPlayer)

	reg.Leave("w")

	pr := black.lastPresence(t)
	if pr.PlayerCount != 1 {
		t.Fatalf("presence after leave = %+v", pr)
	}

	// a different principal takes the freed white slot
	p3 := newPeer("c3")
	role, err := reg.Join(ctx, id, "dave", p3, session.RequestPlayer)
	if err != nil || role != session.RoleWhite {
		t.Fatalf("rejoin: role=%v err=%v", role, err)
	}
}

func TestLeaveIsIdempotentAndReaps(t *testing.T) {
	mem := store.NewMem()
	sink := newSink()
	reg := session.NewRegistry(mem, session.WithPresence(sink))
	id := newSession(t, mem)

	p := newPeer("only")
	mustJoin(t, reg, id, "alice", p, session.RequestPlayer)

	reg.Leave("only")
	reg.Leave("only") // no-op
	reg.Leave("never-seen")

	sink.mu.Lock()
	drops := append([]string(nil), sink.drops...)
	sink.mu.Unlock()
	if len(drops) != 1 || drops[0] != id {
		t.Fatalf("sink drops = %v, want [%s]", drops, id)
	}
	if _, ok := reg.Presence(id); ok {
		t.Fatalf("shadow should be reaped once empty")
	}
}

func TestDrawOfferRelay(t *testing.T) {
	mem := store.NewMem()
	reg := session.NewRegistry(mem)
	id := newSession(t, mem)

	white, black, spec := newPeer("w"), newPeer("b"), newPeer("s")
	mustJoin(t, reg, id, "alice", white, session.RequestPlayer)
	mustJoin(t, reg, id, "bob", black, session.RequestPlayer)
	mustJoin(t, reg, id, "carol", spec, session.RequestSpectator)

	if err := reg.OfferDraw(id, "w"); err != nil {
		t.Fatalf("OfferDraw: %v", err)
	}
	envs := black.byType(wire.TypeDrawOffered)
	if len(envs) != 1 {
		t.Fatalf("black got %d offers, want 1", len(envs))
	}
	var offered wire.DrawOffered
	_ = envs[0].Decode(&offered)
	if offered.FromRole != string(session.RoleWhite) {
		t.Fatalf("offer fromRole = %q", offered.FromRole)
	}
	if white.count(wire.TypeDrawOffered) != 0 || spec.count(wire.TypeDrawOffered) != 0 {
		t.Fatalf("offer must reach the opposing player only")
	}

	if err := reg.OfferDraw(id, "s"); !errors.Is(err, session.ErrNotAPlayer) {
		t.Fatalf("spectator offer: want ErrNotAPlayer, got %v", err)
	}
}

func TestDrawRejectionKeepsSessionLive(t *testing.T) {
	mem := store.NewMem()
	reg := session.NewRegistry(mem)
	ctx := context.Background()
	id := newSession(t, mem)

	white, black := newPeer("w"), newPeer("b")
	mustJoin(t, reg, id, "alice", white, session.RequestPlayer)
	mustJoin(t, reg, id, "bob", black, session.RequestPlayer)

	if err := reg.OfferDraw(id, "w"); err != nil {
		t.Fatalf("OfferDraw: %v", err)
	}
	if err := reg.RespondDraw(ctx, id, "b", false); err != nil {
		t.Fatalf("RespondDraw: %v", err)
	}
	if white.count(wire.TypeDrawRejected) != 1 || black.count(wire.TypeDrawRejected) != 1 {
		t.Fatalf("both connections must see the rejection notice")
	}
	if err := reg.SubmitMove(ctx, id, "w", wire.Move{MoveToken: "e4", FEN: "P1"}); err != nil {
		t.Fatalf("session must remain in progress after rejection: %v", err)
	}
}

func TestDrawAcceptanceTerminates(t *testing.T) {
	mem := store.NewMem()
	reg := session.NewRegistry(mem)
	ctx := context.Background()
	id := newSession(t, mem)

	white, black := newPeer("w"), newPeer("b")
	mustJoin(t, reg, id, "alice", white, session.RequestPlayer)
	mustJoin(t, reg, id, "bob", black, session.RequestPlayer)

	if err := reg.RespondDraw(ctx, id, "b", true); err != nil {
		t.Fatalf("RespondDraw: %v", err)
	}
	var ended wire.SessionEnded
	envs := white.byType(wire.TypeSessionEnded)
	if len(envs) != 1 {
		t.Fatalf("white got %d sessionEnded, want 1", len(envs))
	}
	_ = envs[0].Decode(&ended)
	if ended.Outcome != session.OutcomeDraw || ended.Reason != session.ReasonDrawAgreement {
		t.Fatalf("ended = %+v", ended)
	}
	rec, _ := mem.Record(ctx, id)
	if rec.Winner != session.OutcomeDraw {
		t.Fatalf("durable outcome = %q", rec.Winner)
	}
}

func TestPersistBeforeBroadcast(t *testing.T) {
	mem := store.NewMem()
	black := newPeer("b")
	hooked := &hookStore{Store: mem}
	reg := session.NewRegistry(hooked)
	ctx := context.Background()
	id := newSession(t, mem)

	white := newPeer("w")
	mustJoin(t, reg, id, "alice", white, session.RequestPlayer)
	mustJoin(t, reg, id, "bob", black, session.RequestPlayer)

	// the hook runs while the store call is in flight; the broadcast must
	// not have happened yet
	hooked.beforeAppendMove = func() {
		if got := black.count(wire.TypeMoveBroadcast); got != 0 {
			t.Errorf("broadcast observed before persistence completed (%d frames)", got)
		}
	}
	if err := reg.SubmitMove(ctx, id, "w", wire.Move{MoveToken: "e4", FEN: "P1"}); err != nil {
		t.Fatalf("SubmitMove: %v", err)
	}
	if black.count(wire.TypeMoveBroadcast) != 1 {
		t.Fatalf("broadcast missing after persistence")
	}
}

func TestStoreFailureAbortsBeforeBroadcast(t *testing.T) {
	mem := store.NewMem()
	hooked := &hookStore{Store: mem, failAppendMove: errors.New("connection refused")}
	reg := session.NewRegistry(hooked)
	ctx := context.Background()
	id := newSession(t, mem)

	white, black := newPeer("w"), newPeer("b")
	mustJoin(t, reg, id, "alice", white, session.RequestPlayer)
	mustJoin(t, reg, id, "bob", black, session.RequestPlayer)

	err := reg.SubmitMove(ctx, id, "w", wire.Move{MoveToken: "e4", FEN: "P1"})
	if !errors.Is(err, session.ErrStoreUnavailable) {
		t.Fatalf("want ErrStoreUnavailable, got %v", err)
	}
	if black.count(wire.TypeMoveBroadcast) != 0 {
		t.Fatalf("failed persistence must suppress the broadcast")
	}

	// the session recovers once the store does
	hooked.failAppendMove = nil
	if err := reg.SubmitMove(ctx, id, "w", wire.Move{MoveToken: "e4", FEN: "P1"}); err != nil {
		t.Fatalf("retry after store recovery: %v", err)
	}
}

func TestChatReplayThenLive(t *testing.T) {
	mem := store.NewMem()
	reg := session.NewRegistry(mem)
	ctx := context.Background()
	id := newSession(t, mem)

	white := newPeer("w")
	mustJoin(t, reg, id, "alice", white, session.RequestPlayer)
	if err := reg.PostMessage(ctx, id, "w", "alice", "hi"); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if err := reg.PostMessage(ctx, id, "w", "alice", "anyone there?"); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}

	spec := newPeer("s")
	mustJoin(t, reg, id, "carol", spec, session.RequestSpectator)

	snap := spec.snapshot(t)
	if len(snap.ChatLog) != 2 || snap.ChatLog[0].Text != "hi" || snap.ChatLog[1].Text != "anyone there?" {
		t.Fatalf("replayed chat = %+v", snap.ChatLog)
	}
	if spec.count(wire.TypeChatBroadcast) != 0 {
		t.Fatalf("no live chat should precede the replay")
	}

	if err := reg.PostMessage(ctx, id, "w", "alice", "welcome"); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	live := spec.byType(wire.TypeChatBroadcast)
	if len(live) != 1 {
		t.Fatalf("spectator got %d live messages, want exactly 1", len(live))
	}
	var cb wire.ChatBroadcast
	_ = live[0].Decode(&cb)
	if cb.Text != "welcome" {
		t.Fatalf("live chat = %+v", cb)
	}
	// sender also receives its own chat broadcast
	if white.count(wire.TypeChatBroadcast) != 3 {
		t.Fatalf("sender got %d chat broadcasts, want 3", white.count(wire.TypeChatBroadcast))
	}
}

func TestChatAfterTermination(t *testing.T) {
	mem := store.NewMem()
	reg := session.NewRegistry(mem)
	ctx := context.Background()
	id := newSession(t, mem)

	white, spec := newPeer("w"), newPeer("s")
	mustJoin(t, reg, id, "alice", white, session.RequestPlayer)
	mustJoin(t, reg, id, "carol", spec, session.RequestSpectator)

	err := reg.SubmitMove(ctx, id, "w", wire.Move{
		Terminal: &wire.Termination{Outcome: session.OutcomeWhite, Reason: session.ReasonResignation},
	})
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}

	if err := reg.PostMessage(ctx, id, "w", "alice", "gg"); !errors.Is(err, session.ErrSessionEnded) {
		t.Fatalf("player chat after end: want ErrSessionEnded, got %v", err)
	}
	if err := reg.PostMessage(ctx, id, "s", "carol", "nice game"); err != nil {
		t.Fatalf("spectator chat after end: %v", err)
	}
}

func TestOptimisticShadowForUnknownSession(t *testing.T) {
	mem := store.NewMem()
	reg := session.NewRegistry(mem)
	ctx := context.Background()

	p := newPeer("c1")
	role, err := reg.Join(ctx, "never-created", "alice", p, session.RequestPlayer)
	if err != nil || role != session.RoleWhite {
		t.Fatalf("optimistic join: role=%v err=%v", role, err)
	}
	snap := p.snapshot(t)
	if len(snap.MoveLog) != 0 || len(snap.ChatLog) != 0 || snap.Termination != nil {
		t.Fatalf("optimistic snapshot must be empty, got %+v", snap)
	}

	// the store still reports the miss on the first persist attempt
	err = reg.SubmitMove(ctx, "never-created", "c1", wire.Move{MoveToken: "e4", FEN: "P1"})
	if !errors.Is(err, session.ErrUnknownSession) {
		t.Fatalf("want ErrUnknownSession, got %v", err)
	}
}

func TestEndedSessionReplaysTermination(t *testing.T) {
	mem := store.NewMem()
	reg := session.NewRegistry(mem)
	ctx := context.Background()
	id := newSession(t, mem)

	white := newPeer("w")
	mustJoin(t, reg, id, "alice", white, session.RequestPlayer)
	err := reg.SubmitMove(ctx, id, "w", wire.Move{
		MoveToken: "Qh4#", FEN: "P9",
		Terminal: &wire.Termination{Outcome: session.OutcomeWhite, Reason: session.ReasonCheckmate},
	})
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	reg.Leave("w") // shadow reaped

	// a later spectator re-attaches the shadow from the durable record
	spec := newPeer("s")
	mustJoin(t, reg, id, "carol", spec, session.RequestSpectator)
	snap := spec.snapshot(t)
	if snap.Termination == nil || snap.Termination.Outcome != session.OutcomeWhite {
		t.Fatalf("snapshot termination = %+v", snap.Termination)
	}
	if len(snap.MoveLog) != 1 || snap.MoveLog[0].Move != "Qh4#" {
		t.Fatalf("snapshot moves = %+v", snap.MoveLog)
	}
}

func TestDuplicateJoinIsIdempotent(t *testing.T) {
	mem := store.NewMem()
	reg := session.NewRegistry(mem)
	ctx := context.Background()
	id := newSession(t, mem)

	p := newPeer("c1")
	mustJoin(t, reg, id, "alice", p, session.RequestPlayer)
	role, err := reg.Join(ctx, id, "alice", p, session.RequestPlayer)
	if err != nil || role != session.RoleWhite {
		t.Fatalf("re-join: role=%v err=%v", role, err)
	}
	if pr, _ := reg.Presence(id); pr.PlayerCount != 1 {
		t.Fatalf("duplicate join must not add a member, presence=%+v", pr)
	}
}

func TestSlowPeerDoesNotBlockOthers(t *testing.T) {
	mem := store.NewMem()
	reg := session.NewRegistry(mem)
	ctx := context.Background()
	id := newSession(t, mem)

	white, black, spec := newPeer("w"), newPeer("b"), newPeer("s")
	mustJoin(t, reg, id, "alice", white, session.RequestPlayer)
	mustJoin(t, reg, id, "bob", black, session.RequestPlayer)
	mustJoin(t, reg, id, "carol", spec, session.RequestSpectator)

	spec.mu.Lock()
	spec.full = true
	spec.mu.Unlock()

	if err := reg.SubmitMove(ctx, id, "w", wire.Move{MoveToken: "e4", FEN: "P1"}); err != nil {
		t.Fatalf("SubmitMove with saturated spectator: %v", err)
	}
	if black.count(wire.TypeMoveBroadcast) != 1 {
		t.Fatalf("healthy peer must still receive the broadcast")
	}
}

func mustJoin(t *testing.T, reg *session.Registry, id, principal string, p *fakePeer, req session.RequestedRole) {
	t.Helper()
	if _, err := reg.Join(context.Background(), id, principal, p, req); err != nil {
		t.Fatalf("join %s as %s: %v", p.id, req, err)
	}
}
