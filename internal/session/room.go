package session

import (
	"sync"

	"github.com/PRATHAMU200/knightfight/pkg/wire"
)

// member is one registered connection inside a room.
type member struct {
	peer      Peer
	principal string
	role      Role
}

// room is the live in-memory shadow of one session. All mutation happens
// under mu, which is the per-session single writer required by the
// coordination contract. A room holding mu may call the durable store; it
// must never acquire the registry map lock.
type room struct {
	id string

	mu      sync.Mutex
	loaded  bool // cached logs populated from the store
	closed  bool // garbage-collected; do not reuse
	members map[string]*member
	white   string // connection id holding the slot, "" when free
	black   string
	moves   []wire.MoveEntry
	chat    []wire.ChatEntry
	ended   *wire.Termination
}

func newRoom(id string) *room {
	return &room{id: id, members: make(map[string]*member)}
}

// locked helpers; callers hold r.mu.

func (r *room) memberOf(connID string) *member {
	return r.members[connID]
}

func (r *room) seat(connID string, role Role) {
	switch role {
	case RoleWhite:
		r.white = connID
	case RoleBlack:
		r.black = connID
	}
}

// unseat frees the color slot held by connID, if any.
func (r *room) unseat(connID string) {
	if r.white == connID {
		r.white = ""
	}
	if r.black == connID {
		r.black = ""
	}
}

// opponent returns the player member other than connID, or nil.
func (r *room) opponent(connID string) *member {
	for id, m := range r.members {
		if id != connID && m.role.IsPlayer() {
			return m
		}
	}
	return nil
}

func (r *room) counts() (players, spectators int) {
	for _, m := range r.members {
		if m.role.IsPlayer() {
			players++
		} else {
			spectators++
		}
	}
	return
}

func (r *room) memberIDs() []string {
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	return ids
}

// presenceNow builds the presence payload from the current membership.
func (r *room) presenceNow() wire.Presence {
	players, spectators := r.counts()
	return wire.Presence{
		PlayerCount:    players,
		SpectatorCount: spectators,
		Players:        r.memberIDs(),
	}
}

// broadcast fans the envelope out to every member except the ids in skip.
// Sends are fire-and-forget; a full peer buffer drops the frame for that
// peer only.
func (r *room) broadcast(env wire.Envelope, skip ...string) (dropped []string) {
	for id, m := range r.members {
		if contains(skip, id) {
			continue
		}
		if !m.peer.Send(env) {
			dropped = append(dropped, id)
		}
	}
	return dropped
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
