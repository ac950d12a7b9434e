// Package httpapi is the non-real-time companion boundary: session creation
// and status lookup. Gameplay never flows through here.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/PRATHAMU200/knightfight/internal/obslog"
	"github.com/PRATHAMU200/knightfight/internal/session"
	"github.com/PRATHAMU200/knightfight/internal/store"
)

// SessionStore is the slice of the durable store this surface needs.
type SessionStore interface {
	CreateSession(ctx context.Context, params store.CreateParams) (string, error)
	Record(ctx context.Context, sessionID string) (*store.SessionRecord, error)
}

// Liveness reports live membership counts for a session, ok=false when the
// session has no live shadow.
type Liveness interface {
	Counts(ctx context.Context, sessionID string) (players, spectators int, ok bool, err error)
}

// RegistryLiveness adapts the in-process registry when no presence mirror
// is configured.
type RegistryLiveness struct {
	Reg *session.Registry
}

func (l RegistryLiveness) Counts(_ context.Context, sessionID string) (int, int, bool, error) {
	p, ok := l.Reg.Presence(sessionID)
	return p.PlayerCount, p.SpectatorCount, ok, nil
}

type API struct {
	store   SessionStore
	live    Liveness
	origins []string
}

func New(st SessionStore, live Liveness, origins []string) *API {
	return &API{store: st, live: live, origins: origins}
}

// Register installs the companion routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.Handle("POST /createnewgame", a.cors(http.HandlerFunc(a.createGame)))
	mux.Handle("GET /games/{id}", a.cors(http.HandlerFunc(a.gameStatus)))
	mux.Handle("OPTIONS /", a.cors(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
}

type createGameRequest struct {
	TimeControl string `json:"time_control"`
	TimeLimit   int    `json:"time_limit"`
	Private     bool   `json:"private"`
	SpecterLink string `json:"specter_link"`
}

type createGameResponse struct {
	Success bool   `json:"success"`
	GameID  string `json:"game_id,omitempty"`
	Message string `json:"message,omitempty"`
}

func (a *API) createGame(w http.ResponseWriter, r *http.Request) {
	var req createGameRequest
	// an empty body means all defaults, matching the original endpoint
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, createGameResponse{Message: "invalid request body"})
		return
	}
	id, err := a.store.CreateSession(r.Context(), store.CreateParams{
		TimeControl:  req.TimeControl,
		TimeLimitSec: req.TimeLimit,
		Private:      req.Private,
		SpecterLink:  req.SpecterLink,
	})
	if err != nil {
		obslog.L().Error("create_game_error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, createGameResponse{Message: "error creating game"})
		return
	}
	obslog.L().Info("create_game", zap.String("session_id", id),
		zap.String("time_control", req.TimeControl), zap.Bool("private", req.Private))
	writeJSON(w, http.StatusOK, createGameResponse{Success: true, GameID: id})
}

type gameStatusResponse struct {
	GameID           string `json:"game_id"`
	TimeControl      string `json:"time_control"`
	TimeLimit        int    `json:"time_limit,omitempty"`
	Private          bool   `json:"private"`
	Winner           string `json:"winner,omitempty"`
	WinReason        string `json:"win_reason,omitempty"`
	CreatedAt        string `json:"created_at"`
	PlayersOnline    int    `json:"players_online"`
	SpectatorsOnline int    `json:"spectators_online"`
}

func (a *API) gameStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	rec, err := a.store.Record(r.Context(), id)
	if errors.Is(err, session.ErrUnknownSession) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "game not found"})
		return
	}
	if err != nil {
		obslog.L().Error("game_status_error", zap.String("session_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "error loading game"})
		return
	}

	resp := gameStatusResponse{
		GameID:      rec.ID,
		TimeControl: rec.TimeControl,
		TimeLimit:   rec.TimeLimitSec,
		Private:     rec.Private,
		Winner:      rec.Winner,
		WinReason:   rec.WinReason,
		CreatedAt:   rec.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if a.live != nil {
		if p, s, ok, err := a.live.Counts(r.Context(), id); err == nil && ok {
			resp.PlayersOnline, resp.SpectatorsOnline = p, s
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) cors(next http.Handler) http.Handler {
	origin := "*"
	if len(a.origins) > 0 {
		origin = a.origins[0]
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
