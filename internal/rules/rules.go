// Package rules hosts the injected legality capability. The coordinator
// relays moves as opaque tokens; deployments that want server-side
// validation wire Engine in, everyone else keeps Permissive.
package rules

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/PRATHAMU200/knightfight/pkg/wire"
)

// Permissive accepts every move. This is the default: legality is owned by
// the trusted rules engine on the client side.
type Permissive struct{}

func (Permissive) Check(string, string, []wire.MoveEntry) error { return nil }

// Engine validates move tokens against a reconstructed game. Tokens are
// accepted in UCI or algebraic notation.
type Engine struct{}

func NewEngine() Engine { return Engine{} }

func (Engine) Check(moveToken, resultingPosition string, history []wire.MoveEntry) error {
	game := nchess.NewGame()
	for i, h := range history {
		if err := pushToken(game, h.Move); err != nil {
			return fmt.Errorf("history ply %d (%s): %w", i+1, h.Move, err)
		}
	}
	if err := pushToken(game, moveToken); err != nil {
		return err
	}
	if fen := strings.TrimSpace(resultingPosition); fen != "" && fen != game.FEN() {
		return fmt.Errorf("position mismatch after %s", moveToken)
	}
	return nil
}

func pushToken(game *nchess.Game, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("empty move token")
	}
	if err := game.PushNotationMove(strings.ToLower(token), nchess.UCINotation{}, nil); err == nil {
		return nil
	}
	if err := game.PushNotationMove(token, nchess.AlgebraicNotation{}, nil); err != nil {
		return fmt.Errorf("not a legal move: %s", token)
	}
	return nil
}
