package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/PRATHAMU200/knightfight/internal/session"
	"github.com/PRATHAMU200/knightfight/pkg/wire"
)

// Postgres implements the coordinator's Store contract plus the companion
// create/status boundary on top of a pq connection pool.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(databaseURL string) (*Postgres, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// EnsureSchema creates the tables when absent.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, q := range schemaStatements {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// CreateSession inserts the durable record and returns its identifier.
func (p *Postgres) CreateSession(ctx context.Context, params CreateParams) (string, error) {
	id := uuid.NewString()
	tc := strings.TrimSpace(params.TimeControl)
	if tc == "" {
		tc = TimeControlUnlimited
	}
	var limit sql.NullInt64
	if params.TimeLimitSec > 0 {
		limit = sql.NullInt64{Int64: int64(params.TimeLimitSec), Valid: true}
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO games (game_id, time_control, time_limit, private, specter_link)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, tc, limit, params.Private, nullStr(params.SpecterLink),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Record returns the full session row, or session.ErrUnknownSession.
func (p *Postgres) Record(ctx context.Context, sessionID string) (*SessionRecord, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT game_id, time_control, COALESCE(time_limit, 0), private,
		        COALESCE(specter_link, ''), COALESCE(winner, ''), COALESCE(win_reason, ''), created_at
		 FROM games WHERE game_id = $1`, sessionID)
	var r SessionRecord
	err := row.Scan(&r.ID, &r.TimeControl, &r.TimeLimitSec, &r.Private,
		&r.SpecterLink, &r.Winner, &r.WinReason, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrUnknownSession
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Termination reports the session's end state, nil while in progress.
func (p *Postgres) Termination(ctx context.Context, sessionID string) (*wire.Termination, error) {
	r, err := p.Record(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !r.Ended() {
		return nil, nil
	}
	return &wire.Termination{Outcome: r.Winner, Reason: r.WinReason}, nil
}

// MoveLog returns the ordered move log.
func (p *Postgres) MoveLog(ctx context.Context, sessionID string) ([]wire.MoveEntry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT move, fen FROM moves WHERE game_id = $1 ORDER BY move_number ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []wire.MoveEntry
	for rows.Next() {
		var e wire.MoveEntry
		if err := rows.Scan(&e.Move, &e.FEN); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ChatLog returns the ordered chat log.
func (p *Postgres) ChatLog(ctx context.Context, sessionID string) ([]wire.ChatEntry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT sender, message, created_at FROM chat_messages
		 WHERE game_id = $1 ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []wire.ChatEntry
	for rows.Next() {
		var e wire.ChatEntry
		if err := rows.Scan(&e.Sender, &e.Text, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendMove appends one move; the guarded insert surfaces unknown ids
// without a separate existence query.
func (p *Postgres) AppendMove(ctx context.Context, sessionID string, ply int, entry wire.MoveEntry) error {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO moves (game_id, move_number, move, fen)
		 SELECT $1, $2, $3, $4 WHERE EXISTS (SELECT 1 FROM games WHERE game_id = $1)`,
		sessionID, ply, entry.Move, entry.FEN)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// AppendChat appends one chat line.
func (p *Postgres) AppendChat(ctx context.Context, sessionID string, entry wire.ChatEntry) error {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO chat_messages (game_id, sender, message, created_at)
		 SELECT $1, $2, $3, $4 WHERE EXISTS (SELECT 1 FROM games WHERE game_id = $1)`,
		sessionID, entry.Sender, entry.Text, entry.Timestamp)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// FinishSession writes the optional final move and the outcome in one
// transaction.
func (p *Postgres) FinishSession(ctx context.Context, sessionID string, final *wire.MoveEntry, ply int, t wire.Termination) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if final != nil {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO moves (game_id, move_number, move, fen)
			 SELECT $1, $2, $3, $4 WHERE EXISTS (SELECT 1 FROM games WHERE game_id = $1)`,
			sessionID, ply, final.Move, final.FEN)
		if err != nil {
			return err
		}
		if err := requireRow(res); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE games SET winner = $2, win_reason = $3 WHERE game_id = $1`,
		sessionID, t.Outcome, t.Reason)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return session.ErrUnknownSession
	}
	return nil
}

func nullStr(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}
