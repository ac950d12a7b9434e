package store

// Schema mirrors the knightfight relational layout: one row per session,
// append-only move and chat logs keyed by game_id.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS games (
		game_id UUID PRIMARY KEY,
		time_control VARCHAR(50) DEFAULT 'unlimited',
		time_limit INTEGER,
		private BOOLEAN DEFAULT FALSE,
		specter_link TEXT,
		winner VARCHAR(10) DEFAULT NULL,
		win_reason VARCHAR(20) DEFAULT NULL,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS moves (
		id SERIAL PRIMARY KEY,
		game_id UUID REFERENCES games(game_id),
		move_number INTEGER,
		move TEXT,
		fen TEXT,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS moves_game_idx ON moves (game_id, move_number)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id SERIAL PRIMARY KEY,
		game_id UUID REFERENCES games(game_id),
		sender TEXT,
		message TEXT,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS chat_game_idx ON chat_messages (game_id, created_at)`,
}
