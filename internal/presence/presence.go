// Package presence mirrors live session membership counts to Redis so the
// request/response surface can report liveness without touching the
// coordinator. All writes are best-effort: a mirror failure is logged and
// never blocks or aborts session coordination.
package presence

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/PRATHAMU200/knightfight/internal/obslog"
)

const (
	ttl     = 24 * time.Hour
	callMax = 2 * time.Second
)

type Mirror struct {
	rdb *redis.Client
}

func New(redisURL string) (*Mirror, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for presence mirror")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Mirror{rdb: rdb}, nil
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(rdb *redis.Client) *Mirror { return &Mirror{rdb: rdb} }

func (m *Mirror) Close() error {
	if m == nil || m.rdb == nil {
		return nil
	}
	return m.rdb.Close()
}

func keySession(id string) string { return "live:session:" + strings.TrimSpace(id) }
func keyIndex() string            { return "live:index" }

// Update mirrors the current membership counts of one session.
func (m *Mirror) Update(sessionID string, playerCount, spectatorCount int) {
	ctx, cancel := context.WithTimeout(context.Background(), callMax)
	defer cancel()
	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, keySession(sessionID), "players", playerCount, "spectators", spectatorCount)
	pipe.Expire(ctx, keySession(sessionID), ttl)
	pipe.SAdd(ctx, keyIndex(), sessionID)
	pipe.Expire(ctx, keyIndex(), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		obslog.L().Warn("presence_mirror_error",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Drop removes a garbage-collected session from the mirror.
func (m *Mirror) Drop(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), callMax)
	defer cancel()
	pipe := m.rdb.TxPipeline()
	pipe.Del(ctx, keySession(sessionID))
	pipe.SRem(ctx, keyIndex(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		obslog.L().Warn("presence_drop_error",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Counts reads the mirrored counts; ok is false when the session has no
// live shadow.
func (m *Mirror) Counts(ctx context.Context, sessionID string) (players, spectators int, ok bool, err error) {
	vals, err := m.rdb.HGetAll(ctx, keySession(sessionID)).Result()
	if err != nil {
		return 0, 0, false, err
	}
	if len(vals) == 0 {
		return 0, 0, false, nil
	}
	players, _ = strconv.Atoi(vals["players"])
	spectators, _ = strconv.Atoi(vals["spectators"])
	return players, spectators, true, nil
}

// Live lists session ids with a live shadow.
func (m *Mirror) Live(ctx context.Context) ([]string, error) {
	return m.rdb.SMembers(ctx, keyIndex()).Result()
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
