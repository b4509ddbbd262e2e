package sessionstore

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/park285/chess98-live/internal/session"
	"github.com/redis/go-redis/v9"
)

const (
	ttlGame    = 24 * time.Hour
	maxChatLen = 500
)

// Store keeps the latest authoritative session view and the chat log of each
// game in redis. It satisfies session.Store.
type Store struct{ rdb *redis.Client }

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

// Open connects to REDIS_URL (redis:// or rediss://) and pings it.
func Open(ctx context.Context, redisURL string) (*Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, errors.New("redis url required")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func keySnapshot(gameID string) string { return "live:game:" + strings.TrimSpace(gameID) + ":snapshot" }
func keyChat(gameID string) string     { return "live:game:" + strings.TrimSpace(gameID) + ":chat" }
func keyLastGame(playerID string) string {
	return "live:index:player:" + strings.TrimSpace(playerID) + ":last"
}

// SaveSnapshot stores v without its chat log, which lives in its own list.
func (s *Store) SaveSnapshot(ctx context.Context, gameID string, v session.View) error {
	v.Chat = nil
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, keySnapshot(gameID), raw, ttlGame).Err()
}

// LoadSnapshot returns nil, nil when nothing is stored.
func (s *Store) LoadSnapshot(ctx context.Context, gameID string) (*session.View, error) {
	raw, err := s.rdb.Get(ctx, keySnapshot(gameID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v session.View
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// AppendChat pushes lines in order and keeps the newest maxChatLen entries.
func (s *Store) AppendChat(ctx context.Context, gameID string, lines ...session.ChatLine) error {
	if len(lines) == 0 {
		return nil
	}
	vals := make([]any, 0, len(lines))
	for _, l := range lines {
		raw, err := json.Marshal(l)
		if err != nil {
			return err
		}
		vals = append(vals, raw)
	}
	key := keyChat(gameID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, vals...)
	pipe.LTrim(ctx, key, -maxChatLen, -1)
	pipe.Expire(ctx, key, ttlGame)
	_, err := pipe.Exec(ctx)
	return err
}

// Chat returns the stored log oldest first. Undecodable entries are skipped.
func (s *Store) Chat(ctx context.Context, gameID string) ([]session.ChatLine, error) {
	raws, err := s.rdb.LRange(ctx, keyChat(gameID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]session.ChatLine, 0, len(raws))
	for _, r := range raws {
		var l session.ChatLine
		if err := json.Unmarshal([]byte(r), &l); err != nil {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// SetLastGame remembers the game a player joined most recently.
func (s *Store) SetLastGame(ctx context.Context, playerID, gameID string) error {
	if strings.TrimSpace(playerID) == "" || strings.TrimSpace(gameID) == "" {
		return nil
	}
	return s.rdb.Set(ctx, keyLastGame(playerID), strings.TrimSpace(gameID), ttlGame).Err()
}

// LastGame returns "" when the player has no remembered game.
func (s *Store) LastGame(ctx context.Context, playerID string) (string, error) {
	id, err := s.rdb.Get(ctx, keyLastGame(playerID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
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
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad redis db %q", p)
		}
		db = n
	}
	pass, _ := u.User.Password()
	opts := &redis.Options{Addr: u.Host, Username: u.User.Username(), Password: pass, DB: db}
	if u.Scheme == "rediss" {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}
