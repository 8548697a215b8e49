// Package store provides typed operations over a Redis-compatible server:
// strings, hashes, lists, sets, sorted sets, expiring keys, pub/sub,
// optimistic watch+multi transactions, and scripted locks.
//
// All keys pass through Key, which applies the configured prefix, so
// parallel deployments can share one server without colliding.
package store

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key or member does not exist.
var ErrNotFound = redis.Nil

// ErrAuth indicates the server rejected our credentials. The distinction
// matters operationally: reconnect loops will never recover from it.
var ErrAuth = errors.New("store: authentication rejected")

// Config holds connection parameters for the backing store.
type Config struct {
	Addr      string
	Password  string
	DB        int
	TLS       bool
	KeyPrefix string
}

// Store wraps a single Redis connection. It is safe for concurrent use.
type Store struct {
	rdb    *redis.Client
	cfg    Config
	prefix string
}

// New connects to the configured server and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	s := &Store{
		rdb:    redis.NewClient(opts),
		cfg:    cfg,
		prefix: cfg.KeyPrefix,
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.rdb.Ping(pingCtx).Err(); err != nil {
		return nil, translateErr(err)
	}
	return s, nil
}

// Duplicate opens a second connection with the same configuration.
// Subscriber traffic must not share a connection with regular commands.
func (s *Store) Duplicate(ctx context.Context) (*Store, error) {
	return New(ctx, s.cfg)
}

// Key joins the parts with ":" under the configured prefix.
func (s *Store) Key(parts ...string) string {
	joined := strings.Join(parts, ":")
	if s.prefix == "" {
		return joined
	}
	return s.prefix + ":" + joined
}

// Client exposes the underlying go-redis client for pipelines and
// operations not covered by the typed helpers.
func (s *Store) Client() *redis.Client {
	return s.rdb
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return translateErr(s.rdb.Ping(ctx).Err())
}

// Close releases the connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// --- Strings ---

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	return val, translateErr(err)
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return translateErr(s.rdb.Set(ctx, key, value, ttl).Err())
}

// SetNX sets the key only if absent. Returns true when the key was set.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	return ok, translateErr(err)
}

// --- Hashes ---

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := s.rdb.HGet(ctx, key, field).Result()
	return val, translateErr(err)
}

func (s *Store) HSet(ctx context.Context, key string, pairs ...any) error {
	return translateErr(s.rdb.HSet(ctx, key, pairs...).Err())
}

func (s *Store) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	n, err := s.rdb.HIncrBy(ctx, key, field, incr).Result()
	return n, translateErr(err)
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	return m, translateErr(err)
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	return translateErr(s.rdb.HDel(ctx, key, fields...).Err())
}

// --- Lists ---

func (s *Store) RPush(ctx context.Context, key string, values ...any) error {
	return translateErr(s.rdb.RPush(ctx, key, values...).Err())
}

func (s *Store) LPush(ctx context.Context, key string, values ...any) error {
	return translateErr(s.rdb.LPush(ctx, key, values...).Err())
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.rdb.LRange(ctx, key, start, stop).Result()
	return vals, translateErr(err)
}

func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	return translateErr(s.rdb.LTrim(ctx, key, start, stop).Err())
}

func (s *Store) LRem(ctx context.Context, key string, count int64, value any) error {
	return translateErr(s.rdb.LRem(ctx, key, count, value).Err())
}

func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.LLen(ctx, key).Result()
	return n, translateErr(err)
}

// --- Sets ---

func (s *Store) SAdd(ctx context.Context, key string, members ...any) error {
	return translateErr(s.rdb.SAdd(ctx, key, members...).Err())
}

func (s *Store) SRem(ctx context.Context, key string, members ...any) error {
	return translateErr(s.rdb.SRem(ctx, key, members...).Err())
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, key).Result()
	return members, translateErr(err)
}

func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.SCard(ctx, key).Result()
	return n, translateErr(err)
}

func (s *Store) SIsMember(ctx context.Context, key string, member any) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, key, member).Result()
	return ok, translateErr(err)
}

// --- Sorted sets ---

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return translateErr(s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.rdb.ZRange(ctx, key, start, stop).Result()
	return vals, translateErr(err)
}

func (s *Store) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.rdb.ZRevRange(ctx, key, start, stop).Result()
	return vals, translateErr(err)
}

func (s *Store) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]redis.Z, error) {
	vals, err := s.rdb.ZRangeWithScores(ctx, key, start, stop).Result()
	return vals, translateErr(err)
}

func (s *Store) ZScore(ctx context.Context, key, member string) (float64, error) {
	score, err := s.rdb.ZScore(ctx, key, member).Result()
	return score, translateErr(err)
}

func (s *Store) ZRem(ctx context.Context, key string, members ...any) error {
	return translateErr(s.rdb.ZRem(ctx, key, members...).Err())
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, key).Result()
	return n, translateErr(err)
}

func (s *Store) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	n, err := s.rdb.ZRemRangeByScore(ctx, key, min, max).Result()
	return n, translateErr(err)
}

func (s *Store) ZCount(ctx context.Context, key, min, max string) (int64, error) {
	n, err := s.rdb.ZCount(ctx, key, min, max).Result()
	return n, translateErr(err)
}

// --- Keys ---

func (s *Store) Del(ctx context.Context, keys ...string) error {
	return translateErr(s.rdb.Del(ctx, keys...).Err())
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, translateErr(err)
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return translateErr(s.rdb.Expire(ctx, key, ttl).Err())
}

// --- Pub/sub ---

func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	return translateErr(s.rdb.Publish(ctx, channel, payload).Err())
}

// Subscribe opens a subscription on this connection. Use a Duplicate store
// when the process also issues regular commands.
func (s *Store) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, channels...)
}

// --- Transactions ---

// Watch runs fn inside an optimistic transaction over the given keys.
// fn should read through the tx and queue writes with tx.TxPipelined;
// a concurrent modification of a watched key yields redis.TxFailedErr.
func (s *Store) Watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	return s.rdb.Watch(ctx, fn, keys...)
}

// TxPipeline returns a MULTI/EXEC pipeline.
func (s *Store) TxPipeline() redis.Pipeliner {
	return s.rdb.TxPipeline()
}

// translateErr maps transport-level failures to diagnosable errors.
// redis.Nil passes through untouched so callers can test for absence.
func translateErr(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "NOAUTH") || strings.Contains(msg, "WRONGPASS") {
		return fmt.Errorf("%w: check REDIS_PASSWORD (%s)", ErrAuth, msg)
	}
	return err
}
