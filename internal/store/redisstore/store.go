package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	progressPrefix = "job_progress:"
	progressTTL    = time.Hour
)

type Store struct {
	rdb *redis.Client
}

type Options struct {
	Addr     string
	Password string
	DB       int
}

func New(opt Options) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     opt.Addr,
		Password: opt.Password,
		DB:       opt.DB,
	})}
}

func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Client() *redis.Client { return s.rdb }

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Progress is a worker's self-reported position inside a running job.
type Progress struct {
	Stage     string `json:"stage"`
	Percent   int    `json:"percent"`
	UpdatedAt int64  `json:"updated_at"`
}

func (s *Store) SetProgress(ctx context.Context, jobID string, p Progress) error {
	if p.Percent < 0 {
		p.Percent = 0
	}
	if p.Percent > 100 {
		p.Percent = 100
	}
	if p.UpdatedAt == 0 {
		p.UpdatedAt = time.Now().UnixMilli()
	}
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, progressPrefix+jobID, b, progressTTL).Err()
}

// GetProgress returns nil, nil when the job has reported nothing recently.
func (s *Store) GetProgress(ctx context.Context, jobID string) (*Progress, error) {
	b, err := s.rdb.Get(ctx, progressPrefix+jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p Progress
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode progress of %s: %w", jobID, err)
	}
	return &p, nil
}

func (s *Store) ClearProgress(ctx context.Context, jobID string) error {
	return s.rdb.Del(ctx, progressPrefix+jobID).Err()
}

// Hit counts one request against key in a fixed window and returns the
// count so far and the time until the window resets. The key is created with
// its expiry in the same MULTI as the increment, so it never lives past the
// window.
func (s *Store) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, key, 0, window)
		incr = pipe.Incr(ctx, key)
		ttl = pipe.TTL(ctx, key)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	reset := ttl.Val()
	if reset < 0 || reset > window {
		reset = window
	}
	return incr.Val(), reset, nil
}
