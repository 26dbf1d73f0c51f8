// Package queueconfig persists the retry configuration of each queue.
package queueconfig

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/suPer8Hu/coursegen/internal/apperr"
	"github.com/suPer8Hu/coursegen/internal/queue"
)

// Values are the tunables of one queue. All must be >= 1.
type Values struct {
	Attempts              int `json:"attempts"`
	BackoffDelayMs        int `json:"backoffDelayMs"`
	RateLimitRetrySeconds int `json:"rateLimitRetrySeconds"`
	MaxBackoffMinutes     int `json:"maxBackoffMinutes"`
}

func (v Values) validate() error {
	switch {
	case v.Attempts < 1:
		return apperr.Validation("attempts", "must be a positive integer")
	case v.BackoffDelayMs < 1:
		return apperr.Validation("backoffDelayMs", "must be a positive integer")
	case v.RateLimitRetrySeconds < 1:
		return apperr.Validation("rateLimitRetrySeconds", "must be a positive integer")
	case v.MaxBackoffMinutes < 1:
		return apperr.Validation("maxBackoffMinutes", "must be a positive integer")
	}
	return nil
}

func (v Values) Policy() queue.Policy {
	return queue.Policy{
		Attempts:       v.Attempts,
		BackoffDelay:   time.Duration(v.BackoffDelayMs) * time.Millisecond,
		RateLimitRetry: time.Duration(v.RateLimitRetrySeconds) * time.Second,
		MaxBackoff:     time.Duration(v.MaxBackoffMinutes) * time.Minute,
	}
}

type QueueConfig struct {
	QueueName string `gorm:"primaryKey;type:varchar(32)" json:"queue"`
	Values    `gorm:"embedded"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (QueueConfig) TableName() string { return "queue_configs" }

// Update is the body of a config write. Every field is required; a nil
// field is reported as missing.
type Update struct {
	Attempts              *int `json:"attempts"`
	BackoffDelayMs        *int `json:"backoffDelayMs"`
	RateLimitRetrySeconds *int `json:"rateLimitRetrySeconds"`
	MaxBackoffMinutes     *int `json:"maxBackoffMinutes"`
}

func (u Update) values() (Values, error) {
	fields := []struct {
		name string
		v    *int
	}{
		{"attempts", u.Attempts},
		{"backoffDelayMs", u.BackoffDelayMs},
		{"rateLimitRetrySeconds", u.RateLimitRetrySeconds},
		{"maxBackoffMinutes", u.MaxBackoffMinutes},
	}
	for _, f := range fields {
		if f.v == nil {
			return Values{}, apperr.Validation(f.name, "is required")
		}
	}
	v := Values{
		Attempts:              *u.Attempts,
		BackoffDelayMs:        *u.BackoffDelayMs,
		RateLimitRetrySeconds: *u.RateLimitRetrySeconds,
		MaxBackoffMinutes:     *u.MaxBackoffMinutes,
	}
	return v, v.validate()
}

type Store struct {
	db       *gorm.DB
	defaults Defaults
	group    singleflight.Group
}

func NewStore(db *gorm.DB, defaults Defaults) *Store {
	if defaults == nil {
		defaults = BuiltinDefaults()
	}
	return &Store{db: db, defaults: defaults}
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&QueueConfig{})
}

// Get returns the queue's config, creating the row with defaults on first
// access. Concurrent first reads insert at most one row.
func (s *Store) Get(ctx context.Context, name queue.Name) (*QueueConfig, error) {
	if !name.Valid() {
		return nil, invalidQueue(name)
	}
	v, err, _ := s.group.Do(string(name), func() (any, error) {
		return s.getOrCreate(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	cfg := *v.(*QueueConfig)
	return &cfg, nil
}

func (s *Store) getOrCreate(ctx context.Context, name queue.Name) (*QueueConfig, error) {
	var cfg QueueConfig
	err := s.db.WithContext(ctx).Where("queue_name = ?", name).Take(&cfg).Error
	if err == nil {
		return &cfg, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	row := QueueConfig{QueueName: string(name), Values: s.defaults[name], UpdatedAt: time.Now().UTC()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("seed queue config %s: %w", name, err)
	}
	// another process may have won the insert; read back whatever is stored
	if err := s.db.WithContext(ctx).Where("queue_name = ?", name).Take(&cfg).Error; err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Update replaces the queue's config atomically.
func (s *Store) Update(ctx context.Context, name queue.Name, u Update) (*QueueConfig, error) {
	if !name.Valid() {
		return nil, invalidQueue(name)
	}
	v, err := u.values()
	if err != nil {
		return nil, err
	}
	row := QueueConfig{QueueName: string(name), Values: v, UpdatedAt: time.Now().UTC()}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "queue_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"attempts", "backoff_delay_ms", "rate_limit_retry_seconds", "max_backoff_minutes", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Policy adapts the stored config to the queue's retry policy.
func (s *Store) Policy(ctx context.Context, name queue.Name) (queue.Policy, error) {
	cfg, err := s.Get(ctx, name)
	if err != nil {
		return queue.Policy{}, err
	}
	return cfg.Values.Policy(), nil
}

func invalidQueue(name queue.Name) error {
	_, err := queue.ParseName(string(name))
	return err
}

var _ queue.PolicySource = (*Store)(nil)
