// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package redis mirrors the live connection registry into Redis so that
// several OmniPort instances can be observed from one place.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/threefour/omniport/pkg/metrics"
	"github.com/threefour/omniport/pkg/registry"
)

const (
	defaultKeyTTL    = time.Hour
	defaultQueueSize = 1024
	writeTimeout     = 5 * time.Second
)

// Config holds the mirror configuration.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Instance names this process in every key. Defaults to "default".
	Instance string

	// KeyTTL bounds how long keys of a dead instance survive.
	KeyTTL time.Duration

	// HeartbeatInterval defaults to a third of KeyTTL.
	HeartbeatInterval time.Duration

	QueueSize int
}

type opKind int

const (
	opPut opKind = iota
	opDelete
)

type op struct {
	kind opKind
	conn registry.Connection
}

// Mirror is a registry.Observer that writes every inserted connection to
// Redis and deletes it on removal. Writes happen on the goroutine running
// Run; when the queue is full the event is dropped and counted.
type Mirror struct {
	client  *goredis.Client
	config  Config
	queue   chan op
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu   sync.Mutex
	live map[string]struct{}
}

var _ registry.Observer = (*Mirror)(nil)

// New connects to Redis and returns a mirror for it.
func New(ctx context.Context, cfg Config, m *metrics.Metrics, logger *slog.Logger) (*Mirror, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewWithClient(client, cfg, m, logger), nil
}

// NewWithClient returns a mirror writing through client.
func NewWithClient(client *goredis.Client, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Mirror {
	if cfg.Instance == "" {
		cfg.Instance = "default"
	}
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = defaultKeyTTL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.KeyTTL / 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		client:  client,
		config:  cfg,
		queue:   make(chan op, cfg.QueueSize),
		metrics: m,
		logger:  logger,
		live:    make(map[string]struct{}),
	}
}

func (m *Mirror) connKey(id string) string {
	return "omniport:" + m.config.Instance + ":conn:" + id
}

func (m *Mirror) setKey() string {
	return "omniport:" + m.config.Instance + ":conns"
}

// Inserted implements registry.Observer.
func (m *Mirror) Inserted(c registry.Connection) {
	m.enqueue(op{kind: opPut, conn: c})
}

// Removed implements registry.Observer.
func (m *Mirror) Removed(c registry.Connection) {
	m.enqueue(op{kind: opDelete, conn: c})
}

func (m *Mirror) enqueue(o op) {
	select {
	case m.queue <- o:
	default:
		m.metrics.Dropped()
		m.logger.Warn("registry mirror queue full, event dropped", slog.String("id", o.conn.ID))
	}
}

// Run writes queued events and refreshes key TTLs until ctx is done. On
// exit it removes every key this instance still owns.
func (m *Mirror) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.flush()
			m.clear()
			return nil
		case o := <-m.queue:
			m.apply(o)
		case <-ticker.C:
			m.heartbeat()
		}
	}
}

func (m *Mirror) flush() {
	for {
		select {
		case o := <-m.queue:
			m.apply(o)
		default:
			return
		}
	}
}

func (m *Mirror) apply(o op) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch o.kind {
	case opPut:
		err = m.put(ctx, o.conn)
	case opDelete:
		err = m.delete(ctx, o.conn.ID)
	}
	if err != nil {
		m.logger.Error("failed to mirror connection",
			slog.String("id", o.conn.ID),
			slog.String("error", err.Error()))
	}
}

func (m *Mirror) put(ctx context.Context, c registry.Connection) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal connection: %w", err)
	}

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, m.connKey(c.ID), data, m.config.KeyTTL)
	pipe.SAdd(ctx, m.setKey(), c.ID)
	pipe.Expire(ctx, m.setKey(), m.config.KeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.live[c.ID] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *Mirror) delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()

	pipe := m.client.TxPipeline()
	pipe.Del(ctx, m.connKey(id))
	pipe.SRem(ctx, m.setKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (m *Mirror) heartbeat() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	pipe := m.client.Pipeline()
	pipe.Expire(ctx, m.setKey(), m.config.KeyTTL)
	for _, id := range ids {
		pipe.Expire(ctx, m.connKey(id), m.config.KeyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("registry mirror heartbeat failed", slog.String("error", err.Error()))
	}
}

func (m *Mirror) clear() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.live = make(map[string]struct{})
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	keys := []string{m.setKey()}
	for _, id := range ids {
		keys = append(keys, m.connKey(id))
	}
	if err := m.client.Del(ctx, keys...).Err(); err != nil {
		m.logger.Warn("failed to clear registry mirror", slog.String("error", err.Error()))
	}
}

// Ping checks the Redis connection.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (m *Mirror) Close() error {
	return m.client.Close()
}
