package server

import (
	"context"
	"fmt"
	"sync"

	"protoedit/editcore/internal/config"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

// Relay fans collab messages of an app out to every hub subscribed to it
type Relay interface {
	Publish(ctx context.Context, appID string, msg []byte) error
	// Subscribe calls fn with every message published for appID until the
	// returned function is called. fn must not block.
	Subscribe(ctx context.Context, appID string, fn func(msg []byte)) (func(), error)
	Close() error
}

// LocalRelay delivers messages inside one process
type LocalRelay struct {
	mu   sync.RWMutex
	next int
	subs map[string]map[int]func([]byte)
}

// NewLocalRelay creates an in-process relay
func NewLocalRelay() *LocalRelay {
	return &LocalRelay{subs: make(map[string]map[int]func([]byte))}
}

func (l *LocalRelay) Publish(_ context.Context, appID string, msg []byte) error {
	l.mu.RLock()
	fns := make([]func([]byte), 0, len(l.subs[appID]))
	for _, fn := range l.subs[appID] {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		fn(msg)
	}
	return nil
}

func (l *LocalRelay) Subscribe(_ context.Context, appID string, fn func([]byte)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.next
	l.next++
	if l.subs[appID] == nil {
		l.subs[appID] = make(map[int]func([]byte))
	}
	l.subs[appID][id] = fn

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs[appID], id)
		if len(l.subs[appID]) == 0 {
			delete(l.subs, appID)
		}
	}, nil
}

func (l *LocalRelay) Close() error {
	return nil
}

// RedisRelay shares collab messages between server instances through Redis
// pub/sub, one channel per app
type RedisRelay struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisRelay connects to the Redis server of cfg
func NewRedisRelay(ctx context.Context, cfg config.RedisConfig) (*RedisRelay, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("could not connect to Redis at %s: %w", cfg.Addr, err)
	}
	glog.Infof("Connected to Redis at %s", cfg.Addr)
	return &RedisRelay{rdb: rdb, prefix: cfg.Prefix}, nil
}

func (r *RedisRelay) channel(appID string) string {
	return r.prefix + appID
}

func (r *RedisRelay) Publish(ctx context.Context, appID string, msg []byte) error {
	if err := r.rdb.Publish(ctx, r.channel(appID), msg).Err(); err != nil {
		return fmt.Errorf("failed to publish to Redis: %w", err)
	}
	return nil
}

func (r *RedisRelay) Subscribe(ctx context.Context, appID string, fn func([]byte)) (func(), error) {
	pubsub := r.rdb.Subscribe(ctx, r.channel(appID))
	// Wait for the subscription so no message published after Subscribe
	// returns is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", r.channel(appID), err)
	}

	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			fn([]byte(msg.Payload))
		}
	}()

	return func() {
		if err := pubsub.Close(); err != nil {
			glog.Warningf("Error closing Redis subscription %s: %v", r.channel(appID), err)
		}
	}, nil
}

func (r *RedisRelay) Close() error {
	return r.rdb.Close()
}
