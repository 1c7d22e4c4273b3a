// Package locker provides keyed mutual exclusion for reservations, either across
// instances through Redis or inside one process.
package locker

import (
	"context"
	"errors"
	"sync"
	"time"

	"clinic-backend/internal/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	keyPrefix          = "lock:"
	defaultTTL         = 10 * time.Second
	defaultWait        = 5 * time.Second
	defaultRetryPeriod = 25 * time.Millisecond
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a SET NX lock with an owner token. The TTL bounds how long a crashed holder
// can block others.
type Redis struct {
	Client *redis.Client
	TTL    time.Duration
	Wait   time.Duration
}

// Acquire retries until the lock is taken, Wait elapses or ctx is done.
func (l *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	ttl, wait := l.TTL, l.Wait
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if wait <= 0 {
		wait = defaultWait
	}
	token := uuid.NewString()
	redisKey := keyPrefix + key
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.Client.SetNX(ctx, redisKey, token, ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() { l.release(redisKey, token) }, nil
		}
		if time.Now().After(deadline) {
			log.Warn().Str("lock_key", key).Msg("lock not acquired")
			return nil, domain.ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(defaultRetryPeriod):
		}
	}
}

func (l *Redis) release(redisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := releaseScript.Run(ctx, l.Client, []string{redisKey}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		log.Error().Err(err).Str("lock_key", redisKey).Msg("lock release failed")
		return
	}
	if n == 0 {
		log.Warn().Str("lock_key", redisKey).Msg("lock expired before release")
	}
}

// Local serializes holders of the same key inside one process.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return func() {
			<-s.ch
			l.drop(key, s)
		}, nil
	case <-ctx.Done():
		l.drop(key, s)
		return nil, ctx.Err()
	}
}

func (l *Local) drop(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
