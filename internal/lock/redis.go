// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Redis is a SET NX lock with a TTL. The TTL bounds how long a crashed
// holder blocks other runs; live holders keep refreshing it.
type Redis struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

// NewRedis returns a lock on key with the given TTL.
func NewRedis(rdb *redis.Client, key string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Redis{rdb: rdb, key: key, ttl: ttl}
}

// TryAcquire sets the key if absent or returns ErrHeld.
func (r *Redis) TryAcquire(ctx context.Context) (Lease, error) {
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SETNX: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}

	l := &redisLease{lock: r, token: token, stop: make(chan struct{})}
	l.wg.Add(1)
	go l.keepalive()
	return l, nil
}

type redisLease struct {
	lock  *Redis
	token string
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
	err   error
}

func (l *redisLease) keepalive() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.lock.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if err := l.refresh(context.Background()); err != nil {
				slog.Error("run lock refresh failed", "key", l.lock.key, "error", err)
			}
		}
	}
}

func (l *redisLease) refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.lock.rdb, []string{l.lock.key}, l.token, l.lock.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("lock no longer owned")
	}
	return nil
}

// Release stops the keepalive and deletes the key if this lease still owns it.
func (l *redisLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		close(l.stop)
		l.wg.Wait()

		n, err := releaseScript.Run(context.WithoutCancel(ctx), l.lock.rdb, []string{l.lock.key}, l.token).Int()
		if err != nil {
			l.err = fmt.Errorf("release redis lock: %w", err)
			return
		}
		if n == 0 {
			slog.Warn("run lock expired before release", "key", l.lock.key)
		}
	})
	return l.err
}
