package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another turn owns the collection.
var ErrLockHeld = errors.New("turn lock held")

var releaseScript = redisv9.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TurnLock serializes turns per collection across every server instance.
type TurnLock struct {
	client redisv9.UniversalClient
	ttl    time.Duration
}

func NewTurnLock(client redisv9.UniversalClient, ttl time.Duration) *TurnLock {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TurnLock{client: client, ttl: ttl}
}

// Acquire takes the lock for collectionID and returns the release func.
// Release only deletes the key if it still carries this holder's token.
func (l *TurnLock) Acquire(ctx context.Context, collectionID uint) (func(context.Context) error, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	key := l.key(collectionID)
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis acquire turn lock failed: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("redis release turn lock failed: %w", err)
		}
		return nil
	}
	return release, nil
}

func (l *TurnLock) key(collectionID uint) string {
	return fmt.Sprintf("chat:turn:lock:%d", collectionID)
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate lock token failed: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
