package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"settlement-core/internal/order"
)

// DefaultTTL is how long a command waits for confirmation.
const DefaultTTL = 5 * time.Minute

// Store keeps pending commands until they are confirmed, cancelled or expire.
type Store interface {
	Put(ctx context.Context, cmd PendingCommand, ttl time.Duration) error
	// Take atomically fetches and removes the command. A token owned by another user is
	// left in place.
	Take(ctx context.Context, token, userID string) (*PendingCommand, error)
	Delete(ctx context.Context, token string) (bool, error)
}

func errTokenNotFound(token string) error {
	return fmt.Errorf("%w: confirmation %s not found or expired", order.ErrNotFound, token)
}

func errTokenOwner(token string) error {
	return fmt.Errorf("%w: confirmation %s belongs to another user", order.ErrUnauthorized, token)
}

// ----------------------------------------
// Redis
// ----------------------------------------

const pendingPrefix = "pending:"

// takeScript returns {0} when missing, {1} for a foreign owner and {2, payload} on success.
var takeScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'user')
if not owner then
  return {0}
end
if owner ~= ARGV[1] then
  return {1}
end
local payload = redis.call('HGET', KEYS[1], 'payload')
redis.call('DEL', KEYS[1])
return {2, payload}
`)

// RedisStore keeps each command in a hash pending:<token> with an EXPIRE.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func pendingKey(token string) string { return pendingPrefix + token }

func (s *RedisStore) Put(ctx context.Context, cmd PendingCommand, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode pending command: %w", err)
	}
	key := pendingKey(cmd.Token)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "user", cmd.UserID, "payload", payload)
		p.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store pending command: %w", err)
	}
	return nil
}

func (s *RedisStore) Take(ctx context.Context, token, userID string) (*PendingCommand, error) {
	res, err := takeScript.Run(ctx, s.client, []string{pendingKey(token)}, userID).Slice()
	if err != nil {
		return nil, fmt.Errorf("take pending command: %w", err)
	}
	if len(res) == 0 {
		return nil, errTokenNotFound(token)
	}
	switch code, _ := res[0].(int64); code {
	case 0:
		return nil, errTokenNotFound(token)
	case 1:
		return nil, errTokenOwner(token)
	}
	if len(res) < 2 {
		return nil, errTokenNotFound(token)
	}
	payload, _ := res[1].(string)
	var cmd PendingCommand
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		return nil, fmt.Errorf("decode pending command: %w", err)
	}
	return &cmd, nil
}

func (s *RedisStore) Delete(ctx context.Context, token string) (bool, error) {
	n, err := s.client.Del(ctx, pendingKey(token)).Result()
	if err != nil {
		return false, fmt.Errorf("delete pending command: %w", err)
	}
	return n > 0, nil
}

// ----------------------------------------
// In-process
// ----------------------------------------

type memoryEntry struct {
	cmd      PendingCommand
	deadline time.Time
}

// MemoryStore is the single-process Store used without redis.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty store. Expired entries are invisible immediately and
// reclaimed by StartJanitor.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryStore) Put(_ context.Context, cmd PendingCommand, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[cmd.Token] = memoryEntry{cmd: cmd, deadline: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Take(_ context.Context, token, userID string) (*PendingCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[token]
	if !ok || !s.now().Before(e.deadline) {
		delete(s.entries, token)
		return nil, errTokenNotFound(token)
	}
	if e.cmd.UserID != userID {
		return nil, errTokenOwner(token)
	}
	delete(s.entries, token)
	cmd := e.cmd
	return &cmd, nil
}

func (s *MemoryStore) Delete(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[token]
	delete(s.entries, token)
	return ok, nil
}

// Len counts stored entries, expired ones included until the janitor runs.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep drops expired entries and reports how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for token, e := range s.entries {
		if !now.Before(e.deadline) {
			delete(s.entries, token)
			n++
		}
	}
	return n
}

// StartJanitor sweeps every interval until ctx ends.
func (s *MemoryStore) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}
