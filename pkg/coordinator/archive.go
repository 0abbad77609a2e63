package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/examwatch/proctor/pkg/incident"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Record is an archived incident of a room.
type Record struct {
	RoomID string `json:"roomId"`
	incident.Incident
}

// Archive keeps the last incidents of each room.
type Archive interface {
	Append(ctx context.Context, r Record) error
	List(ctx context.Context, room string) ([]Record, error)
	Close() error
}

const DefaultArchiveLimit = 1000

type MemoryArchive struct {
	limit int
	mu    sync.Mutex
	rooms map[string][]Record
}

func NewMemoryArchive(limit int) *MemoryArchive {
	if limit <= 0 {
		limit = DefaultArchiveLimit
	}
	return &MemoryArchive{limit: limit, rooms: make(map[string][]Record)}
}

func (a *MemoryArchive) Append(_ context.Context, r Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	list := append(a.rooms[r.RoomID], r)
	if over := len(list) - a.limit; over > 0 {
		list = append([]Record(nil), list[over:]...)
	}
	a.rooms[r.RoomID] = list
	return nil
}

func (a *MemoryArchive) List(_ context.Context, room string) ([]Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Record, len(a.rooms[room]))
	copy(out, a.rooms[room])
	return out, nil
}

func (a *MemoryArchive) Close() error { return nil }

// RedisArchive stores the incidents of a room as a capped redis list.
type RedisArchive struct {
	client *redis.Client
	prefix string
	limit  int64
}

func NewRedisArchive(ctx context.Context, opts *redis.Options, prefix string, limit int) (*RedisArchive, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %v: %w", opts.Addr, err)
	}
	if limit <= 0 {
		limit = DefaultArchiveLimit
	}
	return &RedisArchive{client: client, prefix: prefix, limit: int64(limit)}, nil
}

func (a *RedisArchive) key(room string) string { return a.prefix + room }

func (a *RedisArchive) Append(ctx context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	key := a.key(r.RoomID)
	pipe := a.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -a.limit, -1)
	_, err = pipe.Exec(ctx)
	return err
}

func (a *RedisArchive) List(ctx context.Context, room string) ([]Record, error) {
	items, err := a.client.LRange(ctx, a.key(room), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(items))
	for _, item := range items {
		var r Record
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, fmt.Errorf("archived incident: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (a *RedisArchive) Close() error { return a.client.Close() }
