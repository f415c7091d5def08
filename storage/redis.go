package storage

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/huykn/querycache/todo"
)

// RedisStore keeps todos in a Redis hash, one serialized todo per field.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	serializer Serializer
	now        Clock
}

// NewRedisStore creates a new Redis-backed store. Keys are namespaced under
// prefix.
func NewRedisStore(addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return NewRedisStoreWithClient(client, prefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "todo"
	}
	return &RedisStore{
		client:     client,
		prefix:     prefix,
		serializer: NewJSONSerializer(),
		now:        defaultClock,
	}
}

func (rs *RedisStore) itemsKey() string { return rs.prefix + ":items" }
func (rs *RedisStore) seqKey() string   { return rs.prefix + ":seq" }

// List returns every todo in creation order.
func (rs *RedisStore) List(ctx context.Context) ([]todo.Todo, error) {
	fields, err := rs.client.HGetAll(ctx, rs.itemsKey()).Result()
	if err != nil {
		return nil, err
	}
	list := make([]todo.Todo, 0, len(fields))
	for _, raw := range fields {
		var t todo.Todo
		if err := rs.serializer.Unmarshal([]byte(raw), &t); err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool {
		a, _ := strconv.Atoi(list[i].ID)
		b, _ := strconv.Atoi(list[j].ID)
		return a < b
	})
	return list, nil
}

// Get returns the todo with id.
func (rs *RedisStore) Get(ctx context.Context, id string) (todo.Todo, error) {
	raw, err := rs.client.HGet(ctx, rs.itemsKey(), id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return todo.Todo{}, ErrNotFound
		}
		return todo.Todo{}, err
	}
	var t todo.Todo
	err = rs.serializer.Unmarshal(raw, &t)
	return t, err
}

// Add creates an open todo.
func (rs *RedisStore) Add(ctx context.Context, text string) (todo.Todo, error) {
	id, err := rs.client.Incr(ctx, rs.seqKey()).Result()
	if err != nil {
		return todo.Todo{}, err
	}
	t := todo.Todo{
		ID:        strconv.FormatInt(id, 10),
		Text:      text,
		Status:    todo.StatusOpen,
		CreatedAt: rs.now(),
	}
	return t, rs.put(ctx, t)
}

// Update applies patch to the todo with id. Concurrent updates of the same
// todo are last-writer-wins.
func (rs *RedisStore) Update(ctx context.Context, id string, patch todo.Patch) (todo.Todo, error) {
	t, err := rs.Get(ctx, id)
	if err != nil {
		return todo.Todo{}, err
	}
	t = applyPatch(t, patch)
	return t, rs.put(ctx, t)
}

func (rs *RedisStore) put(ctx context.Context, t todo.Todo) error {
	data, err := rs.serializer.Marshal(t)
	if err != nil {
		return err
	}
	return rs.client.HSet(ctx, rs.itemsKey(), t.ID, data).Err()
}

// Clear removes every todo and resets the ID sequence.
func (rs *RedisStore) Clear(ctx context.Context) error {
	return rs.client.Del(ctx, rs.itemsKey(), rs.seqKey()).Err()
}

// Close closes the Redis connection.
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}

// GetClient returns the underlying Redis client.
func (rs *RedisStore) GetClient() *redis.Client {
	return rs.client
}
