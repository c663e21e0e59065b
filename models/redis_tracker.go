package models

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout of a run. Every key of run <id> lives under RunKey(id).
const (
	keyPrefix = "inspect-wandb:run"

	// RunsChannel receives a message when a run finishes.
	RunsChannel = "inspect-wandb:runs"

	// RunsIndex is the set of all run ids.
	RunsIndex = "inspect-wandb:runs:index"
)

// Run states stored in the run hash.
const (
	StateRunning  = "running"
	StateFinished = "finished"
)

// RunKey returns the key of a run hash, or of one of its parts when parts are
// given (e.g. RunKey(id, "history")).
func RunKey(id string, parts ...string) string {
	return formatKeyName(append([]string{keyPrefix, id}, parts...)...)
}

// formatKeyName ensures consistent key naming with the inspect-wandb:run:<id>:* pattern.
func formatKeyName(parts ...string) string {
	return strings.Join(parts, ":")
}

// RunEvent is published on RunsChannel.
type RunEvent struct {
	RunID   string `json:"run_id"`
	Entity  string `json:"entity"`
	Project string `json:"project"`
	State   string `json:"state"`
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379")
	URL string

	// TLS configuration for secure connections
	TLS *tls.Config

	// ConnectTimeout is the maximum time to wait for connection establishment
	ConnectTimeout time.Duration

	// ReadTimeout is the maximum time to wait for read operations
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait for write operations
	WriteTimeout time.Duration
}

// RedisTracker is a Tracker that stores runs in Redis. History rows go to a
// stream, config, summary, metrics, files and media to hashes, and tags to a
// set. Finishing a run publishes a RunEvent on RunsChannel.
type RedisTracker struct {
	client *redis.Client
}

var _ Tracker = (*RedisTracker)(nil)

// NewRedisTracker connects to Redis with the given options.
func NewRedisTracker(opts RedisOptions) (*RedisTracker, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}

	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 30 * time.Second
	}

	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	redisOpts.TLSConfig = opts.TLS
	redisOpts.DialTimeout = opts.ConnectTimeout
	redisOpts.ReadTimeout = opts.ReadTimeout
	redisOpts.WriteTimeout = opts.WriteTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisTracker{client: client}, nil
}

// Init creates the run hash and adds the run to the index. Initializing an
// existing run id resumes it.
func (t *RedisTracker) Init(ctx context.Context, opts RunOptions) (Run, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("run id is required")
	}

	key := RunKey(opts.ID)
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"id", opts.ID,
			"entity", opts.Entity,
			"project", opts.Project,
			"state", StateRunning,
		)
		pipe.HSetNX(ctx, key, "started_at", time.Now().UTC().Format(time.RFC3339Nano))
		pipe.SAdd(ctx, RunsIndex, opts.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create run %s: %w", opts.ID, err)
	}

	return &redisRun{client: t.client, opts: opts}, nil
}

// Close closes the Redis connection.
func (t *RedisTracker) Close() error {
	return t.client.Close()
}

type redisRun struct {
	client *redis.Client
	opts   RunOptions

	mu       sync.Mutex
	finished bool
}

func (r *redisRun) ID() string {
	return r.opts.ID
}

func (r *redisRun) UpdateConfig(ctx context.Context, values map[string]any) error {
	return r.setJSONFields(ctx, RunKey(r.opts.ID, "config"), values)
}

func (r *redisRun) DefineMetric(ctx context.Context, metric, stepMetric string) error {
	if err := r.client.HSet(ctx, RunKey(r.opts.ID, "metrics"), metric, stepMetric).Err(); err != nil {
		return fmt.Errorf("failed to define metric %s: %w", metric, err)
	}
	return nil
}

func (r *redisRun) AddTags(ctx context.Context, tags ...string) error {
	if len(tags) == 0 {
		return nil
	}
	members := make([]interface{}, len(tags))
	for i, tag := range tags {
		members[i] = tag
	}
	if err := r.client.SAdd(ctx, RunKey(r.opts.ID, "tags"), members...).Err(); err != nil {
		return fmt.Errorf("failed to add tags: %w", err)
	}
	return nil
}

func (r *redisRun) Log(ctx context.Context, row map[string]any) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal history row: %w", err)
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: RunKey(r.opts.ID, "history"),
		Values: map[string]interface{}{"row": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append history row: %w", err)
	}
	return nil
}

func (r *redisRun) UpdateSummary(ctx context.Context, values map[string]any) error {
	return r.setJSONFields(ctx, RunKey(r.opts.ID, "summary"), values)
}

func (r *redisRun) SaveFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file %s: %w", path, err)
	}
	if err := r.client.HSet(ctx, RunKey(r.opts.ID, "files"), filepath.Base(path), data).Err(); err != nil {
		return fmt.Errorf("failed to save file %s: %w", path, err)
	}
	return nil
}

func (r *redisRun) LogImage(ctx context.Context, key, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read image %s: %w", path, err)
	}
	if err := r.client.HSet(ctx, RunKey(r.opts.ID, "media"), key, data).Err(); err != nil {
		return fmt.Errorf("failed to log image %s: %w", key, err)
	}
	return nil
}

// Finish marks the run finished and announces it on RunsChannel.
func (r *redisRun) Finish(ctx context.Context) error {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return nil
	}
	r.finished = true
	r.mu.Unlock()

	event, err := json.Marshal(RunEvent{
		RunID:   r.opts.ID,
		Entity:  r.opts.Entity,
		Project: r.opts.Project,
		State:   StateFinished,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal run event: %w", err)
	}

	err = r.client.HSet(ctx, RunKey(r.opts.ID),
		"state", StateFinished,
		"finished_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", r.opts.ID, err)
	}

	if err := r.client.Publish(ctx, RunsChannel, event).Err(); err != nil {
		return fmt.Errorf("failed to publish to channel %s: %w", RunsChannel, err)
	}
	return nil
}

// setJSONFields writes each value as a JSON-encoded hash field.
func (r *redisRun) setJSONFields(ctx context.Context, key string, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", k, err)
		}
		args = append(args, k, string(data))
	}
	if err := r.client.HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}
