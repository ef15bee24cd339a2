package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zero-day-ai/rubriceval/runner"
)

// RedisOptions configures the Redis sink.
type RedisOptions struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379").
	URL string

	// Prefix namespaces keys and the channel (default: "rubriceval").
	Prefix string

	// ConnectTimeout bounds the initial ping (default: 5s).
	ConnectTimeout time.Duration
}

// Redis stores each record under HSET <prefix>:<agent>:<task> <answer> and
// publishes it on <prefix>:results.
type Redis struct {
	client *redis.Client
	prefix string
}

var _ runner.Sink = (*Redis)(nil)

// NewRedis connects and pings the server.
func NewRedis(opts RedisOptions) (*Redis, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.Prefix == "" {
		opts.Prefix = "rubriceval"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	redisOpts.DialTimeout = opts.ConnectTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Redis{client: client, prefix: opts.Prefix}, nil
}

// Key returns the hash holding agent's records for taskID.
func (r *Redis) Key(agent, taskID string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, agent, taskID)
}

// Channel returns the pub/sub channel records are published on.
func (r *Redis) Channel() string {
	return r.prefix + ":results"
}

// Write stores and publishes rec in one pipeline.
func (r *Redis) Write(ctx context.Context, rec runner.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.Key(rec.Agent, rec.TaskID), rec.AnswerID, data)
		p.Publish(ctx, r.Channel(), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store record in Redis: %w", err)
	}
	return nil
}

// Records returns every stored record for agent and taskID, ordered by
// answer id.
func (r *Redis) Records(ctx context.Context, agent, taskID string) ([]runner.Record, error) {
	fields, err := r.client.HGetAll(ctx, r.Key(agent, taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}

	out := make([]runner.Record, 0, len(fields))
	for answerID, data := range fields {
		var rec runner.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to parse record %s: %w", answerID, err)
		}
		out = append(out, rec)
	}
	runner.SortRecords(out)
	return out, nil
}

// Subscribe streams records published by any writer until ctx ends.
func (r *Redis) Subscribe(ctx context.Context) (<-chan runner.Record, error) {
	sub := r.client.Subscribe(ctx, r.Channel())
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", r.Channel(), err)
	}

	out := make(chan runner.Record, 16)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var rec runner.Record
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
