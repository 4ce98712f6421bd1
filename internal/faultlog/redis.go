// Package faultlog ships classified faults to an append-only Redis stream so
// that collectors outside the process can follow them.
package faultlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/agentcore/pkg/config"
	"github.com/NikhilSetiya/agentcore/pkg/errors"
	"github.com/NikhilSetiya/agentcore/pkg/health"
)

const (
	DefaultStream = "agentcore:faults"
	DefaultMaxLen = 10000
)

// Entry is one fault read back from the stream.
type Entry struct {
	StreamID string          `json:"stream_id"`
	FaultID  string          `json:"fault_id"`
	Kind     errors.Kind     `json:"kind"`
	Severity errors.Severity `json:"severity"`
	Payload  json.RawMessage `json:"payload"`
}

// Sink appends faults to a capped Redis stream.
type Sink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
	owned  bool
}

// NewSink wraps an existing client. The caller keeps ownership of client.
func NewSink(client redis.UniversalClient, stream string, maxLen int64) (*Sink, error) {
	if client == nil {
		return nil, errors.NewValidationFailed("redis client is required")
	}
	if stream == "" {
		stream = DefaultStream
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Sink{client: client, stream: stream, maxLen: maxLen}, nil
}

// Open dials Redis from cfg and verifies the connection with a ping.
func Open(ctx context.Context, cfg config.RedisConfig) (*Sink, error) {
	if cfg.Addr == "" {
		return nil, errors.NewConfigurationMismatch("redis.addr", "redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(errors.KindOptionalUnavailable, err, "fault stream unavailable",
			map[string]interface{}{"subsystem": "faultlog", "addr": cfg.Addr})
	}

	sink, err := NewSink(client, cfg.Stream, cfg.StreamMaxLen)
	if err != nil {
		client.Close()
		return nil, err
	}
	sink.owned = true
	return sink, nil
}

// Client returns the Redis client the sink writes through.
func (s *Sink) Client() redis.UniversalClient { return s.client }

// Stream returns the stream key.
func (s *Sink) Stream() string { return s.stream }

// Append adds f to the stream, trimming it to roughly maxLen entries.
func (s *Sink) Append(ctx context.Context, f *errors.Fault) error {
	if f == nil {
		return nil
	}

	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal fault %s: %w", f.ID, err)
	}

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":       f.ID,
			"kind":     string(f.Kind),
			"severity": string(f.Severity),
			"payload":  string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("append fault %s to %s: %w", f.ID, s.stream, err)
	}
	return nil
}

// Recent returns up to count entries, newest first.
func (s *Sink) Recent(ctx context.Context, count int64) ([]Entry, error) {
	if count <= 0 {
		count = 50
	}

	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", count).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.stream, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, decode(msg))
	}
	return entries, nil
}

// Len reports the number of entries currently held in the stream.
func (s *Sink) Len(ctx context.Context) (int64, error) {
	n, err := s.client.XLen(ctx, s.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("length of %s: %w", s.stream, err)
	}
	return n, nil
}

// Checker reports whether the stream's Redis server answers.
func (s *Sink) Checker() health.Checker {
	return health.NewRedisChecker(s.client, "fault_stream")
}

// Close releases the client when the sink dialed it itself.
func (s *Sink) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func decode(msg redis.XMessage) Entry {
	entry := Entry{StreamID: msg.ID}
	if v, ok := msg.Values["id"].(string); ok {
		entry.FaultID = v
	}
	if v, ok := msg.Values["kind"].(string); ok {
		entry.Kind = errors.Kind(v)
	}
	if v, ok := msg.Values["severity"].(string); ok {
		entry.Severity = errors.Severity(v)
	}
	if v, ok := msg.Values["payload"].(string); ok && json.Valid([]byte(v)) {
		entry.Payload = json.RawMessage(v)
	}
	return entry
}
