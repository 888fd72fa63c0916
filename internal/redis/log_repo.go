package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/restreamkit/restream-server/internal/domain/stream"
	"go.uber.org/zap"
)

func logKey(id int64) string    { return streamKey(id) + ":log" }
func logSeqKey(id int64) string { return streamKey(id) + ":log_seq" }

// LogRepository is the Redis-backed append-only per-stream log. Implements
// registry.LogStore.
//
// Each stream's log is a list of JSON entries capped at `cap` via LTRIM, with
// a separate INCR counter providing monotonic sequence numbers that survive
// trimming. Writers for different IDs never touch the same keys.
type LogRepository struct {
	client *Client
	log    *zap.Logger
	cap    int64
	now    func() time.Time
}

// NewLogRepository initializes a LogRepository retaining up to capacity
// entries per stream.
func NewLogRepository(log *zap.Logger, client *Client, capacity int64) *LogRepository {
	if capacity <= 0 {
		capacity = 500
	}
	return &LogRepository{
		log:    log.Named("log_repo"),
		client: client,
		cap:    capacity,
		now:    time.Now,
	}
}

// Append adds an entry with the next sequence number for id and trims the
// list to the retention cap.
func (r *LogRepository) Append(ctx context.Context, id int64, sev stream.Severity, msg string) error {
	seq, err := r.client.Incr(ctx, logSeqKey(id)).Result()
	if err != nil {
		return fmt.Errorf("incr seq: %w", err)
	}

	payload, err := json.Marshal(stream.LogEntry{
		StreamID:  id,
		Sequence:  seq,
		Timestamp: r.now(),
		Severity:  sev,
		Message:   msg,
	})
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, logKey(id), payload)
	pipe.LTrim(ctx, logKey(id), -r.cap, -1)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// Tail returns up to limit of the most recent entries in append order.
func (r *LogRepository) Tail(ctx context.Context, id int64, limit int) ([]stream.LogEntry, error) {
	n := int64(limit)
	if n <= 0 || n > r.cap {
		n = r.cap
	}

	vals, err := r.client.LRange(ctx, logKey(id), -n, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange: %w", err)
	}

	out := make([]stream.LogEntry, 0, len(vals))
	for i, v := range vals {
		var e stream.LogEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			r.log.Warn("bad log entry json",
				zap.String("key", logKey(id)), zap.Int("index", i), zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Drop discards all log entries and the sequence counter for id.
func (r *LogRepository) Drop(ctx context.Context, id int64) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, logKey(id))
	pipe.Del(ctx, logSeqKey(id))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}
