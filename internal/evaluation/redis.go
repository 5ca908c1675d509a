package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultQueueName is the Redis list evaluation handoffs are pushed to
const DefaultQueueName = "queue:evaluation"

// RedisQueue implements Queue on Redis lists. Pop moves an entry onto a
// processing list (BLMOVE); it leaves that list only on Ack or DeadLetter,
// so a crashed worker's entry is recovered by Requeue on the next start.
type RedisQueue struct {
	client *redis.Client
	name   string
}

// NewRedisQueue creates a queue on the given list name
func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	if name == "" {
		name = DefaultQueueName
	}
	return &RedisQueue{client: client, name: name}
}

// ProcessingName is the list holding popped but unacknowledged handoffs
func (q *RedisQueue) ProcessingName() string {
	return q.name + ":processing"
}

// DeadLetterName is the list exhausted handoffs are parked on
func (q *RedisQueue) DeadLetterName() string {
	return q.name + ":failed"
}

// Publish pushes a handoff onto the queue
func (q *RedisQueue) Publish(ctx context.Context, h Handoff) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal handoff: %w", err)
	}
	if err := q.client.LPush(ctx, q.name, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue handoff: %w", err)
	}
	return nil
}

// Pop blocks until a handoff is available or timeout elapses
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	raw, err := q.client.BLMove(ctx, q.name, q.ProcessingName(), "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop handoff: %w", err)
	}

	d := &Delivery{Receipt: raw}
	if err := json.Unmarshal([]byte(raw), &d.Handoff); err != nil {
		// Unparseable entries would be redelivered forever
		if ackErr := q.Ack(ctx, d); ackErr != nil {
			return nil, fmt.Errorf("failed to drop malformed handoff: %w", ackErr)
		}
		return nil, fmt.Errorf("failed to parse handoff: %w", err)
	}
	return d, nil
}

// Ack removes a delivered handoff from the processing list
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.ProcessingName(), 1, d.Receipt).Err(); err != nil {
		return fmt.Errorf("failed to ack handoff: %w", err)
	}
	return nil
}

type deadLetter struct {
	Handoff
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// DeadLetter parks a handoff for out-of-band retry and acks it in one transaction
func (q *RedisQueue) DeadLetter(ctx context.Context, d *Delivery, cause error) error {
	entry := deadLetter{Handoff: d.Handoff, FailedAt: time.Now().UTC()}
	if cause != nil {
		entry.Error = cause.Error()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, q.DeadLetterName(), data)
		pipe.LRem(ctx, q.ProcessingName(), 1, d.Receipt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to park handoff: %w", err)
	}
	return nil
}

// Requeue moves every unacknowledged handoff back to the head of the queue.
// Call it before workers start; it assumes no other consumer is mid-flight.
func (q *RedisQueue) Requeue(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.ProcessingName(), q.name, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("failed to requeue handoffs: %w", err)
		}
		moved++
	}
}
