package queue

import (
	"context"
	"errors"
	"time"

	"github.com/dunamismax/flipcut/internal/domain"
	"github.com/hibiken/asynq"
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Client schedules artifact expiry on the asynq queue.
type Client struct {
	client enqueuer
	queue  string
	ttl    time.Duration
	now    func() time.Time
}

func NewClient(redisOpt asynq.RedisConnOpt, queueName string, ttl time.Duration) (*Client, error) {
	if ttl <= 0 {
		return nil, errors.New("artifact ttl must be positive")
	}
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

func (c *Client) EnqueueExpireArtifacts(ctx context.Context, payload ExpireArtifactsPayload, delay time.Duration) (*asynq.TaskInfo, error) {
	task, err := NewExpireArtifactsTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(5),
		asynq.Timeout(time.Minute),
	)
}

// ScheduleExpiry queues removal of both artifacts of result once the
// configured TTL has passed.
func (c *Client) ScheduleExpiry(ctx context.Context, result domain.Result) error {
	_, err := c.EnqueueExpireArtifacts(ctx, ExpireArtifactsPayload{
		RequestID:   result.RequestID,
		Paths:       result.Processed.Paths(),
		RequestedAt: c.now().UTC(),
	}, c.ttl)
	return err
}

func (c *Client) TTL() time.Duration {
	return c.ttl
}

func (c *Client) Close() error {
	return c.client.Close()
}
