package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/coursegen/internal/logger"
	"github.com/suPer8Hu/coursegen/internal/queue"
)

// Consumer turns deliveries on a job queue's main RabbitMQ queue into wake
// signals for the worker pool.
type Consumer struct {
	conn   *amqp.Connection
	prefix string
	log    *logger.Logger
}

func NewConsumer(url, prefix string, log *logger.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Consumer{conn: conn, prefix: prefix, log: log.With("component", "RabbitConsumer")}, nil
}

func (c *Consumer) Close() error {
	return c.conn.Close()
}

// Wake returns a channel that receives a value for each delivery on name's
// main queue. Deliveries are acked on receipt; a dropped wake-up only delays
// a job until the next poll. The channel closes when ctx ends or the
// delivery stream does.
func (c *Consumer) Wake(ctx context.Context, name queue.Name, prefetch int) (<-chan struct{}, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := declare(ch, c.prefix, name); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if prefetch < 1 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("qos: %w", err)
	}
	mainQ, _, _ := Names(c.prefix, name)
	msgs, err := ch.Consume(mainQ, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", mainQ, err)
	}

	out := make(chan struct{}, prefetch)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					c.log.Warn("delivery channel closed", "queue", mainQ)
					return
				}
				if err := d.Ack(false); err != nil {
					c.log.Warn("ack failed", "queue", mainQ, "error", err)
				}
				select {
				case out <- struct{}{}:
				default:
					// a wake-up is already pending
				}
			}
		}
	}()
	return out, nil
}
