// Package rabbitmq carries queue wake-ups over RabbitMQ. The job table stays
// the source of truth; messages only tell workers to look.
package rabbitmq

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/coursegen/internal/queue"
)

type JobMessage struct {
	JobID string `json:"job_id"`
	Queue string `json:"queue"`
}

// Names returns the main, retry and dead-letter queue names for a job queue.
func Names(prefix string, name queue.Name) (main, retry, dlq string) {
	main = prefix + "." + string(name)
	return main, main + ".retry", main + ".dlq"
}

// declare sets up the three queues of one job queue:
// retry dead-letters back into main once a message's TTL runs out,
// main dead-letters into dlq on reject.
func declare(ch *amqp.Channel, prefix string, name queue.Name) error {
	mainQ, retryQ, dlqQ := Names(prefix, name)

	if _, err := ch.QueueDeclare(dlqQ, true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(retryQ, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": mainQ,
	}); err != nil {
		return err
	}
	_, err := ch.QueueDeclare(mainQ, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqQ,
	})
	return err
}

// Publisher implements queue.Notifier.
type Publisher struct {
	conn   *amqp.Connection
	mu     sync.Mutex
	ch     *amqp.Channel
	prefix string
}

func NewPublisher(url, prefix string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	for _, name := range queue.Names() {
		if err := declare(ch, prefix, name); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, err
		}
	}
	return &Publisher{conn: conn, ch: ch, prefix: prefix}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// JobReady publishes to the main queue, or to the retry queue with a
// per-message TTL when the job is not due yet.
func (p *Publisher) JobReady(ctx context.Context, name queue.Name, jobID string, delay time.Duration) error {
	mainQ, retryQ, _ := Names(p.prefix, name)
	if delay <= 0 {
		return p.publish(ctx, mainQ, name, jobID, "")
	}
	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return p.publish(ctx, retryQ, name, jobID, strconv.FormatInt(ms, 10))
}

func (p *Publisher) JobDead(ctx context.Context, name queue.Name, jobID string) error {
	_, _, dlqQ := Names(p.prefix, name)
	return p.publish(ctx, dlqQ, name, jobID, "")
}

func (p *Publisher) publish(ctx context.Context, routingKey string, name queue.Name, jobID, expiration string) error {
	body, err := json.Marshal(JobMessage{JobID: jobID, Queue: string(name)})
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(cctx,
		"",         // default exchange
		routingKey, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
			Expiration:   expiration,
		},
	)
}

var _ queue.Notifier = (*Publisher)(nil)
