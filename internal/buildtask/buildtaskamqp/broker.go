package buildtaskamqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/k11v/backslash/internal/amqputil"
	"github.com/k11v/backslash/internal/buildtask"
)

// DefaultQueue is the durable queue of pending compile jobs.
const DefaultQueue = "compile.pending"

var _ buildtask.Broker = (*Broker)(nil)
var _ buildtask.PendingCounter = (*Broker)(nil)

type Broker struct {
	conn  *amqputil.Conn
	queue string
	log   *slog.Logger
}

type DialParams struct {
	URL       string        // required
	Queue     string        // default: DefaultQueue
	Heartbeat time.Duration // optional
	Log       *slog.Logger  // optional
}

func Dial(ctx context.Context, params *DialParams) (*Broker, error) {
	queue := params.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	log := params.Log
	if log == nil {
		log = slog.Default()
	}

	conn, err := amqputil.Dial(ctx, &amqputil.DialParams{
		URL:       params.URL,
		Heartbeat: params.Heartbeat,
		Queue: &amqputil.QueueDeclareParams{
			Name:    queue,
			Durable: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("buildtaskamqp.Dial: %w", err)
	}

	return &Broker{
		conn:  conn,
		queue: queue,
		log:   log.With("component", "broker", "queue", queue),
	}, nil
}

// NewDialer returns a dialer for Scheduler.
func NewDialer(params *DialParams) buildtask.BrokerDialer {
	return func(ctx context.Context) (buildtask.Broker, error) {
		return Dial(ctx, params)
	}
}

func (broker *Broker) SendBuildTask(ctx context.Context, j *buildtask.Job) error {
	body, err := buildtask.EncodeJob(j)
	if err != nil {
		return fmt.Errorf("send build task: %w", err)
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    j.BuildID.String(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err = broker.conn.Publish(ctx, broker.queue, msg); err != nil {
		return fmt.Errorf("send build task: %w", err)
	}
	return nil
}

// ReceiveBuildTask returns the next task without waiting.
// Messages that can't be decoded are rejected without requeueing and skipped.
func (broker *Broker) ReceiveBuildTask(ctx context.Context) (*buildtask.Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("receive build task: %w", err)
		}

		msg, ok, err := broker.conn.Get(broker.queue)
		if err != nil {
			return nil, fmt.Errorf("receive build task: %w", err)
		}
		if !ok {
			return nil, buildtask.ErrQueueEmpty
		}

		j, err := buildtask.DecodeJob(msg.Body)
		if err != nil {
			broker.log.Error("rejected build task", "message_id", msg.MessageId, "error", err)
			if nackErr := broker.conn.Nack(msg.DeliveryTag, false); nackErr != nil {
				return nil, fmt.Errorf("receive build task: %w", errors.Join(err, nackErr))
			}
			continue
		}

		tag := msg.DeliveryTag
		return &buildtask.Task{
			Job: j,
			Ack: func() error {
				return broker.conn.Ack(tag)
			},
			Nack: func(requeue bool) error {
				return broker.conn.Nack(tag, requeue)
			},
		}, nil
	}
}

func (broker *Broker) Status() buildtask.BrokerStatus {
	switch broker.conn.State() {
	case amqputil.StateConnecting:
		return buildtask.BrokerStatusConnecting
	case amqputil.StateReady:
		return buildtask.BrokerStatusReady
	case amqputil.StateClosed:
		return buildtask.BrokerStatusClosed
	default:
		return buildtask.BrokerStatusError
	}
}

func (broker *Broker) PendingCount(ctx context.Context) (int, error) {
	n, err := broker.conn.QueueLen(broker.queue)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

func (broker *Broker) Close() error {
	return broker.conn.Close()
}
