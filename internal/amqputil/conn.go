package amqputil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const dialTimeout = 30 * time.Second

type QueueDeclareParams struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool
	Args       amqp091.Table
}

// State is the observed state of a Conn.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Conn is an AMQP connection with a single channel.
// Channel operations are serialized.
type Conn struct {
	conn  *amqp091.Connection
	state atomic.Int32

	mu sync.Mutex
	ch *amqp091.Channel
}

type DialParams struct {
	URL       string              // required
	Heartbeat time.Duration       // default: 10s
	Queue     *QueueDeclareParams // optional
}

// Dial connects, opens a channel and declares the queue if there is one.
// The returned Conn watches its connection and channel and switches to StateError
// when the broker closes either of them.
func Dial(ctx context.Context, params *DialParams) (*Conn, error) {
	heartbeat := params.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}

	conn, err := amqp091.DialConfig(params.URL, amqp091.Config{
		Heartbeat: heartbeat,
		Locale:    "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			d := &net.Dialer{Timeout: dialTimeout}
			c, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// The client clears the deadline after the handshake.
			if err = c.SetDeadline(time.Now().Add(dialTimeout)); err != nil {
				_ = c.Close()
				return nil, err
			}
			return c, nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("amqputil: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqputil: %w", err)
	}

	if q := params.Queue; q != nil {
		_, err = ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, q.NoWait, q.Args)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("amqputil: %w", err)
		}
	}

	c := &Conn{conn: conn, ch: ch}
	c.state.Store(int32(StateReady))
	go c.watch(conn.NotifyClose(make(chan *amqp091.Error, 1)), ch.NotifyClose(make(chan *amqp091.Error, 1)))
	return c, nil
}

func (c *Conn) watch(connClosed, chClosed <-chan *amqp091.Error) {
	var amqpErr *amqp091.Error
	select {
	case amqpErr = <-connClosed:
	case amqpErr = <-chClosed:
	}
	if amqpErr != nil {
		c.state.Store(int32(StateError))
		return
	}
	c.state.CompareAndSwap(int32(StateReady), int32(StateClosed))
}

// State returns the current state without blocking.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Publish proxies [amqp091.Channel.PublishWithContext] on the default exchange.
func (c *Conn) Publish(ctx context.Context, key string, msg amqp091.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ch.PublishWithContext(ctx, "", key, false, false, msg); err != nil {
		return fmt.Errorf("amqputil: %w", err)
	}
	return nil
}

// Get proxies [amqp091.Channel.Get] with manual acknowledgement.
func (c *Conn) Get(queue string) (msg amqp091.Delivery, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok, err = c.ch.Get(queue, false)
	if err != nil {
		return msg, false, fmt.Errorf("amqputil: %w", err)
	}
	return msg, ok, nil
}

func (c *Conn) Ack(tag uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ch.Ack(tag, false); err != nil {
		return fmt.Errorf("amqputil: %w", err)
	}
	return nil
}

func (c *Conn) Nack(tag uint64, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ch.Nack(tag, false, requeue); err != nil {
		return fmt.Errorf("amqputil: %w", err)
	}
	return nil
}

// QueueLen returns the number of ready messages in queue.
func (c *Conn) QueueLen(queue string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, err := c.ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("amqputil: %w", err)
	}
	return q.Messages, nil
}

// Close closes the connection and its channel.
// Closing an already closed connection isn't an error.
func (c *Conn) Close() error {
	c.state.Store(int32(StateClosed))
	err := c.conn.Close()
	if err != nil && !errors.Is(err, amqp091.ErrClosed) {
		return fmt.Errorf("amqputil: %w", err)
	}
	return nil
}
