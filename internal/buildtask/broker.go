package buildtask

import (
	"context"
	"errors"
)

var (
	ErrQueueEmpty  = errors.New("queue empty")
	ErrNotAttached = errors.New("broker not attached")
)

// BrokerStatus is the observed state of a broker connection.
type BrokerStatus string

const (
	BrokerStatusConnecting BrokerStatus = "connecting"
	BrokerStatusReady      BrokerStatus = "ready"
	BrokerStatusClosed     BrokerStatus = "closed"
	BrokerStatusError      BrokerStatus = "error"
)

// Healthy reports whether s needs no intervention.
func (s BrokerStatus) Healthy() bool {
	return s == BrokerStatusReady || s == BrokerStatusConnecting
}

// Broker is a durable FIFO of jobs.
type Broker interface {
	// SendBuildTask appends j to the queue.
	SendBuildTask(ctx context.Context, j *Job) error

	// ReceiveBuildTask returns the oldest pending task without blocking.
	// It returns ErrQueueEmpty when there is nothing to receive.
	// The task stays in the queue until it is acknowledged.
	ReceiveBuildTask(ctx context.Context) (*Task, error)

	Status() BrokerStatus
	Close() error
}

// BrokerDialer opens a new broker connection.
type BrokerDialer func(ctx context.Context) (Broker, error)

// Task is a received job awaiting acknowledgement.
type Task struct {
	Job  *Job                     // required
	Ack  func() error             // required
	Nack func(requeue bool) error // required
}

// PendingCounter is implemented by brokers that can report their queue length.
type PendingCounter interface {
	PendingCount(ctx context.Context) (int, error)
}
