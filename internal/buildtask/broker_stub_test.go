package buildtask

import (
	"context"
	"sync"
)

var _ Broker = (*StubBroker)(nil)

type StubBroker struct {
	SendErr error

	mu     sync.Mutex
	queue  []*Job
	status BrokerStatus
	acks   int
	nacks  int
}

func NewStubBroker() *StubBroker {
	return &StubBroker{status: BrokerStatusReady}
}

func (b *StubBroker) SendBuildTask(ctx context.Context, j *Job) error {
	if b.SendErr != nil {
		return b.SendErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := *j
	b.queue = append(b.queue, &c)
	return nil
}

func (b *StubBroker) ReceiveBuildTask(ctx context.Context) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil, ErrQueueEmpty
	}
	j := b.queue[0]
	b.queue = b.queue[1:]
	return &Task{
		Job: j,
		Ack: func() error {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.acks++
			return nil
		},
		Nack: func(requeue bool) error {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.nacks++
			if requeue {
				b.queue = append(b.queue, j)
			}
			return nil
		},
	}, nil
}

func (b *StubBroker) Status() BrokerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *StubBroker) SetStatus(status BrokerStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
}

func (b *StubBroker) Close() error {
	b.SetStatus(BrokerStatusClosed)
	return nil
}

func (b *StubBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *StubBroker) Nacks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nacks
}

func (b *StubBroker) Dial(ctx context.Context) (Broker, error) {
	b.SetStatus(BrokerStatusReady)
	return b, nil
}
