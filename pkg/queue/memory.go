package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/omniforge/orch/pkg/oerr"
)

// Memory is an in-process Queue with the same FIFO and blocking contract as
// RedisQueue. SetUnavailable simulates a broker outage.
type Memory struct {
	mu          sync.Mutex
	items       [][]byte
	notify      chan struct{}
	unavailable bool
	closed      bool
}

func NewMemory() *Memory {
	return &Memory{notify: make(chan struct{})}
}

// SetUnavailable makes every operation fail with CodeQueueUnavailable.
func (m *Memory) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = down
}

// PushRaw appends an arbitrary payload, bypassing encoding.
func (m *Memory) PushRaw(payload string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushLocked([]byte(payload))
}

// Len reports the number of queued messages.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Memory) pushLocked(payload []byte) {
	m.items = append(m.items, payload)
	close(m.notify)
	m.notify = make(chan struct{})
}

var errBrokerDown = errors.New("connection refused")

func (m *Memory) Enqueue(_ context.Context, jobID int64) error {
	payload, err := encode(jobID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable || m.closed {
		return oerr.New(oerr.CodeQueueUnavailable, errBrokerDown)
	}
	m.pushLocked(payload)
	return nil
}

func (m *Memory) Dequeue(ctx context.Context, timeout time.Duration) (int64, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.unavailable || m.closed {
			m.mu.Unlock()
			return 0, false, oerr.New(oerr.CodeQueueUnavailable, errBrokerDown)
		}
		if len(m.items) > 0 {
			payload := m.items[0]
			m.items = m.items[1:]
			m.mu.Unlock()
			jobID, err := decode(string(payload))
			if err != nil {
				return 0, false, err
			}
			return jobID, true, nil
		}
		wait := m.notify
		m.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			return 0, false, nil
		case <-ctx.Done():
			return 0, false, ctx.Err()
		}
	}
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable || m.closed {
		return oerr.New(oerr.CodeQueueUnavailable, errBrokerDown)
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Queue = (*Memory)(nil)
