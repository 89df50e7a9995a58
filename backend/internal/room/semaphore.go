package room

import (
	"context"
	"errors"
)

var (
	ErrAcquireTimeout = errors.New("semaphore: acquire reached time limit")
	ErrNotAcquired    = errors.New("semaphore: release without acquire")
)

const DefaultSemaphore = 100

// Semaphore 限制并发数（房间更新处理、Kafka 发送）
type Semaphore struct {
	ch chan struct{}
}

func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		n = DefaultSemaphore
	}
	return &Semaphore{ch: make(chan struct{}, n)}
}

func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrAcquireTimeout
	}
}

func (s *Semaphore) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}
