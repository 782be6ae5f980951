package queue

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dontdude/scriptq/internal/domain"
	"github.com/dontdude/scriptq/internal/observability"
)

// MemoryBus is an in-process domain.MessageBus used when Redis is disabled.
// Slow subscribers lose messages rather than stalling the worker.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[chan domain.JobMessage]struct{}
	buffer int
}

var _ domain.MessageBus = (*MemoryBus)(nil)

func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryBus{
		subs:   make(map[chan domain.JobMessage]struct{}),
		buffer: buffer,
	}
}

func (b *MemoryBus) Broadcast(_ context.Context, msg domain.JobMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs {
		select {
		case ch <- msg:
		default:
			observability.Logger.Warn("Subscriber too slow, message dropped",
				zap.String("job", msg.JobName), zap.Int("seq", msg.Seq))
		}
	}
	return nil
}

func (b *MemoryBus) SubscribeMessages(ctx context.Context) (<-chan domain.JobMessage, error) {
	ch := make(chan domain.JobMessage, b.buffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()

	return ch, nil
}
