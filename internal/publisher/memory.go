package publisher

import (
	"context"
	"sync"
)

// MemoryPublisher накапливает задания в памяти. Используется в тестах
// и при запуске без Redis.
type MemoryPublisher struct {
	mu       sync.Mutex
	events   []RenderEvent
	failWith error
}

// NewMemoryPublisher создаёт издатель в памяти.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish сохраняет задание в памяти.
func (p *MemoryPublisher) Publish(ctx context.Context, event RenderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failWith != nil {
		return p.failWith
	}
	p.events = append(p.events, event)
	return nil
}

// Events возвращает копию накопленных заданий.
func (p *MemoryPublisher) Events() []RenderEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	res := make([]RenderEvent, len(p.events))
	copy(res, p.events)
	return res
}

// FailWith заставляет последующие публикации завершаться указанной ошибкой.
func (p *MemoryPublisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}
