package infra

import (
	"container/list"
	"context"
	"sync"

	"admission-gateway/middleware/ratelimit/domain"
)

// SlotPool é um semáforo FIFO com capacidade ajustável em tempo de execução.
// Capacidade <= 0 significa sem limite.
type SlotPool struct {
	mu      sync.Mutex
	max     int
	inUse   int
	waiters list.List // de chan struct{}
}

// NewSlotPool cria um pool com capacidade `max`.
func NewSlotPool(max int) *SlotPool {
	return &SlotPool{max: max}
}

func (p *SlotPool) Acquire(ctx context.Context) (func(), bool) {
	p.mu.Lock()
	if p.hasRoomLocked() && p.waiters.Len() == 0 {
		p.inUse++
		p.mu.Unlock()
		return p.releaseFunc(), true
	}
	ch := make(chan struct{})
	elem := p.waiters.PushBack(ch)
	p.mu.Unlock()

	select {
	case <-ch:
		return p.releaseFunc(), true
	case <-ctx.Done():
		p.mu.Lock()
		select {
		case <-ch:
			// a vaga foi concedida junto com o cancelamento; devolve
			p.mu.Unlock()
			p.release()
		default:
			p.waiters.Remove(elem)
			p.mu.Unlock()
		}
		return nil, false
	}
}

func (p *SlotPool) Resize(max int) {
	p.mu.Lock()
	p.max = max
	p.grantLocked()
	p.mu.Unlock()
}

func (p *SlotPool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.max
}

// InUse devolve quantas vagas estão ocupadas.
func (p *SlotPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

func (p *SlotPool) hasRoomLocked() bool {
	return p.max <= 0 || p.inUse < p.max
}

func (p *SlotPool) grantLocked() {
	for p.waiters.Len() > 0 && p.hasRoomLocked() {
		front := p.waiters.Front()
		p.waiters.Remove(front)
		p.inUse++
		close(front.Value.(chan struct{}))
	}
}

func (p *SlotPool) release() {
	p.mu.Lock()
	p.inUse--
	p.grantLocked()
	p.mu.Unlock()
}

func (p *SlotPool) releaseFunc() func() {
	var once sync.Once
	return func() { once.Do(p.release) }
}

var _ domain.ResizableSlotPool = (*SlotPool)(nil)
