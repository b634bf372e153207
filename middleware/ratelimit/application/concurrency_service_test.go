package application

import (
	"context"
	"testing"
	"time"
)

type blockingPool struct {
}

func (p *blockingPool) Acquire(ctx context.Context) (func(), bool) {
	select {
	case <-ctx.Done():
		return nil, false
	case <-time.After(5 * time.Second):
		// não deve chegar aqui nos testes
		return nil, false
	}
}

type immediatePool struct {
	acquired int
}

func (p *immediatePool) Acquire(ctx context.Context) (func(), bool) {
	p.acquired++
	return func() {}, true
}

func TestConcurrencyService_Acquire_AllowsWhenNoPool(t *testing.T) {
	svc := ConcurrencyService{}
	release, ok := svc.Acquire(context.Background())
	if !ok {
		t.Fatalf("expected ok")
	}
	release()
}

func TestConcurrencyService_Acquire_UsesTimeout(t *testing.T) {
	pool := &blockingPool{}
	svc := ConcurrencyService{Pool: pool, AcquireTimeout: 10 * time.Millisecond}

	_, ok := svc.Acquire(context.Background())
	if ok {
		t.Fatalf("expected timeout and ok=false")
	}
}

func TestConcurrencyService_Acquire_NoTimeoutDelegatesToPool(t *testing.T) {
	pool := &immediatePool{}
	svc := ConcurrencyService{Pool: pool, AcquireTimeout: 0}

	_, ok := svc.Acquire(context.Background())
	if !ok {
		t.Fatalf("expected ok")
	}
	if pool.acquired != 1 {
		t.Fatalf("expected pool Acquire to be called once, got %d", pool.acquired)
	}
}

type resizablePool struct {
	immediatePool
	capacity int
	resized  int
}

func (p *resizablePool) Resize(max int) { p.capacity = max; p.resized++ }
func (p *resizablePool) Capacity() int { return p.capacity }

func TestSyncCapacity_FollowsGlobalMaxConcurrent(t *testing.T) {
	reg := NewRegistry(nil)
	pool := &resizablePool{}

	if SyncCapacity(pool, reg) {
		t.Fatalf("expected no resize without a global limit")
	}

	if err := reg.SetGlobalLimit(100, 8); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !SyncCapacity(pool, reg) {
		t.Fatalf("expected resize after SetGlobalLimit")
	}
	if pool.capacity != 8 {
		t.Fatalf("expected capacity 8, got %d", pool.capacity)
	}
	if SyncCapacity(pool, reg) {
		t.Fatalf("expected no resize when capacity already matches")
	}
	if pool.resized != 1 {
		t.Fatalf("expected one resize, got %d", pool.resized)
	}
}
