package infra

import (
	"sort"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/cespare/xxhash/v2"
)

// WindowStore é uma implementação de infra de janelas deslizantes por chave:
// cada janela é uma sequência ordenada de timestamps (microssegundos unix),
// podada sempre pela frente.
//
// As chaves são distribuídas em shards (xxhash) e cada janela tem seu próprio
// mutex, então tráfego em chaves diferentes não serializa.
type WindowStore struct {
	shards []*windowShard
	mask   uint64

	idleTTL      time.Duration
	cleanupEvery time.Duration
	retention    func() time.Duration
	now          func() time.Time
}

type windowShard struct {
	mu      sync.RWMutex
	windows map[domain.WindowKey]*window
}

type window struct {
	mu       sync.Mutex
	stamps   []int64
	head     int
	lastSeen int64
	// dead indica que a janela foi removida do shard pelo janitor.
	dead bool
}

type StoreOption func(*WindowStore)

// WithIdleTTL define por quanto tempo uma janela vazia sobrevive sem acesso.
// Se menor que a retenção, a retenção prevalece.
func WithIdleTTL(d time.Duration) StoreOption {
	return func(s *WindowStore) { s.idleTTL = d }
}

func WithCleanupEvery(d time.Duration) StoreOption {
	return func(s *WindowStore) { s.cleanupEvery = d }
}

// WithRetention informa a maior janela configurada (normalmente
// Registry.LongestWindow). O janitor poda tudo até ela.
func WithRetention(fn func() time.Duration) StoreOption {
	return func(s *WindowStore) { s.retention = fn }
}

// WithShards define o número de shards (arredondado para potência de 2).
func WithShards(n int) StoreOption {
	return func(s *WindowStore) {
		size := 1
		for size < n {
			size <<= 1
		}
		s.shards = make([]*windowShard, size)
	}
}

// WithStoreClock troca o relógio usado pelo janitor.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *WindowStore) { s.now = now }
}

func NewWindowStore(opts ...StoreOption) *WindowStore {
	s := &WindowStore{
		shards:       make([]*windowShard, 64),
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
		retention:    func() time.Duration { return time.Hour },
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i] = &windowShard{windows: make(map[domain.WindowKey]*window)}
	}
	s.mask = uint64(len(s.shards) - 1)
	return s
}

func (s *WindowStore) CleanupEvery() time.Duration { return s.cleanupEvery }

func (s *WindowStore) shardFor(key domain.WindowKey) *windowShard {
	var d xxhash.Digest
	d.Reset()
	_, _ = d.WriteString(string(key.Kind))
	_, _ = d.WriteString(key.ID)
	return s.shards[d.Sum64()&s.mask]
}

func (s *WindowStore) lookup(key domain.WindowKey) *window {
	sh := s.shardFor(key)
	sh.mu.RLock()
	w := sh.windows[key]
	sh.mu.RUnlock()
	return w
}

func (s *WindowStore) getOrCreate(key domain.WindowKey) *window {
	sh := s.shardFor(key)
	sh.mu.RLock()
	w, ok := sh.windows[key]
	sh.mu.RUnlock()
	if ok {
		return w
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if w, ok = sh.windows[key]; ok {
		return w
	}
	w = &window{}
	sh.windows[key] = w
	return w
}

// Record poda a janela, acrescenta now e devolve o estado resultante.
func (s *WindowStore) Record(key domain.WindowKey, now time.Time, win time.Duration) domain.WindowStat {
	ts := now.UnixMicro()
	cutoff := now.Add(-win).UnixMicro()
	for {
		w := s.getOrCreate(key)
		w.mu.Lock()
		if w.dead {
			// removida pelo janitor entre o lookup e o lock; busca de novo
			w.mu.Unlock()
			continue
		}
		w.prune(cutoff)
		w.append(ts)
		w.lastSeen = ts
		st := w.stat()
		w.mu.Unlock()
		return st
	}
}

// Count poda a janela e devolve quantas entradas restam. Não cria janelas.
func (s *WindowStore) Count(key domain.WindowKey, now time.Time, win time.Duration) domain.WindowStat {
	w := s.lookup(key)
	if w == nil {
		return domain.WindowStat{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now.Add(-win).UnixMicro())
	w.lastSeen = now.UnixMicro()
	return w.stat()
}

// Prune descarta as entradas anteriores a now-win.
func (s *WindowStore) Prune(key domain.WindowKey, now time.Time, win time.Duration) {
	w := s.lookup(key)
	if w == nil {
		return
	}
	w.mu.Lock()
	w.prune(now.Add(-win).UnixMicro())
	w.mu.Unlock()
}

// Peek conta as entradas dentro da janela sem podar nem tocar lastSeen.
func (s *WindowStore) Peek(key domain.WindowKey, now time.Time, win time.Duration) domain.WindowStat {
	w := s.lookup(key)
	if w == nil {
		return domain.WindowStat{}
	}
	cutoff := now.Add(-win).UnixMicro()

	w.mu.Lock()
	defer w.mu.Unlock()
	live := w.stamps[w.head:]
	i := sort.Search(len(live), func(i int) bool { return live[i] >= cutoff })
	if i == len(live) {
		return domain.WindowStat{}
	}
	return domain.WindowStat{Count: len(live) - i, Oldest: time.UnixMicro(live[i])}
}

// Len devolve o número de janelas mantidas.
func (s *WindowStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.windows)
		sh.mu.RUnlock()
	}
	return n
}

// Cleanup poda todas as janelas até a retenção e remove as que ficaram vazias
// e estão sem acesso há mais que max(retenção, idleTTL).
func (s *WindowStore) Cleanup() int {
	now := s.now()
	retention := s.retention()
	idle := s.idleTTL
	if idle < retention {
		idle = retention
	}
	cutoff := now.Add(-retention).UnixMicro()
	idleCutoff := now.Add(-idle).UnixMicro()

	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, w := range sh.windows {
			w.mu.Lock()
			w.prune(cutoff)
			if w.len() == 0 && w.lastSeen < idleCutoff {
				w.dead = true
				delete(sh.windows, k)
				removed++
			}
			w.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	return removed
}

// StartJanitor inicia uma goroutine que poda e remove janelas inativas
// periodicamente. Pare cancelando o contexto.
func (s *WindowStore) StartJanitor(ctx DoneContext) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}

// DoneContext é o mínimo necessário para aceitar context.Context sem importar context aqui.
// (Permite reuso em libs sem acoplar.)
type DoneContext interface {
	Done() <-chan struct{}
}

func (w *window) len() int { return len(w.stamps) - w.head }

func (w *window) prune(cutoff int64) {
	for w.head < len(w.stamps) && w.stamps[w.head] < cutoff {
		w.head++
	}
	switch {
	case w.head == len(w.stamps):
		w.stamps = w.stamps[:0]
		w.head = 0
	case w.head >= 32 && w.head*2 >= len(w.stamps):
		n := copy(w.stamps, w.stamps[w.head:])
		w.stamps = w.stamps[:n]
		w.head = 0
	}
}

// append mantém a ordem cronológica: um timestamp atrasado (relógios de
// goroutines concorrentes) é igualado ao último.
func (w *window) append(ts int64) {
	if n := len(w.stamps); n > w.head && ts < w.stamps[n-1] {
		ts = w.stamps[n-1]
	}
	w.stamps = append(w.stamps, ts)
}

func (w *window) stat() domain.WindowStat {
	if w.len() == 0 {
		return domain.WindowStat{}
	}
	return domain.WindowStat{Count: w.len(), Oldest: time.UnixMicro(w.stamps[w.head])}
}

var _ domain.WindowStore = (*WindowStore)(nil)
