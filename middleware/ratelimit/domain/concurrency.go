package domain

import "context"

// SlotPool representa um recurso com capacidade finita (ex: requisições em voo).
//
// A semântica é: Acquire bloqueia até conseguir uma vaga ou até o ctx encerrar.
// Ao adquirir, retorna uma função de release que deve ser chamada exatamente uma vez.
type SlotPool interface {
	Acquire(ctx context.Context) (release func(), ok bool)
}

// ResizableSlotPool permite trocar a capacidade em tempo de execução
// (ex: o max_concurrent do limite global foi reconfigurado).
// Capacidade <= 0 significa sem limite.
type ResizableSlotPool interface {
	SlotPool
	Resize(max int)
	Capacity() int
}
