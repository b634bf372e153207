// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - WindowStore: janelas deslizantes por chave, em shards, com janitor
//   - SlotPool: semáforo de capacidade ajustável para limite de concorrência
//   - MemoryStatsStore / RedisStatsStore / PrometheusStatsStore: estatísticas de decisão
//   - CPULoadSampler: carga do sistema (gopsutil) para o limite adaptativo
package infra
