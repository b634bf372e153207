// Package ratelimit fornece adapters HTTP (net/http) para o controle de admissão
// multidimensional e o limite de concorrência.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: casos de uso (registry de limites, isenções, modo adaptativo,
//     avaliação admit/deny, acquire/timeout) sem net/http
//   - infra: implementações concretas (janelas deslizantes, semáforo, stats,
//     amostrador de CPU), detalhes de infraestrutura
//   - ratelimit (este pacote): middlewares HTTP + extração do descriptor +
//     tradução para status/headers + endpoints de administração
//
// Fluxo no gateway:
//
//  1. Extrai o descriptor (cliente, IP, endpoint, papel, API key, user-agent)
//  2. Chama a camada application para obter a decisão
//  3. Se bloqueado, responde 429 com X-RateLimit-* e Retry-After (ou 503 por concorrência)
//  4. Se permitido, chama o próximo handler (ex: reverse proxy)
//
// Os limites vêm do arquivo de política (internal/policy); flags e variáveis de
// ambiente do binário (cmd/gateway) controlam o resto, como RATE_POLICY_FILE,
// CONCURRENCY_MAX e CONCURRENCY_TIMEOUT.
package ratelimit
