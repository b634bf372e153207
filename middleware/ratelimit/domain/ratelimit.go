package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"strings"
	"time"
)

// DimensionKind identifica o eixo em que a admissão é avaliada.
type DimensionKind string

const (
	DimensionUserEndpoint   DimensionKind = "user_endpoint"
	DimensionIP             DimensionKind = "ip"
	DimensionEndpointGlobal DimensionKind = "endpoint_global"
	DimensionAPIKey         DimensionKind = "api_key"
	DimensionGlobal         DimensionKind = "global"
	DimensionRole           DimensionKind = "role"
)

// GlobalID é o identificador único da janela global.
const GlobalID = "*"

const userEndpointSep = "\x00"

// WindowKey identifica uma janela deslizante no store.
type WindowKey struct {
	Kind DimensionKind
	ID   string
}

// UserEndpointKey monta a chave composta (cliente, endpoint).
func UserEndpointKey(clientID, endpoint string) WindowKey {
	return WindowKey{Kind: DimensionUserEndpoint, ID: clientID + userEndpointSep + endpoint}
}

func (k WindowKey) String() string {
	return string(k.Kind) + ":" + strings.ReplaceAll(k.ID, userEndpointSep, ":")
}

// Descriptor é o que o colaborador externo (middleware, handler gRPC etc.)
// informa sobre a requisição antes de chamar o avaliador.
type Descriptor struct {
	ClientID  string
	IP        string
	Endpoint  string
	Role      string
	APIKey    string
	UserAgent string
}

// Decision é o resultado de uma avaliação.
//
// Limit/Remaining/Reset descrevem a dimensão mais restritiva avaliada (ou a que
// negou). Quando Unlimited=true nenhuma dimensão foi avaliada e esses campos
// ficam zerados.
type Decision struct {
	Admitted  bool
	Exempt    bool
	Unlimited bool

	Limit     int
	Remaining int
	// Reset em segundos unix (arredondado para cima).
	Reset int64

	// RetryAfter é o valor a ser retornado em Retry-After quando bloquear.
	// Se 0, não há recomendação.
	RetryAfter time.Duration
	DeniedBy   DimensionKind
	Key        WindowKey
	// Endpoint é o endpoint registrado (exato ou padrão) que casou com a
	// requisição; vazio quando nenhum casou.
	Endpoint string
}

// Clock é a fonte de tempo injetável (time.Now em produção).
type Clock func() time.Time

// LoadSampler devolve a carga atual do sistema em [0,1].
type LoadSampler interface {
	Load() float64
}

// StaticLoad é um LoadSampler de valor fixo. Útil em testes e como padrão.
type StaticLoad float64

func (l StaticLoad) Load() float64 { return float64(l) }

// WindowStat é o retrato de uma janela depois de uma operação.
type WindowStat struct {
	Count int
	// Oldest é o timestamp mais antigo retido (zero se a janela está vazia).
	Oldest time.Time
}

// WindowStore mantém janelas deslizantes por chave.
//
// Count e Record podam a janela (descartando entradas anteriores a now-window)
// antes de contar. Peek conta sem alterar nada.
// Cada operação é atômica por chave; operações em chaves diferentes não
// devem competir entre si.
type WindowStore interface {
	Count(key WindowKey, now time.Time, window time.Duration) WindowStat
	Record(key WindowKey, now time.Time, window time.Duration) WindowStat
	Peek(key WindowKey, now time.Time, window time.Duration) WindowStat
}
