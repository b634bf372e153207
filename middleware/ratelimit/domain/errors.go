package domain

import (
	"errors"
	"strings"
)

// ErrInvalidConfig é o sentinela de qualquer ConfigurationError.
var ErrInvalidConfig = errors.New("invalid rate limit configuration")

// ConfigurationError é devolvido pelas chamadas de configuração, nunca pela
// avaliação.
type ConfigurationError struct {
	Dimension DimensionKind
	ID        string
	Field     string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString(ErrInvalidConfig.Error())
	if e.Dimension != "" {
		b.WriteString(" for ")
		b.WriteString(string(e.Dimension))
		if e.ID != "" {
			b.WriteString(" ")
			b.WriteString(e.ID)
		}
	}
	if e.Field != "" {
		b.WriteString(": ")
		b.WriteString(e.Field)
	}
	if e.Reason != "" {
		b.WriteString(" ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrInvalidConfig }

// WithDimension preenche a dimensão de um erro de configuração, se for um.
func WithDimension(err error, kind DimensionKind, id string) error {
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		cp := *ce
		cp.Dimension = kind
		cp.ID = id
		return &cp
	}
	return err
}
