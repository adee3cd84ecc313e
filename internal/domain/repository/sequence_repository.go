package repository

import (
	"context"

	"github.com/jhoicas/fiscal-sri/pkg/sri"
)

// SequenceRepository asigna secuenciales por (tipo, establecimiento, punto de emisión).
type SequenceRepository interface {
	// Next reserva y devuelve el siguiente valor de forma atómica.
	// Falla con domain.ErrSequenceExhausted si superaría 999.999.999.
	Next(ctx context.Context, kind sri.DocumentKind, establishment, emissionPoint string) (int64, error)
}
