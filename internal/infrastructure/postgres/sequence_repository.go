package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jhoicas/fiscal-sri/internal/domain"
	"github.com/jhoicas/fiscal-sri/internal/domain/repository"
	"github.com/jhoicas/fiscal-sri/pkg/sri"
)

var _ repository.SequenceRepository = (*SequenceRepo)(nil)

// SequenceRepo secuenciales por (tipo, establecimiento, punto de emisión).
type SequenceRepo struct {
	q Querier
}

// NewSequenceRepository construye el adaptador. Pasar pool o tx (Querier).
func NewSequenceRepository(q Querier) *SequenceRepo {
	return &SequenceRepo{q: q}
}

// El upsert toma el lock de fila: llamadas concurrentes para la misma terna se
// serializan y reciben valores consecutivos.
const nextSequence = `
		INSERT INTO document_sequences AS s (kind, establishment, emission_point, last_value)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (kind, establishment, emission_point) DO UPDATE
		SET last_value = s.last_value + 1, updated_at = now()
		WHERE s.last_value < $4
		RETURNING last_value`

// Next reserva el siguiente secuencial.
func (r *SequenceRepo) Next(ctx context.Context, kind sri.DocumentKind, establishment, emissionPoint string) (int64, error) {
	var n int64
	err := r.q.QueryRow(ctx, nextSequence, string(kind), establishment, emissionPoint, sri.MaxSequential).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s %s-%s", domain.ErrSequenceExhausted, kind, establishment, emissionPoint)
	}
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return n, nil
}
