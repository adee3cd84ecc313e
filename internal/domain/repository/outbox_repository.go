package repository

import (
	"context"
	"time"

	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
)

// OutboxRepository tabla durable del motor de envío. Solo el motor la muta.
type OutboxRepository interface {
	// Enqueue falla con domain.ErrDuplicateAccessKey si ya hay una entrada no
	// FAILED_TERMINAL con la misma clave de acceso.
	Enqueue(ctx context.Context, entry *entity.OutboxEntry) error
	// Claim toma hasta limit entradas pendientes con next_attempt_at ≤ now cuyo
	// claim no exista o haya vencido, y extiende su lease.
	Claim(ctx context.Context, workerID string, limit int, lease time.Duration, now time.Time) ([]*entity.OutboxEntry, error)
	// ClaimKey toma la entrada pendiente de accessKey si está libre.
	ClaimKey(ctx context.Context, workerID, accessKey string, lease time.Duration, now time.Time) (*entity.OutboxEntry, error)
	// Commit solo lo puede hacer el claimant actual; libera el claim.
	Commit(ctx context.Context, entryID, workerID string, c entity.OutboxCommit) error
	// Release devuelve la entrada a la cola sin cambiar su estado.
	Release(ctx context.Context, entryID, workerID string, nextAttemptAt time.Time) error
	// Reopen devuelve una entrada FAILED_TERMINAL a la fase indicada (operador).
	Reopen(ctx context.Context, entryID string, state entity.OutboxState, now time.Time) error

	Get(ctx context.Context, entryID string) (*entity.OutboxEntry, error)
	// GetByAccessKey prioriza la entrada viva; si solo hay fallidas, la más reciente.
	GetByAccessKey(ctx context.Context, accessKey string) (*entity.OutboxEntry, error)
	CountByState(ctx context.Context) (map[entity.OutboxState]int, error)
	// ListStale entradas pendientes creadas antes de olderThan.
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*entity.OutboxEntry, error)
}
