package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jhoicas/fiscal-sri/internal/domain"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
	"github.com/jhoicas/fiscal-sri/internal/domain/repository"
)

var _ repository.OutboxRepository = (*OutboxRepo)(nil)

// OutboxRepo tabla fiscal_outbox. Los claims usan FOR UPDATE SKIP LOCKED, de
// modo que varios procesos pueden drenar la misma tabla.
type OutboxRepo struct {
	db DB
	tx *TxRunner
}

// NewOutboxRepository construye el adaptador.
func NewOutboxRepository(db DB) *OutboxRepo {
	return &OutboxRepo{db: db, tx: NewTxRunner(db)}
}

const outboxColumns = `id, sale_id, access_key, signed_xml, checksum, state, attempts, last_attempt_at,
		    next_attempt_at, claimed_by, lease_until, response, created_at, updated_at`

// Enqueue inserta la entrada; el índice parcial sobre access_key rechaza duplicados vivos.
func (r *OutboxRepo) Enqueue(ctx context.Context, e *entity.OutboxEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.UpdatedAt = e.CreatedAt
	resp, err := json.Marshal(e.Response)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO fiscal_outbox (id, sale_id, access_key, signed_xml, checksum, state, attempts,
		    last_attempt_at, next_attempt_at, response, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		e.ID, e.SaleID, e.AccessKey, e.SignedXML, e.Checksum, string(e.State), e.Attempts,
		utcPtr(e.LastAttemptAt), e.NextAttemptAt.UTC(), resp, e.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateAccessKey, e.AccessKey)
		}
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

const claimDue = `
		UPDATE fiscal_outbox
		SET claimed_by = $1, lease_until = $2, updated_at = $3
		WHERE id IN (
		    SELECT id FROM fiscal_outbox
		    WHERE state IN ('PENDING_SUBMIT', 'PENDING_POLL')
		      AND next_attempt_at <= $3
		      AND (claimed_by IS NULL OR lease_until IS NULL OR lease_until < $3)
		    ORDER BY next_attempt_at
		    LIMIT $4
		    FOR UPDATE SKIP LOCKED)
		RETURNING ` + outboxColumns

// Claim toma hasta limit entradas vencidas.
func (r *OutboxRepo) Claim(ctx context.Context, workerID string, limit int, lease time.Duration, now time.Time) ([]*entity.OutboxEntry, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := r.db.Query(ctx, claimDue, workerID, now.Add(lease).UTC(), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	return collectEntries(rows)
}

const claimByKey = `
		UPDATE fiscal_outbox
		SET claimed_by = $1, lease_until = $2, updated_at = $3
		WHERE id IN (
		    SELECT id FROM fiscal_outbox
		    WHERE access_key = $4
		      AND state IN ('PENDING_SUBMIT', 'PENDING_POLL')
		      AND (claimed_by IS NULL OR lease_until IS NULL OR lease_until < $3)
		    LIMIT 1
		    FOR UPDATE SKIP LOCKED)
		RETURNING ` + outboxColumns

// ClaimKey toma la entrada viva de accessKey sin mirar su vencimiento.
func (r *OutboxRepo) ClaimKey(ctx context.Context, workerID, accessKey string, lease time.Duration, now time.Time) (*entity.OutboxEntry, error) {
	rows, err := r.db.Query(ctx, claimByKey, workerID, now.Add(lease).UTC(), now.UTC(), accessKey)
	if err != nil {
		return nil, fmt.Errorf("claim outbox key: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}

// Commit valida dueño y transición bajo lock de fila y libera el claim.
func (r *OutboxRepo) Commit(ctx context.Context, entryID, workerID string, c entity.OutboxCommit) error {
	resp, err := json.Marshal(c.Response)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return r.tx.Run(ctx, func(q Querier) error {
		state, err := lockOwned(ctx, q, entryID, workerID)
		if err != nil {
			return err
		}
		if !entity.CanTransitionOutbox(state, c.State) {
			return fmt.Errorf("%w: outbox %s de %s a %s", domain.ErrIllegalTransition, entryID, state, c.State)
		}
		_, err = q.Exec(ctx, `
		UPDATE fiscal_outbox
		SET state = $2, attempts = $3, last_attempt_at = $4, next_attempt_at = $5, response = $6,
		    claimed_by = NULL, lease_until = NULL, updated_at = now()
		WHERE id = $1`,
			entryID, string(c.State), c.Attempts, utcPtr(c.LastAttemptAt), c.NextAttemptAt.UTC(), resp)
		if err != nil {
			return fmt.Errorf("commit outbox: %w", err)
		}
		return nil
	})
}

func lockOwned(ctx context.Context, q Querier, entryID, workerID string) (entity.OutboxState, error) {
	var (
		state     string
		claimedBy *string
	)
	err := q.QueryRow(ctx, `SELECT state, claimed_by FROM fiscal_outbox WHERE id = $1 FOR UPDATE`, entryID).
		Scan(&state, &claimedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: entrada %s", domain.ErrNotFound, entryID)
	}
	if err != nil {
		return "", fmt.Errorf("lock outbox: %w", err)
	}
	if fromNull(claimedBy) != workerID {
		return "", fmt.Errorf("%w: entrada %s reclamada por %q", domain.ErrNotClaimant, entryID, fromNull(claimedBy))
	}
	return entity.OutboxState(state), nil
}

// Release devuelve la entrada a la cola sin tocar estado ni intentos.
func (r *OutboxRepo) Release(ctx context.Context, entryID, workerID string, next time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE fiscal_outbox
		SET next_attempt_at = $3, claimed_by = NULL, lease_until = NULL, updated_at = now()
		WHERE id = $1 AND claimed_by = $2`, entryID, workerID, next.UTC())
	if err != nil {
		return fmt.Errorf("release outbox: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: entrada %s", domain.ErrNotClaimant, entryID)
	}
	return nil
}

// Reopen devuelve una entrada FAILED_TERMINAL a la fase indicada.
func (r *OutboxRepo) Reopen(ctx context.Context, entryID string, state entity.OutboxState, now time.Time) error {
	return r.tx.Run(ctx, func(q Querier) error {
		var current string
		err := q.QueryRow(ctx, `SELECT state FROM fiscal_outbox WHERE id = $1 FOR UPDATE`, entryID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: entrada %s", domain.ErrNotFound, entryID)
		}
		if err != nil {
			return fmt.Errorf("lock outbox: %w", err)
		}
		from := entity.OutboxState(current)
		if from != entity.OutboxFailedTerminal || !entity.CanTransitionOutbox(from, state) {
			return fmt.Errorf("%w: reabrir %s de %s a %s", domain.ErrIllegalTransition, entryID, from, state)
		}
		_, err = q.Exec(ctx, `
		UPDATE fiscal_outbox
		SET state = $2, attempts = 0, next_attempt_at = $3, claimed_by = NULL, lease_until = NULL, updated_at = $3
		WHERE id = $1`, entryID, string(state), now.UTC())
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: entrada viva para la misma clave", domain.ErrDuplicateAccessKey)
			}
			return fmt.Errorf("reopen outbox: %w", err)
		}
		return nil
	})
}

// Get devuelve nil, nil si no existe.
func (r *OutboxRepo) Get(ctx context.Context, entryID string) (*entity.OutboxEntry, error) {
	return r.one(ctx, `SELECT `+outboxColumns+` FROM fiscal_outbox WHERE id = $1`, entryID)
}

// GetByAccessKey prioriza la entrada viva; si solo hay fallidas, la más reciente.
func (r *OutboxRepo) GetByAccessKey(ctx context.Context, accessKey string) (*entity.OutboxEntry, error) {
	return r.one(ctx, `SELECT `+outboxColumns+` FROM fiscal_outbox WHERE access_key = $1
		ORDER BY (state <> 'FAILED_TERMINAL') DESC, created_at DESC LIMIT 1`, accessKey)
}

func (r *OutboxRepo) one(ctx context.Context, query, arg string) (*entity.OutboxEntry, error) {
	rows, err := r.db.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("get outbox: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}

// CountByState conteo por estado para el job de salud.
func (r *OutboxRepo) CountByState(ctx context.Context) (map[entity.OutboxState]int, error) {
	rows, err := r.db.Query(ctx, `SELECT state, count(*) FROM fiscal_outbox GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count outbox: %w", err)
	}
	defer rows.Close()
	out := make(map[entity.OutboxState]int)
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan outbox count: %w", err)
		}
		out[entity.OutboxState(state)] = int(n)
	}
	return out, rows.Err()
}

// ListStale entradas pendientes creadas antes de olderThan.
func (r *OutboxRepo) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*entity.OutboxEntry, error) {
	rows, err := r.db.Query(ctx, `SELECT `+outboxColumns+` FROM fiscal_outbox
		WHERE state IN ('PENDING_SUBMIT', 'PENDING_POLL') AND created_at < $1
		ORDER BY created_at LIMIT $2`, olderThan.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale outbox: %w", err)
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]*entity.OutboxEntry, error) {
	defer rows.Close()
	var out []*entity.OutboxEntry
	for rows.Next() {
		var (
			e         entity.OutboxEntry
			state     string
			claimedBy *string
			resp      []byte
		)
		if err := rows.Scan(&e.ID, &e.SaleID, &e.AccessKey, &e.SignedXML, &e.Checksum, &state, &e.Attempts,
			&e.LastAttemptAt, &e.NextAttemptAt, &claimedBy, &e.LeaseUntil, &resp, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		e.State = entity.OutboxState(state)
		e.ClaimedBy = fromNull(claimedBy)
		if len(resp) > 0 {
			if err := json.Unmarshal(resp, &e.Response); err != nil {
				return nil, fmt.Errorf("decode response %s: %w", e.ID, err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
