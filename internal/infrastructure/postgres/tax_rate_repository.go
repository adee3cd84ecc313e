package postgres

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/jhoicas/fiscal-sri/internal/domain"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
	"github.com/jhoicas/fiscal-sri/internal/domain/repository"
	"github.com/jhoicas/fiscal-sri/pkg/money"
)

var _ repository.TaxRateRepository = (*TaxRateRepo)(nil)

// TaxRateRepo catálogo de tarifas en la tabla tax_rates.
type TaxRateRepo struct {
	db DB
	tx *TxRunner
}

// NewTaxRateRepository construye el adaptador.
func NewTaxRateRepository(db DB) *TaxRateRepo {
	return &TaxRateRepo{db: db, tx: NewTxRunner(db)}
}

const selectTaxRates = `
		SELECT code, name, tax_code, percent, is_default, created_by, updated_by, created_at, updated_at, deleted
		FROM tax_rates
		ORDER BY code`

// List devuelve todas las tarifas, incluidas las borradas lógicamente.
func (r *TaxRateRepo) List(ctx context.Context) ([]entity.TaxRate, error) {
	rows, err := r.db.Query(ctx, selectTaxRates)
	if err != nil {
		return nil, fmt.Errorf("list tax rates: %w", err)
	}
	defer rows.Close()

	var out []entity.TaxRate
	for rows.Next() {
		var (
			rate    entity.TaxRate
			percent decimal.Decimal
		)
		if err := rows.Scan(&rate.Code, &rate.Name, &rate.TaxCode, &percent, &rate.IsDefault,
			&rate.CreatedBy, &rate.UpdatedBy, &rate.CreatedAt, &rate.UpdatedAt, &rate.Deleted); err != nil {
			return nil, fmt.Errorf("scan tax rate: %w", err)
		}
		if rate.Percent, err = amount(percent, money.AmountScale); err != nil {
			return nil, fmt.Errorf("tarifa %s: %w", rate.Code, err)
		}
		out = append(out, rate)
	}
	return out, rows.Err()
}

// Upsert crea o actualiza la tarifa. Si llega como default, las demás dejan de serlo
// en la misma transacción.
func (r *TaxRateRepo) Upsert(ctx context.Context, rate entity.TaxRate, actor string) error {
	if err := rate.Validate(); err != nil {
		return err
	}
	return r.tx.Run(ctx, func(q Querier) error {
		if rate.IsDefault {
			if _, err := q.Exec(ctx, `
		UPDATE tax_rates SET is_default = FALSE, updated_by = $2, updated_at = now()
		WHERE is_default AND code <> $1`, rate.Code, actor); err != nil {
				return fmt.Errorf("clear default: %w", err)
			}
		}
		_, err := q.Exec(ctx, `
		INSERT INTO tax_rates (code, name, tax_code, percent, is_default, created_by, updated_by, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $7)
		ON CONFLICT (code) DO UPDATE
		SET name = EXCLUDED.name, tax_code = EXCLUDED.tax_code, percent = EXCLUDED.percent,
		    is_default = EXCLUDED.is_default, updated_by = EXCLUDED.updated_by,
		    updated_at = now(), deleted = EXCLUDED.deleted`,
			rate.Code, rate.Name, rate.Kind(), rate.Percent.Decimal(), rate.IsDefault, actor, rate.Deleted)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: dos tarifas por defecto", domain.ErrConflict)
			}
			return fmt.Errorf("upsert tax rate: %w", err)
		}
		return nil
	})
}

// SetDefault mueve la marca de default a code en una sola transacción.
func (r *TaxRateRepo) SetDefault(ctx context.Context, code, actor string) error {
	return r.tx.Run(ctx, func(q Querier) error {
		var exists bool
		if err := q.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM tax_rates WHERE code = $1 AND NOT deleted)`, code).Scan(&exists); err != nil {
			return fmt.Errorf("lookup tax rate: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: tarifa %s", domain.ErrNotFound, code)
		}
		if _, err := q.Exec(ctx, `
		UPDATE tax_rates SET is_default = FALSE, updated_by = $2, updated_at = now()
		WHERE is_default AND code <> $1`, code, actor); err != nil {
			return fmt.Errorf("clear default: %w", err)
		}
		if _, err := q.Exec(ctx, `
		UPDATE tax_rates SET is_default = TRUE, updated_by = $2, updated_at = now()
		WHERE code = $1`, code, actor); err != nil {
			return fmt.Errorf("set default: %w", err)
		}
		return nil
	})
}
