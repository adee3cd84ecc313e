package repository

import (
	"context"

	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
)

// TaxRateRepository define el puerto de persistencia del catálogo de tarifas.
type TaxRateRepository interface {
	List(ctx context.Context) ([]entity.TaxRate, error)
	Upsert(ctx context.Context, rate entity.TaxRate, actor string) error
	// SetDefault marca code como única tarifa por defecto en una sola operación atómica.
	SetDefault(ctx context.Context, code, actor string) error
}
