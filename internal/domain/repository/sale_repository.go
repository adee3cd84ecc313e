package repository

import (
	"context"
	"time"

	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
)

// SaleStatusUpdate campos que siguen siendo mutables tras la firma.
type SaleStatusUpdate struct {
	State               entity.SaleState
	AuthorizationNumber string
	AuthorizationTime   *time.Time
	Messages            []entity.ServiceMessage
}

// SaleRepository define el puerto de persistencia para Sale y sus líneas.
type SaleRepository interface {
	// Save persiste cabecera, líneas y totales. Falla con domain.ErrSaleFrozen si
	// la venta almacenada ya está firmada.
	Save(ctx context.Context, sale *entity.Sale, actor string) error
	GetByID(ctx context.Context, id string) (*entity.Sale, error)
	GetByAccessKey(ctx context.Context, accessKey string) (*entity.Sale, error)
	// UpdateStatus solo escribe estado, autorización y últimos mensajes.
	UpdateStatus(ctx context.Context, id string, upd SaleStatusUpdate) error
}
