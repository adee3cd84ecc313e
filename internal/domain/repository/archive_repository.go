package repository

import (
	"context"

	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
)

// ArchiveRepository archivo de comprobantes autorizados, una vez por clave de acceso.
type ArchiveRepository interface {
	// Store es idempotente: repetir el mismo documento no falla; un blob distinto
	// para la misma clave falla con domain.ErrIntegrity.
	Store(ctx context.Context, doc entity.ArchivedDocument) error
	Get(ctx context.Context, accessKey string) (*entity.ArchivedDocument, error)
}
