package billing

import (
	"context"
	"fmt"

	"github.com/jhoicas/fiscal-sri/internal/domain"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
	"github.com/jhoicas/fiscal-sri/internal/domain/repository"
)

// RIDEUseCase genera el RIDE (representación impresa) de un comprobante.
// Solo existe para ventas AUTHORIZED con documento archivado.
type RIDEUseCase struct {
	sales    repository.SaleRepository
	archive  repository.ArchiveRepository
	issuer   entity.Issuer
	renderer RIDERenderer
}

// NewRIDEUseCase construye el caso de uso inyectando todas sus dependencias.
func NewRIDEUseCase(
	sales repository.SaleRepository,
	archive repository.ArchiveRepository,
	issuer entity.Issuer,
	renderer RIDERenderer,
) *RIDEUseCase {
	return &RIDEUseCase{sales: sales, archive: archive, issuer: issuer, renderer: renderer}
}

// Download devuelve el PDF y su nombre de archivo.
//
// Retorna:
//   - domain.ErrNotFound     si no hay venta o documento archivado para la clave.
//   - domain.ErrInvalidInput si la venta aún no está autorizada.
func (uc *RIDEUseCase) Download(ctx context.Context, accessKey string) (pdf []byte, filename string, err error) {
	sale, err := uc.sales.GetByAccessKey(ctx, accessKey)
	if err != nil {
		return nil, "", fmt.Errorf("ride: obtener venta: %w", err)
	}
	if sale == nil {
		return nil, "", fmt.Errorf("%w: venta con clave %s", domain.ErrNotFound, accessKey)
	}
	if sale.State != entity.SaleAuthorized {
		return nil, "", fmt.Errorf("%w: la venta está en estado %s, el RIDE solo existe para comprobantes autorizados",
			domain.ErrInvalidInput, sale.State)
	}

	doc, err := uc.archive.Get(ctx, accessKey)
	if err != nil {
		return nil, "", fmt.Errorf("ride: obtener archivo: %w", err)
	}
	if doc == nil {
		return nil, "", fmt.Errorf("%w: comprobante autorizado sin archivar %s", domain.ErrNotFound, accessKey)
	}

	pdf, err = uc.renderer.Render(ctx, sale, uc.issuer, doc)
	if err != nil {
		return nil, "", fmt.Errorf("ride: generación fallida: %w", err)
	}
	filename = fmt.Sprintf("RIDE_%s-%s-%s.pdf", sale.Establishment, sale.EmissionPoint, sale.Sequential)
	return pdf, filename, nil
}
