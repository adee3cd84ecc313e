package billing

import (
	"context"

	"github.com/jhoicas/fiscal-sri/internal/application/submission"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
)

// DocumentBuilder serializa una venta numerada al XML del comprobante.
type DocumentBuilder interface {
	Build(sale *entity.Sale, issuer entity.Issuer) ([]byte, error)
}

// DocumentSigner firma el XML con la credencial del proceso. Sus errores
// pertenecen a la familia domain.IsCrypto.
type DocumentSigner interface {
	Sign(xml []byte) ([]byte, error)
}

// Submitter lado del motor de envío que usa el pipeline.
type Submitter interface {
	Submit(ctx context.Context, doc submission.SignedDocument) (entity.ServiceResponse, error)
	RecordFailure(ctx context.Context, saleID, accessKey string, cause error) error
	Status(ctx context.Context, accessKey string) (*entity.OutboxEntry, error)
}

// RIDERenderer genera la representación impresa de un comprobante autorizado.
type RIDERenderer interface {
	Render(ctx context.Context, sale *entity.Sale, issuer entity.Issuer, doc *entity.ArchivedDocument) ([]byte, error)
}
