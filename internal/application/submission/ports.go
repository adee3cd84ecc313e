package submission

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
)

// Gateway puerto hacia los web services del SRI. Los errores recuperables
// son *domain.TransportError.
type Gateway interface {
	Validate(ctx context.Context, endpoint string, signedXML []byte) (entity.ServiceResponse, error)
	Authorize(ctx context.Context, endpoint, accessKey string) (entity.ServiceResponse, error)
}

// Clock fuente de hora del motor.
type Clock interface {
	Now() time.Time
}

// SystemClock reloj del sistema.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Alerter avisa al operador de entradas que requieren intervención.
type Alerter interface {
	Alert(ctx context.Context, entry *entity.OutboxEntry, reason string)
}

// LogAlerter emite la alerta como log de error con alert=true.
type LogAlerter struct {
	log zerolog.Logger
}

// NewLogAlerter crea el alerter por defecto.
func NewLogAlerter(log zerolog.Logger) *LogAlerter {
	return &LogAlerter{log: log.With().Str("component", "alerter").Logger()}
}

func (a *LogAlerter) Alert(_ context.Context, entry *entity.OutboxEntry, reason string) {
	a.log.Error().
		Bool("alert", true).
		Str("access_key", entry.AccessKey).
		Str("sale_id", entry.SaleID).
		Str("state", string(entry.State)).
		Int("attempts", entry.Attempts).
		Msg(reason)
}

// Verifier comprueba la firma de un blob antes de archivarlo.
type Verifier func(signed []byte) error

// SignedDocument comprobante firmado listo para el outbox.
type SignedDocument struct {
	SaleID    string
	AccessKey string
	XML       []byte
}
