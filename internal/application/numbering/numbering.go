// Package numbering asigna secuenciales y estampa la clave de acceso.
package numbering

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/rs/zerolog"

	"github.com/jhoicas/fiscal-sri/internal/domain"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
	"github.com/jhoicas/fiscal-sri/internal/domain/repository"
	"github.com/jhoicas/fiscal-sri/pkg/sri"
)

// Allocator reserva secuenciales de 9 dígitos sobre el repositorio.
type Allocator struct {
	repo repository.SequenceRepository
}

// NewAllocator construye el asignador.
func NewAllocator(repo repository.SequenceRepository) *Allocator {
	return &Allocator{repo: repo}
}

// Allocate devuelve el siguiente secuencial de la terna, con ceros a la izquierda.
func (a *Allocator) Allocate(ctx context.Context, kind sri.DocumentKind, establishment, emissionPoint string) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: tipo de comprobante %q", domain.ErrInvalidInput, kind)
	}
	n, err := a.repo.Next(ctx, kind, establishment, emissionPoint)
	if err != nil {
		return "", err
	}
	if n < 1 || n > sri.MaxSequential {
		return "", fmt.Errorf("%w: %s-%s-%s valor %d", domain.ErrSequenceExhausted, kind, establishment, emissionPoint, n)
	}
	return fmt.Sprintf("%09d", n), nil
}

// NonceSource genera el código numérico de la clave de acceso.
type NonceSource interface {
	Nonce() (int, error)
}

// CryptoNonce código uniforme en [10000000, 99999999] desde crypto/rand.
type CryptoNonce struct{}

func (CryptoNonce) Nonce() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(sri.NonceMax-sri.NonceMin+1))
	if err != nil {
		return 0, err
	}
	return sri.NonceMin + int(n.Int64()), nil
}

// FixedNonce devuelve siempre el mismo código (pruebas).
type FixedNonce int

func (f FixedNonce) Nonce() (int, error) { return int(f), nil }

// Service numera ventas finalizadas.
type Service struct {
	alloc *Allocator
	nonce NonceSource
	log   zerolog.Logger
}

// NewService construye el servicio. nonce nil usa CryptoNonce.
func NewService(alloc *Allocator, nonce NonceSource, log zerolog.Logger) *Service {
	if nonce == nil {
		nonce = CryptoNonce{}
	}
	return &Service{alloc: alloc, nonce: nonce, log: log.With().Str("component", "numbering").Logger()}
}

// Stamp asigna secuencial y clave de acceso y pasa la venta a NUMBERED.
// Una venta ya numerada se devuelve intacta.
func (s *Service) Stamp(ctx context.Context, sale *entity.Sale, issuer entity.Issuer) error {
	if sale.State == entity.SaleNumbered && sale.AccessKey != "" {
		return nil
	}
	if sale.State != entity.SaleDraft {
		return fmt.Errorf("%w: numerar requiere DRAFT (actual %s)", domain.ErrIllegalTransition, sale.State)
	}
	if sale.Establishment == "" {
		sale.Establishment = issuer.Establishment
	}
	if sale.EmissionPoint == "" {
		sale.EmissionPoint = issuer.EmissionPoint
	}
	sale.IssuerTaxID = issuer.TaxID

	seq, err := s.alloc.Allocate(ctx, sale.Kind, sale.Establishment, sale.EmissionPoint)
	if err != nil {
		return err
	}
	nonce, err := s.nonce.Nonce()
	if err != nil {
		return fmt.Errorf("numbering: código numérico: %w", err)
	}
	key, err := sri.BuildAccessKey(sri.AccessKeyFields{
		IssueDate:     sale.IssueDate,
		Kind:          sale.Kind,
		IssuerTaxID:   issuer.TaxID,
		Environment:   issuer.Environment,
		Establishment: sale.Establishment,
		EmissionPoint: sale.EmissionPoint,
		Sequential:    seq,
		Nonce:         nonce,
		EmissionMode:  issuer.Mode(),
	})
	if err != nil {
		if errors.Is(err, sri.ErrInvalidAccessKey) {
			return fmt.Errorf("%w: %w", domain.ErrInvalidSale, err)
		}
		return err
	}
	sale.Sequential = seq
	sale.AccessKey = key
	if err := sale.Transition(entity.SaleNumbered); err != nil {
		return err
	}
	s.log.Info().Str("sale_id", sale.ID).Str("access_key", key).Str("sequential", seq).Msg("venta numerada")
	return nil
}
