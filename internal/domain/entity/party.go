package entity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jhoicas/fiscal-sri/internal/domain"
	"github.com/jhoicas/fiscal-sri/pkg/sri"
)

// Party emisor o comprador.
type Party struct {
	IDKind         sri.IDKind
	IDNumber       string
	LegalName      string
	CommercialName string
	Address        string
	Email          string
}

// Validate aplica las reglas de identificación del tipo y exige razón social.
func (p Party) Validate() error {
	var errs []error
	if err := sri.ValidateIdentification(p.IDKind, p.IDNumber); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(p.LegalName) == "" {
		errs = append(errs, errors.New("razón social del comprador obligatoria"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrInvalidInput, errors.Join(errs...))
	}
	return nil
}

// IsFinalConsumer indica si la parte es el consumidor final.
func (p Party) IsFinalConsumer() bool { return p.IDKind == sri.IDFinalConsumer }

// FinalConsumer devuelve la parte genérica de consumidor final.
func FinalConsumer() Party {
	return Party{
		IDKind:    sri.IDFinalConsumer,
		IDNumber:  sri.FinalConsumerID,
		LegalName: "CONSUMIDOR FINAL",
	}
}
