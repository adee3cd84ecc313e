package entity

import (
	"fmt"
	"time"

	"github.com/jhoicas/fiscal-sri/internal/domain"
	"github.com/jhoicas/fiscal-sri/pkg/money"
	"github.com/jhoicas/fiscal-sri/pkg/sri"
)

// SaleState estado del ciclo de vida fiscal de una venta.
type SaleState string

const (
	SaleDraft            SaleState = "DRAFT"
	SaleNumbered         SaleState = "NUMBERED"
	SaleBuilt            SaleState = "BUILT"
	SaleSigned           SaleState = "SIGNED"
	SaleSubmitted        SaleState = "SUBMITTED"
	SalePollAuthorize    SaleState = "POLL_AUTHORIZE"
	SaleAuthorized       SaleState = "AUTHORIZED"
	SaleRejectedTerminal SaleState = "REJECTED_TERMINAL"
	SaleFailedTerminal   SaleState = "FAILED_TERMINAL" // incidente de operador
	SaleCancelled        SaleState = "CANCELLED"
)

// CurrencyUSD única moneda admitida.
const CurrencyUSD = "USD"

var saleTransitions = map[SaleState][]SaleState{
	SaleDraft:          {SaleNumbered, SaleCancelled},
	SaleNumbered:       {SaleBuilt, SaleCancelled},
	SaleBuilt:          {SaleSigned, SaleFailedTerminal},
	SaleSigned:         {SaleSubmitted, SaleFailedTerminal},
	SaleSubmitted:      {SalePollAuthorize, SaleRejectedTerminal, SaleFailedTerminal},
	SalePollAuthorize:  {SaleAuthorized, SaleRejectedTerminal, SaleFailedTerminal},
	SaleFailedTerminal: {SaleSubmitted, SalePollAuthorize},
}

// CanTransition indica si from → to está permitido. Repetir el mismo estado
// es un no-op válido (reprocesos idempotentes tras una caída).
func CanTransition(from, to SaleState) bool {
	if from == to {
		return true
	}
	for _, s := range saleTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal indica si el estado es final para el cliente.
func (s SaleState) Terminal() bool {
	return s == SaleAuthorized || s == SaleRejectedTerminal || s == SaleCancelled
}

// Frozen indica si los datos del comprobante ya no pueden cambiar.
func (s SaleState) Frozen() bool {
	switch s {
	case SaleSigned, SaleSubmitted, SalePollAuthorize, SaleAuthorized, SaleRejectedTerminal, SaleFailedTerminal:
		return true
	}
	return false
}

// SaleLine línea de venta. Net, Tax, Gross y TaxPercent se fijan en finalize.
type SaleLine struct {
	ProductCode string
	Description string
	Quantity    money.Money
	UnitPrice   money.Money
	Discount    money.Money
	TaxRateCode string

	TaxKind    string
	TaxPercent money.Money
	Net        money.Money
	Tax        money.Money
	Gross      money.Money
}

// TaxGroup agregado por codigoPorcentaje.
type TaxGroup struct {
	TaxKind  string
	RateCode string
	Percent  money.Money
	Base     money.Money
	Tax      money.Money
}

// Totals importes almacenados en finalize y nunca recalculados en silencio.
type Totals struct {
	NetSum      money.Money // totalSinImpuestos
	DiscountSum money.Money // totalDescuento
	TaxGroups   []TaxGroup  // totalConImpuestos, ordenados por código
	TaxSum      money.Money
	GrossTotal  money.Money // importeTotal = Σ line.gross
}

// AdditionalField par clave/valor de infoAdicional.
type AdditionalField struct {
	Name  string
	Value string
}

// Sale comprobante de venta.
type Sale struct {
	ID            string
	Kind          sri.DocumentKind
	IssuerTaxID   string
	Customer      Party
	IssueDate     time.Time
	Establishment string
	EmissionPoint string
	Sequential    string
	AccessKey     string
	Lines         []SaleLine
	Totals        Totals
	Currency      string
	PaymentMethod string
	Additional    []AdditionalField
	State         SaleState

	AuthorizationNumber string
	AuthorizationTime   *time.Time
	LastServiceMessages []ServiceMessage

	Audit
}

// Transition aplica from → to o falla con ErrIllegalTransition.
func (s *Sale) Transition(to SaleState) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("%w: venta %s de %s a %s", domain.ErrIllegalTransition, s.ID, s.State, to)
	}
	s.State = to
	return nil
}

// EnsureMutable falla si la venta ya fue firmada.
func (s *Sale) EnsureMutable() error {
	if s.State.Frozen() {
		return fmt.Errorf("%w: venta %s en estado %s", domain.ErrSaleFrozen, s.ID, s.State)
	}
	return nil
}

// Cancel anula la venta; solo en DRAFT o NUMBERED.
func (s *Sale) Cancel() error {
	if s.State != SaleDraft && s.State != SaleNumbered {
		return fmt.Errorf("%w: solo se anula en DRAFT o NUMBERED (actual %s)", domain.ErrIllegalTransition, s.State)
	}
	return s.Transition(SaleCancelled)
}

// Payment forma de pago, "sin utilización del sistema financiero" por defecto.
func (s *Sale) Payment() string {
	if s.PaymentMethod == "" {
		return sri.PaymentNoFinancialSystem
	}
	return s.PaymentMethod
}

// Clone copia profunda de la venta.
func (s *Sale) Clone() *Sale {
	c := *s
	c.Lines = append([]SaleLine(nil), s.Lines...)
	c.Totals.TaxGroups = append([]TaxGroup(nil), s.Totals.TaxGroups...)
	c.Additional = append([]AdditionalField(nil), s.Additional...)
	c.LastServiceMessages = append([]ServiceMessage(nil), s.LastServiceMessages...)
	if s.AuthorizationTime != nil {
		t := *s.AuthorizationTime
		c.AuthorizationTime = &t
	}
	return &c
}
