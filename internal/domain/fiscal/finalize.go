// Package fiscal contiene las reglas de dominio que cierran una venta antes de
// numerarla: importes por línea, grupos de impuesto, totales y legalidad del
// comprador según el ambiente del emisor.
package fiscal

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jhoicas/fiscal-sri/internal/domain"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
	"github.com/jhoicas/fiscal-sri/pkg/money"
	"github.com/jhoicas/fiscal-sri/pkg/sri"
)

// RateLookup resuelve tarifas por código (snapshot del catálogo).
type RateLookup interface {
	ByCode(code string) (entity.TaxRate, error)
}

// Policy reglas que dependen del emisor.
type Policy struct {
	Environment sri.Environment
	// FinalConsumerLimit importe máximo de una venta a consumidor final en PROD.
	// Cero desactiva el límite.
	FinalConsumerLimit money.Money
}

// Finalize valida la venta en DRAFT, calcula y almacena importes por línea,
// grupos de impuesto y totales. El total general es la suma de los brutos por
// línea: el redondeo por línea es el autoritativo.
func Finalize(sale *entity.Sale, rates RateLookup, policy Policy) error {
	if sale == nil {
		return fmt.Errorf("%w: venta nula", domain.ErrInvalidSale)
	}
	if err := sale.EnsureMutable(); err != nil {
		return err
	}
	if sale.State != entity.SaleDraft {
		return fmt.Errorf("%w: finalize requiere DRAFT (actual %s)", domain.ErrIllegalTransition, sale.State)
	}

	var errs []error
	if sale.Kind == "" {
		sale.Kind = sri.KindInvoice
	}
	if sale.Kind != sri.KindInvoice {
		errs = append(errs, fmt.Errorf("tipo de comprobante %s no soportado", sale.Kind))
	}
	if sale.Currency == "" {
		sale.Currency = entity.CurrencyUSD
	}
	if sale.Currency != entity.CurrencyUSD {
		errs = append(errs, fmt.Errorf("moneda %s no soportada", sale.Currency))
	}
	if sale.IssueDate.IsZero() {
		errs = append(errs, errors.New("fecha de emisión obligatoria"))
	}
	if !threeDigits(sale.Establishment) {
		errs = append(errs, fmt.Errorf("establecimiento %q debe tener 3 dígitos", sale.Establishment))
	}
	if !threeDigits(sale.EmissionPoint) {
		errs = append(errs, fmt.Errorf("punto de emisión %q debe tener 3 dígitos", sale.EmissionPoint))
	}
	if err := sale.Customer.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("comprador: %w", err))
	}

	if len(sale.Lines) == 0 {
		errs = append(errs, errors.New("la venta debe tener al menos una línea"))
	}
	for i := range sale.Lines {
		if err := computeLine(&sale.Lines[i], rates); err != nil {
			errs = append(errs, fmt.Errorf("línea %d: %w", i+1, err))
		}
	}
	if len(errs) > 0 {
		return joinInvalid(errs)
	}

	totals, err := ComputeTotals(sale.Lines)
	if err != nil {
		return joinInvalid([]error{err})
	}

	if err := checkCustomerLegality(sale.Customer, totals.GrossTotal, policy); err != nil {
		return joinInvalid([]error{err})
	}
	sale.Totals = totals
	return nil
}

// ComputeTotals agrega líneas ya calculadas. Los grupos se ordenan por código
// para que el resultado no dependa del orden de las líneas.
func ComputeTotals(lines []entity.SaleLine) (entity.Totals, error) {
	t := entity.Totals{
		NetSum:      money.Zero(money.AmountScale),
		DiscountSum: money.Zero(money.AmountScale),
		TaxSum:      money.Zero(money.AmountScale),
		GrossTotal:  money.Zero(money.AmountScale),
	}
	groups := map[string]*entity.TaxGroup{}
	var err error
	for _, l := range lines {
		if t.NetSum, err = t.NetSum.Add(l.Net); err != nil {
			return entity.Totals{}, err
		}
		if t.DiscountSum, err = t.DiscountSum.Add(l.Discount); err != nil {
			return entity.Totals{}, err
		}
		if t.TaxSum, err = t.TaxSum.Add(l.Tax); err != nil {
			return entity.Totals{}, err
		}
		if t.GrossTotal, err = t.GrossTotal.Add(l.Gross); err != nil {
			return entity.Totals{}, err
		}
		key := l.TaxKind + "/" + l.TaxRateCode
		g, ok := groups[key]
		if !ok {
			g = &entity.TaxGroup{
				TaxKind:  l.TaxKind,
				RateCode: l.TaxRateCode,
				Percent:  l.TaxPercent,
				Base:     money.Zero(money.AmountScale),
				Tax:      money.Zero(money.AmountScale),
			}
			groups[key] = g
		}
		if g.Base, err = g.Base.Add(l.Net); err != nil {
			return entity.Totals{}, err
		}
		if g.Tax, err = g.Tax.Add(l.Tax); err != nil {
			return entity.Totals{}, err
		}
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t.TaxGroups = append(t.TaxGroups, *groups[k])
	}
	return t, nil
}

func computeLine(l *entity.SaleLine, rates RateLookup) error {
	var errs []error
	if strings.TrimSpace(l.ProductCode) == "" {
		errs = append(errs, errors.New("código de producto obligatorio"))
	}
	if strings.TrimSpace(l.Description) == "" {
		errs = append(errs, errors.New("descripción obligatoria"))
	}
	if !l.Quantity.IsPositive() {
		errs = append(errs, fmt.Errorf("cantidad %s debe ser mayor que cero", l.Quantity))
	}
	if l.UnitPrice.IsNegative() {
		errs = append(errs, fmt.Errorf("precio unitario %s negativo", l.UnitPrice))
	}
	if l.Discount.IsNegative() {
		errs = append(errs, fmt.Errorf("descuento %s negativo", l.Discount))
	}
	rate, err := rates.ByCode(l.TaxRateCode)
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	gross, err := l.Quantity.MulByRate(l.UnitPrice, money.AmountScale)
	if err != nil {
		return err
	}
	if l.Discount.Cmp(gross) > 0 {
		return fmt.Errorf("descuento %s supera cantidad × precio %s", l.Discount, gross)
	}
	net, err := gross.Sub(l.Discount)
	if err != nil {
		return err
	}
	tax, lineGross, err := rate.Apply(net)
	if err != nil {
		return err
	}
	l.TaxKind = rate.Kind()
	l.TaxPercent = rate.Percent
	l.Net = net
	l.Tax = tax
	l.Gross = lineGross
	if l.Discount.Scale() == 0 && l.Discount.IsZero() {
		l.Discount = money.Zero(money.AmountScale)
	}
	return nil
}

func checkCustomerLegality(c entity.Party, gross money.Money, policy Policy) error {
	if !c.IsFinalConsumer() {
		return nil
	}
	if c.IDNumber != sri.FinalConsumerID {
		return fmt.Errorf("consumidor final debe identificarse con %s", sri.FinalConsumerID)
	}
	if policy.Environment == sri.EnvProd && policy.FinalConsumerLimit.IsPositive() &&
		gross.Cmp(policy.FinalConsumerLimit) > 0 {
		return fmt.Errorf("venta a consumidor final de %s supera el límite de %s en producción",
			gross, policy.FinalConsumerLimit)
	}
	return nil
}

func joinInvalid(errs []error) error {
	return errors.Join(append([]error{domain.ErrInvalidSale}, errs...)...)
}

func threeDigits(s string) bool {
	if len(s) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
