package entity

import (
	"fmt"

	"github.com/jhoicas/fiscal-sri/internal/domain"
	"github.com/jhoicas/fiscal-sri/pkg/money"
	"github.com/jhoicas/fiscal-sri/pkg/sri"
)

// TaxRate tarifa de impuesto. Code es el codigoPorcentaje del SRI.
type TaxRate struct {
	Code      string
	Name      string
	TaxCode   string      // codigo del impuesto (2 = IVA)
	Percent   money.Money // 12.00, 15.00, ...
	IsDefault bool
	Audit
}

// Validate comprueba código y porcentaje no negativo.
func (r TaxRate) Validate() error {
	if r.Code == "" {
		return fmt.Errorf("%w: tarifa sin código", domain.ErrInvalidInput)
	}
	if r.Percent.IsNegative() {
		return fmt.Errorf("%w: tarifa %s con porcentaje negativo", domain.ErrInvalidInput, r.Code)
	}
	return nil
}

// Kind devuelve el código de impuesto, IVA si no se especificó.
func (r TaxRate) Kind() string {
	if r.TaxCode == "" {
		return sri.TaxCodeIVA
	}
	return r.TaxCode
}

// Apply calcula (impuesto, bruto) sobre net, redondeando el impuesto a 2 decimales.
func (r TaxRate) Apply(net money.Money) (tax, gross money.Money, err error) {
	tax, err = net.MulByRate(money.PercentToRate(r.Percent), money.AmountScale)
	if err != nil {
		return money.Money{}, money.Money{}, err
	}
	gross, err = net.Add(tax)
	if err != nil {
		return money.Money{}, money.Money{}, err
	}
	return tax, gross, nil
}
