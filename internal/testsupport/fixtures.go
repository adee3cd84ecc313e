// Package testsupport reúne fixtures compartidas por las pruebas: credencial
// de firma desechable, emisor y ventas de ejemplo, reloj manual y un SRI
// simulado con respuestas programadas.
package testsupport

import (
	_ "embed"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jhoicas/fiscal-sri/internal/application/taxcatalog"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
	"github.com/jhoicas/fiscal-sri/internal/domain/fiscal"
	"github.com/jhoicas/fiscal-sri/internal/infrastructure/sri/signer"
	"github.com/jhoicas/fiscal-sri/pkg/money"
	"github.com/jhoicas/fiscal-sri/pkg/sri"
)

// credential.p12: RSA 2048 autofirmado, CN=COMERCIAL ANDINA PRUEBAS, válido 100 años.
//
//go:embed testdata/credential.p12
var pkcs12Material []byte

// Passphrase clave del PKCS#12 de pruebas.
const Passphrase = "clave-prueba"

// IssuerTaxID RUC del emisor de pruebas (sociedad privada).
const IssuerTaxID = "1790012345001"

// PKCS12 copia del material embebido.
func PKCS12() []byte { return append([]byte(nil), pkcs12Material...) }

// Credential credencial descifrada.
func Credential(t testing.TB) *signer.Credential {
	t.Helper()
	cred, err := signer.LoadCredential(pkcs12Material, Passphrase)
	require.NoError(t, err)
	return cred
}

// Issuer emisor en ambiente TEST con credencial embebida.
func Issuer() entity.Issuer {
	return entity.Issuer{
		TaxID:                IssuerTaxID,
		LegalName:            "COMERCIAL ANDINA S.A.",
		CommercialName:       "COMERCIAL ANDINA",
		Address:              "Av. Amazonas N34-451 y Atahualpa, Quito",
		EstablishmentAddress: "Av. Amazonas N34-451 y Atahualpa, Quito",
		AccountingRequired:   true,
		Environment:          sri.EnvTest,
		EmissionMode:         sri.EmissionModeNormal,
		Establishment:        "001",
		EmissionPoint:        "001",
		PKCS12Material:       PKCS12(),
		PKCS12Passphrase:     Passphrase,
		ReceiveURLTest:       "http://sri.invalid/recepcion",
		AuthorizeURLTest:     "http://sri.invalid/autorizacion",
	}
}

// Rates tarifas IVA vigentes; 15 % por defecto.
func Rates() []entity.TaxRate {
	return []entity.TaxRate{
		{Code: sri.RateIVA0, Name: "IVA 0%", TaxCode: sri.TaxCodeIVA, Percent: money.MustParse("0", 2)},
		{Code: sri.RateIVA12, Name: "IVA 12%", TaxCode: sri.TaxCodeIVA, Percent: money.MustParse("12", 2)},
		{Code: sri.RateIVA15, Name: "IVA 15%", TaxCode: sri.TaxCodeIVA, Percent: money.MustParse("15", 2), IsDefault: true},
		{Code: sri.RateIVA5, Name: "IVA 5%", TaxCode: sri.TaxCodeIVA, Percent: money.MustParse("5", 2)},
	}
}

// Catalog catálogo estático con Rates.
func Catalog(t testing.TB) *taxcatalog.Catalog {
	t.Helper()
	c, err := taxcatalog.NewStatic(Rates())
	require.NoError(t, err)
	return c
}

// IssueDate fecha de emisión fija de los escenarios.
var IssueDate = time.Date(2023, 10, 26, 0, 0, 0, 0, time.UTC)

// DraftSale venta en DRAFT con dos líneas al 12 % (12.99 + 7.77).
func DraftSale(id string) *entity.Sale {
	return &entity.Sale{
		ID:            id,
		Kind:          sri.KindInvoice,
		IssueDate:     IssueDate,
		Establishment: "001",
		EmissionPoint: "001",
		Customer: entity.Party{
			IDKind:    sri.IDNational,
			IDNumber:  "1710034065",
			LegalName: "JUAN PEREZ",
			Address:   "Calle Sucre 123, Quito",
			Email:     "juan.perez@example.com",
		},
		Lines: []entity.SaleLine{
			{
				ProductCode: "P-001",
				Description: "Cuaderno universitario",
				Quantity:    money.MustParse("3", 6),
				UnitPrice:   money.MustParse("4.33", 6),
				TaxRateCode: sri.RateIVA12,
			},
			{
				ProductCode: "P-002",
				Description: "Resma papel A4",
				Quantity:    money.MustParse("1", 6),
				UnitPrice:   money.MustParse("7.77", 6),
				TaxRateCode: sri.RateIVA12,
			},
		},
		State: entity.SaleDraft,
	}
}

// FinalizedSale DraftSale con importes calculados.
func FinalizedSale(t testing.TB, id string) *entity.Sale {
	t.Helper()
	sale := DraftSale(id)
	require.NoError(t, fiscal.Finalize(sale, Catalog(t), fiscal.Policy{Environment: sri.EnvTest}))
	return sale
}

// NumberedSale venta finalizada con secuencial seq y clave de acceso de Issuer.
func NumberedSale(t testing.TB, id string, seq int) *entity.Sale {
	t.Helper()
	sale := FinalizedSale(t, id)
	sale.Sequential = fmt.Sprintf("%09d", seq)
	sale.IssuerTaxID = IssuerTaxID
	key, err := sri.BuildAccessKey(sri.AccessKeyFields{
		IssueDate:     sale.IssueDate,
		Kind:          sale.Kind,
		IssuerTaxID:   IssuerTaxID,
		Environment:   sri.EnvTest,
		Establishment: sale.Establishment,
		EmissionPoint: sale.EmissionPoint,
		Sequential:    sale.Sequential,
		Nonce:         12345678,
		EmissionMode:  sri.EmissionModeNormal,
	})
	require.NoError(t, err)
	sale.AccessKey = key
	require.NoError(t, sale.Transition(entity.SaleNumbered))
	return sale
}
