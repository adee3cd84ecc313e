// Package sri contiene catálogos, clave de acceso y validaciones alineados a la
// Ficha Técnica de Comprobantes Electrónicos del SRI (Ecuador), esquema offline.
package sri

import "fmt"

// =============================================================================
// Tabla 3 - Tipos de comprobante (codDoc)
// =============================================================================

// DocumentKind código de tipo de comprobante.
type DocumentKind string

const (
	KindInvoice     DocumentKind = "01" // Factura
	KindCreditNote  DocumentKind = "04" // Nota de crédito
	KindDebitNote   DocumentKind = "05" // Nota de débito
	KindRemittance  DocumentKind = "06" // Guía de remisión
	KindWithholding DocumentKind = "07" // Comprobante de retención
)

// Valid indica si el código pertenece al catálogo.
func (k DocumentKind) Valid() bool {
	switch k {
	case KindInvoice, KindCreditNote, KindDebitNote, KindRemittance, KindWithholding:
		return true
	}
	return false
}

// =============================================================================
// Tabla 4 - Tipo de ambiente
// =============================================================================

// Environment ambiente del emisor.
type Environment string

const (
	EnvTest Environment = "TEST" // Pruebas
	EnvProd Environment = "PROD" // Producción
)

// Code dígito de ambiente en la clave de acceso y en <ambiente>.
func (e Environment) Code() string {
	if e == EnvProd {
		return "2"
	}
	return "1"
}

// ParseEnvironment acepta TEST/PROD o los códigos 1/2.
func ParseEnvironment(s string) (Environment, error) {
	switch s {
	case "TEST", "test", "1":
		return EnvTest, nil
	case "PROD", "prod", "2":
		return EnvProd, nil
	}
	return "", fmt.Errorf("sri: ambiente desconocido %q (usar TEST o PROD)", s)
}

// =============================================================================
// Tabla 2 - Tipo de emisión
// =============================================================================

// EmissionModeNormal único tipo de emisión vigente (offline).
const EmissionModeNormal = "1"

// =============================================================================
// Tabla 6 - Tipo de identificación del comprador
// =============================================================================

// IDKind tipo de identificación de una parte.
type IDKind string

const (
	IDTaxID         IDKind = "TAX_ID"         // RUC
	IDNational      IDKind = "NATIONAL_ID"    // Cédula
	IDPassport      IDKind = "PASSPORT"       // Pasaporte
	IDFinalConsumer IDKind = "FINAL_CONSUMER" // Consumidor final
)

// FinalConsumerID identificación única del consumidor final.
const FinalConsumerID = "9999999999999"

// BuyerCode código tipoIdentificacionComprador.
func (k IDKind) BuyerCode() (string, bool) {
	switch k {
	case IDTaxID:
		return "04", true
	case IDNational:
		return "05", true
	case IDPassport:
		return "06", true
	case IDFinalConsumer:
		return "07", true
	}
	return "", false
}

// =============================================================================
// Tabla 16/17 - Impuestos y tarifas (codigo / codigoPorcentaje)
// =============================================================================

const (
	TaxCodeIVA = "2" // IVA
	TaxCodeICE = "3" // ICE

	RateIVA0     = "0"  // 0 %
	RateIVA12    = "2"  // 12 %
	RateIVA14    = "3"  // 14 %
	RateIVA15    = "4"  // 15 %
	RateIVA5     = "5"  // 5 %
	RateNoObjeto = "6"  // No objeto de impuesto
	RateExento   = "7"  // Exento de IVA
	RateIVADiff  = "8"  // IVA diferenciado
	RateIVA13    = "10" // 13 %
)

// IVARate fila de la tabla 17 para el impuesto IVA.
type IVARate struct {
	Code    string
	Name    string
	Percent string
}

// IVARates tarifas de IVA publicadas. La de 15 % es la vigente por defecto.
var IVARates = []IVARate{
	{RateIVA0, "IVA 0%", "0.00"},
	{RateIVA12, "IVA 12%", "12.00"},
	{RateIVA14, "IVA 14%", "14.00"},
	{RateIVA15, "IVA 15%", "15.00"},
	{RateIVA5, "IVA 5%", "5.00"},
	{RateNoObjeto, "No objeto de impuesto", "0.00"},
	{RateExento, "Exento de IVA", "0.00"},
	{RateIVADiff, "IVA diferenciado", "8.00"},
	{RateIVA13, "IVA 13%", "13.00"},
}

// DefaultIVARate código de la tarifa marcada por defecto al sembrar el catálogo.
const DefaultIVARate = RateIVA15

// =============================================================================
// Tabla 24 - Formas de pago
// =============================================================================

const (
	PaymentNoFinancialSystem = "01" // Sin utilización del sistema financiero
	PaymentDebitCard         = "16" // Tarjeta de débito
	PaymentElectronicMoney   = "17" // Dinero electrónico
	PaymentCreditCard        = "19" // Tarjeta de crédito
	PaymentOtherFinancial    = "20" // Otros con utilización del sistema financiero
)

// Currency moneda del comprobante.
const Currency = "DOLAR"
