package entity

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jhoicas/fiscal-sri/pkg/sri"
)

// Issuer emisor del tenant (singleton por proceso).
type Issuer struct {
	TaxID                string
	LegalName            string
	CommercialName       string
	Address              string // dirMatriz
	EstablishmentAddress string // dirEstablecimiento
	AccountingRequired   bool   // obligadoContabilidad
	SpecialTaxpayer      string // contribuyenteEspecial (resolución), opcional
	Environment          sri.Environment
	EmissionMode         string
	Establishment        string
	EmissionPoint        string

	PKCS12Material   []byte `json:"-"`
	PKCS12Passphrase string `json:"-"`

	ReceiveURLTest   string
	ReceiveURLProd   string
	AuthorizeURLTest string
	AuthorizeURLProd string
}

// ReceiveURL endpoint de recepción del ambiente configurado.
func (i Issuer) ReceiveURL() string {
	if i.Environment == sri.EnvProd {
		return i.ReceiveURLProd
	}
	return i.ReceiveURLTest
}

// AuthorizeURL endpoint de autorización del ambiente configurado.
func (i Issuer) AuthorizeURL() string {
	if i.Environment == sri.EnvProd {
		return i.AuthorizeURLProd
	}
	return i.AuthorizeURLTest
}

// Mode tipo de emisión, normal por defecto.
func (i Issuer) Mode() string {
	if i.EmissionMode == "" {
		return sri.EmissionModeNormal
	}
	return i.EmissionMode
}

// String nunca expone la credencial.
func (i Issuer) String() string {
	return fmt.Sprintf("Issuer{ruc=%s ambiente=%s credencial=[REDACTED]}", i.TaxID, i.Environment)
}

// GoString evita que %#v vuelque la credencial.
func (i Issuer) GoString() string { return i.String() }

// MarshalZerologObject solo registra campos no sensibles.
func (i Issuer) MarshalZerologObject(e *zerolog.Event) {
	e.Str("ruc", i.TaxID).
		Str("razon_social", i.LegalName).
		Str("ambiente", string(i.Environment)).
		Str("receive_url", i.ReceiveURL()).
		Str("authorize_url", i.AuthorizeURL())
}
