package domain

import (
	"errors"
	"fmt"
)

// Errores de dominio (sin dependencias externas).
var (
	ErrNotFound     = errors.New("recurso no encontrado")
	ErrInvalidInput = errors.New("entrada inválida")
	ErrDuplicate    = errors.New("recurso duplicado")
	ErrConflict     = errors.New("conflicto con el estado actual")
)

// Errores de entrada y modelo de documento.
var (
	ErrInvalidSale       = errors.New("venta inválida")
	ErrIllegalTransition = errors.New("transición de estado no permitida")
	ErrSaleFrozen        = errors.New("la venta está firmada y no admite cambios")
	ErrDocumentBuild     = errors.New("no se pudo construir el comprobante")
)

// Errores de catálogo y numeración.
var (
	ErrNoDefaultTaxRate   = errors.New("no hay tarifa de impuesto por defecto")
	ErrUnknownTaxRate     = errors.New("tarifa de impuesto desconocida")
	ErrSequenceExhausted  = errors.New("secuencial agotado")
	ErrDuplicateAccessKey = errors.New("clave de acceso duplicada")
)

// Errores criptográficos: fatales para la venta, no se contacta al SRI.
var (
	ErrCredentialUnavailable   = errors.New("credencial de firma no disponible")
	ErrCredentialDecryptFailed = errors.New("no se pudo descifrar la credencial de firma")
	ErrSigningFailed           = errors.New("falló la firma del comprobante")
)

// Errores del motor de envío.
var (
	ErrNotClaimant = errors.New("el worker no es dueño de la entrada del outbox")
	ErrIntegrity   = errors.New("error de integridad del comprobante firmado")
	ErrTransport   = errors.New("error de transporte con el SRI")
)

// DocumentBuildError indica el campo obligatorio ausente al construir el XML.
type DocumentBuildError struct {
	Field  string
	Reason string
}

func (e *DocumentBuildError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: falta el campo %s", ErrDocumentBuild, e.Field)
	}
	return fmt.Sprintf("%s: %s: %s", ErrDocumentBuild, e.Field, e.Reason)
}

func (e *DocumentBuildError) Unwrap() error { return ErrDocumentBuild }

// TransportError fallo recuperable al hablar con el SRI (timeout, conexión, SOAP malformado).
type TransportError struct {
	Op      string // validarComprobante | autorizacionComprobante
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	kind := "fallo"
	if e.Timeout {
		kind = "timeout"
	}
	return fmt.Sprintf("%s: %s en %s: %v", ErrTransport, kind, e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// IsCrypto indica si err pertenece a la familia de errores criptográficos.
func IsCrypto(err error) bool {
	return errors.Is(err, ErrCredentialUnavailable) ||
		errors.Is(err, ErrCredentialDecryptFailed) ||
		errors.Is(err, ErrSigningFailed)
}
