// Carga de la credencial de firma desde PKCS#12 (.p12).

package signer

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/pkcs12"

	"github.com/jhoicas/fiscal-sri/internal/domain"
)

// Credential llave privada RSA y certificado del emisor. Nunca se serializa.
type Credential struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate
}

// LoadCredentialFile lee y descifra un archivo .p12.
func LoadCredentialFile(path, passphrase string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: leer p12: %w", domain.ErrCredentialUnavailable, err)
	}
	return LoadCredential(data, passphrase)
}

// LoadCredential descifra material PKCS#12. Los archivos emitidos por las
// entidades certificadoras suelen traer la cadena completa; en ese caso se
// elige el certificado cuya llave pública corresponde a la privada.
func LoadCredential(material []byte, passphrase string) (*Credential, error) {
	if len(material) == 0 {
		return nil, fmt.Errorf("%w: material vacío", domain.ErrCredentialUnavailable)
	}
	priv, cert, err := pkcs12.Decode(material, passphrase)
	if err == nil {
		return newCredential(priv, cert)
	}
	if errors.Is(err, pkcs12.ErrIncorrectPassword) {
		return nil, fmt.Errorf("%w: %w", domain.ErrCredentialDecryptFailed, err)
	}

	blocks, pemErr := pkcs12.ToPEM(material, passphrase)
	if pemErr != nil {
		if errors.Is(pemErr, pkcs12.ErrIncorrectPassword) {
			return nil, fmt.Errorf("%w: %w", domain.ErrCredentialDecryptFailed, pemErr)
		}
		return nil, fmt.Errorf("%w: decodificar p12: %w", domain.ErrCredentialDecryptFailed, err)
	}
	return fromPEMBlocks(blocks)
}

func fromPEMBlocks(blocks []*pem.Block) (*Credential, error) {
	var key *rsa.PrivateKey
	var certs []*x509.Certificate
	for _, b := range blocks {
		switch b.Type {
		case "PRIVATE KEY", "RSA PRIVATE KEY":
			k, err := parseRSAKey(b.Bytes)
			if err != nil {
				return nil, err
			}
			key = k
		case "CERTIFICATE":
			c, err := x509.ParseCertificate(b.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: certificado: %w", domain.ErrCredentialUnavailable, err)
			}
			certs = append(certs, c)
		}
	}
	if key == nil {
		return nil, fmt.Errorf("%w: p12 sin llave privada", domain.ErrCredentialUnavailable)
	}
	for _, c := range certs {
		if pub, ok := c.PublicKey.(*rsa.PublicKey); ok && pub.Equal(&key.PublicKey) {
			return newCredential(key, c)
		}
	}
	return nil, fmt.Errorf("%w: ningún certificado corresponde a la llave", domain.ErrCredentialUnavailable)
}

func parseRSAKey(der []byte) (*rsa.PrivateKey, error) {
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: llave privada: %w", domain.ErrCredentialUnavailable, err)
	}
	rk, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: la llave debe ser RSA", domain.ErrCredentialUnavailable)
	}
	return rk, nil
}

func newCredential(priv interface{}, cert *x509.Certificate) (*Credential, error) {
	key, ok := priv.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: la llave debe ser RSA", domain.ErrCredentialUnavailable)
	}
	if cert == nil {
		return nil, fmt.Errorf("%w: p12 sin certificado", domain.ErrCredentialUnavailable)
	}
	return &Credential{key: key, cert: cert}, nil
}

// Certificate certificado de firma.
func (c *Credential) Certificate() *x509.Certificate { return c.cert }

// ValidAt indica si el certificado está vigente en t.
func (c *Credential) ValidAt(t time.Time) bool {
	return !t.Before(c.cert.NotBefore) && !t.After(c.cert.NotAfter)
}

// String forma redactada; la llave nunca se imprime.
func (c *Credential) String() string {
	if c == nil || c.cert == nil {
		return "Credential{}"
	}
	return fmt.Sprintf("Credential{subject=%q serial=%s key=[REDACTED]}", c.cert.Subject.String(), c.cert.SerialNumber.Text(16))
}

// GoString evita que %#v exponga la llave.
func (c *Credential) GoString() string { return c.String() }

// MarshalZerologObject expone solo sujeto, serial y vigencia.
func (c *Credential) MarshalZerologObject(e *zerolog.Event) {
	if c == nil || c.cert == nil {
		return
	}
	e.Str("subject", c.cert.Subject.String()).
		Str("serial", c.cert.SerialNumber.Text(16)).
		Time("not_before", c.cert.NotBefore).
		Time("not_after", c.cert.NotAfter)
}
