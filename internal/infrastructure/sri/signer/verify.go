package signer

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/beevik/etree"

	"github.com/jhoicas/fiscal-sri/internal/domain"
)

// Verify comprueba DigestValue y SignatureValue con el certificado incrustado.
// Devuelve el certificado firmante; cualquier discrepancia es domain.ErrIntegrity.
func Verify(signed []byte) (*x509.Certificate, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signed); err != nil {
		return nil, fmt.Errorf("%w: parsear XML: %w", domain.ErrIntegrity, err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: documento sin raíz", domain.ErrIntegrity)
	}
	sig := findSignature(root)
	if sig == nil {
		return nil, fmt.Errorf("%w: documento sin firma", domain.ErrIntegrity)
	}
	signedInfo := findChild(sig, "SignedInfo")
	ref := findChild(signedInfo, "Reference")
	if ref == nil || ref.SelectAttrValue("URI", "") != "#"+DocumentElementID {
		return nil, fmt.Errorf("%w: Reference debe apuntar a #%s", domain.ErrIntegrity, DocumentElementID)
	}
	digestB64 := strings.TrimSpace(textOf(findChild(ref, "DigestValue")))
	sigB64 := strings.TrimSpace(textOf(findChild(sig, "SignatureValue")))
	certB64 := strings.TrimSpace(textOf(findChild(findChild(findChild(sig, "KeyInfo"), "X509Data"), "X509Certificate")))
	if digestB64 == "" || sigB64 == "" || certB64 == "" {
		return nil, fmt.Errorf("%w: firma incompleta", domain.ErrIntegrity)
	}

	// 1) Transformada enveloped: la raíz sin su Signature
	bare := root.Copy()
	bare.RemoveChild(findSignature(bare))
	canonicalDoc, err := canonicalizeElement(bare)
	if err != nil {
		return nil, fmt.Errorf("%w: c14n documento: %w", domain.ErrIntegrity, err)
	}
	sum := sha1.Sum(canonicalDoc)
	want, err := base64.StdEncoding.DecodeString(digestB64)
	if err != nil || subtle.ConstantTimeCompare(sum[:], want) != 1 {
		return nil, fmt.Errorf("%w: DigestValue no coincide", domain.ErrIntegrity)
	}

	// 2) SignatureValue sobre SignedInfo canónico
	si := signedInfo.Copy()
	if si.SelectAttr("xmlns:"+si.Space) == nil && si.Space != "" {
		si.CreateAttr("xmlns:"+si.Space, NamespaceDS)
	}
	canonicalSI, err := canonicalizeElement(si)
	if err != nil {
		return nil, fmt.Errorf("%w: c14n SignedInfo: %w", domain.ErrIntegrity, err)
	}
	der, err := base64.StdEncoding.DecodeString(certB64)
	if err != nil {
		return nil, fmt.Errorf("%w: X509Certificate: %w", domain.ErrIntegrity, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: X509Certificate: %w", domain.ErrIntegrity, err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: el certificado no es RSA", domain.ErrIntegrity)
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, fmt.Errorf("%w: SignatureValue: %w", domain.ErrIntegrity, err)
	}
	h := sha1.Sum(canonicalSI)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, h[:], sigBytes); err != nil {
		return nil, fmt.Errorf("%w: SignatureValue inválida: %w", domain.ErrIntegrity, err)
	}
	return cert, nil
}

func textOf(el *etree.Element) string {
	if el == nil {
		return ""
	}
	return el.Text()
}
