// Servicio de firma XML-DSig enveloped para comprobantes electrónicos SRI.
// Añade <ds:Signature> como último hijo de la raíz id="comprobante".

package signer

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/ucarion/c14n"

	"github.com/jhoicas/fiscal-sri/internal/domain"
)

// Signer firma comprobantes. No lee ni persiste nada fuera de la credencial recibida.
type Signer struct{}

// New crea el servicio.
func New() *Signer {
	return &Signer{}
}

// SignWithPKCS12 descifra el material y firma el documento.
func (s *Signer) SignWithPKCS12(xmlBytes, material []byte, passphrase string) ([]byte, error) {
	cred, err := LoadCredential(material, passphrase)
	if err != nil {
		return nil, err
	}
	return s.Sign(xmlBytes, cred)
}

// Sign firma el XML con RSA-SHA1 sobre la forma C14N y devuelve el documento
// con la firma incrustada. Con la misma entrada produce los mismos bytes.
func (s *Signer) Sign(xmlBytes []byte, cred *Credential) ([]byte, error) {
	if cred == nil {
		return nil, fmt.Errorf("%w: sin credencial", domain.ErrCredentialUnavailable)
	}
	if len(xmlBytes) == 0 {
		return nil, fmt.Errorf("%w: XML vacío", domain.ErrSigningFailed)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(xmlBytes); err != nil {
		return nil, fmt.Errorf("%w: parsear XML: %w", domain.ErrSigningFailed, err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: documento sin raíz", domain.ErrSigningFailed)
	}
	if root.SelectAttrValue("id", "") != DocumentElementID {
		return nil, fmt.Errorf("%w: la raíz debe tener id=%q", domain.ErrSigningFailed, DocumentElementID)
	}
	if findSignature(root) != nil {
		return nil, fmt.Errorf("%w: el documento ya está firmado", domain.ErrSigningFailed)
	}

	// 1) Digest de la raíz (transformada enveloped + C14N). Aún no hay firma.
	canonicalDoc, err := canonicalizeElement(root)
	if err != nil {
		return nil, fmt.Errorf("%w: c14n documento: %w", domain.ErrSigningFailed, err)
	}
	docDigest := sha1.Sum(canonicalDoc)
	docDigestB64 := base64.StdEncoding.EncodeToString(docDigest[:])

	// 2) SignedInfo canónico firmado con RSA-SHA1
	signedInfoXML := buildSignedInfo(docDigestB64)
	canonicalSignedInfo, err := canonicalizeXML([]byte(signedInfoXML))
	if err != nil {
		return nil, fmt.Errorf("%w: c14n SignedInfo: %w", domain.ErrSigningFailed, err)
	}
	signHash := sha1.Sum(canonicalSignedInfo)
	signatureValue, err := rsa.SignPKCS1v15(nil, cred.key, crypto.SHA1, signHash[:])
	if err != nil {
		return nil, fmt.Errorf("%w: firmar SignedInfo: %w", domain.ErrSigningFailed, err)
	}

	// 3) KeyInfo con el certificado DER
	certB64 := base64.StdEncoding.EncodeToString(cred.cert.Raw)
	signatureXML := buildSignature(signedInfoXML, base64.StdEncoding.EncodeToString(signatureValue), certB64)

	// 4) Añadir como último hijo de la raíz, sin reindentar
	sigDoc := etree.NewDocument()
	if err := sigDoc.ReadFromString(signatureXML); err != nil {
		return nil, fmt.Errorf("%w: parsear Signature: %w", domain.ErrSigningFailed, err)
	}
	root.AddChild(sigDoc.Root())

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: serializar: %w", domain.ErrSigningFailed, err)
	}
	return out, nil
}

// canonicalizeElement C14N del subárbol el, sin declaración XML.
func canonicalizeElement(el *etree.Element) ([]byte, error) {
	tmp := etree.NewDocument()
	tmp.SetRoot(el.Copy())
	raw, err := tmp.WriteToBytes()
	if err != nil {
		return nil, err
	}
	return canonicalizeXML(raw)
}

func canonicalizeXML(data []byte) ([]byte, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Entity = map[string]string{}
	return c14n.Canonicalize(dec)
}

func buildSignedInfo(docDigestB64 string) string {
	var sb strings.Builder
	sb.WriteString(`<ds:SignedInfo xmlns:ds="` + NamespaceDS + `">`)
	sb.WriteString(`<ds:CanonicalizationMethod Algorithm="` + AlgC14N + `"></ds:CanonicalizationMethod>`)
	sb.WriteString(`<ds:SignatureMethod Algorithm="` + AlgRSASHA1 + `"></ds:SignatureMethod>`)
	sb.WriteString(`<ds:Reference URI="#` + DocumentElementID + `">`)
	sb.WriteString(`<ds:Transforms><ds:Transform Algorithm="` + TransformEnveloped + `"></ds:Transform>`)
	sb.WriteString(`<ds:Transform Algorithm="` + AlgC14N + `"></ds:Transform></ds:Transforms>`)
	sb.WriteString(`<ds:DigestMethod Algorithm="` + AlgSHA1 + `"></ds:DigestMethod>`)
	sb.WriteString(`<ds:DigestValue>` + docDigestB64 + `</ds:DigestValue>`)
	sb.WriteString(`</ds:Reference>`)
	sb.WriteString(`</ds:SignedInfo>`)
	return sb.String()
}

func buildSignature(signedInfoXML, signatureValueB64, certB64 string) string {
	var sb strings.Builder
	sb.WriteString(`<ds:Signature xmlns:ds="` + NamespaceDS + `">`)
	sb.WriteString(signedInfoXML)
	sb.WriteString(`<ds:SignatureValue>` + signatureValueB64 + `</ds:SignatureValue>`)
	sb.WriteString(`<ds:KeyInfo><ds:X509Data><ds:X509Certificate>` + certB64 + `</ds:X509Certificate></ds:X509Data></ds:KeyInfo>`)
	sb.WriteString(`</ds:Signature>`)
	return sb.String()
}

// findSignature hijo directo Signature de la raíz, con o sin prefijo.
func findSignature(root *etree.Element) *etree.Element {
	for _, child := range root.ChildElements() {
		if child.Tag == "Signature" {
			return child
		}
	}
	return nil
}

func findChild(el *etree.Element, local string) *etree.Element {
	if el == nil {
		return nil
	}
	for _, child := range el.ChildElements() {
		if child.Tag == local {
			return child
		}
	}
	return nil
}
