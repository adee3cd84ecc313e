// Constantes para firma XML-DSig enveloped de comprobantes SRI (esquema offline).

package signer

// Namespaces y algoritmos XMLDSig.
const (
	NamespaceDS        = "http://www.w3.org/2000/09/xmldsig#"
	AlgC14N            = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
	AlgRSASHA1         = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
	AlgSHA1            = "http://www.w3.org/2000/09/xmldsig#sha1"
	TransformEnveloped = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
)

// DocumentElementID valor del atributo id de la raíz que referencia la firma.
const DocumentElementID = "comprobante"
