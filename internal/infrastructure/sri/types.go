package sri

import "encoding/xml"

// ── Estructuras SOAP de solicitud ─────────────────────────────────────────────

type soapEnvelope struct {
	XMLName  xml.Name `xml:"soapenv:Envelope"`
	XmlnsEnv string   `xml:"xmlns:soapenv,attr"`
	XmlnsEc  string   `xml:"xmlns:ec,attr"`
	Header   struct{} `xml:"soapenv:Header"`
	Body     soapBody `xml:"soapenv:Body"`
}

type soapBody struct {
	Content interface{}
}

func (b soapBody) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Name.Local = "soapenv:Body"
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if err := e.Encode(b.Content); err != nil {
		return err
	}
	return e.EncodeToken(start.End())
}

// validarComprobanteBody operación de recepción; xml va en Base64.
type validarComprobanteBody struct {
	XMLName xml.Name `xml:"ec:validarComprobante"`
	XML     string   `xml:"xml"`
}

// autorizacionComprobanteBody operación de consulta de autorización.
type autorizacionComprobanteBody struct {
	XMLName   xml.Name `xml:"ec:autorizacionComprobante"`
	AccessKey string   `xml:"claveAccesoComprobante"`
}

// ── Estructuras SOAP de respuesta ─────────────────────────────────────────────

type soapResponseEnvelope struct {
	Body soapResponseBody `xml:"Body"`
}

type soapResponseBody struct {
	Reception     *receptionResponse     `xml:"validarComprobanteResponse"`
	Authorization *authorizationResponse `xml:"autorizacionComprobanteResponse"`
	Fault         *soapFault             `xml:"Fault"`
}

type soapFault struct {
	FaultCode   string `xml:"faultcode"`
	FaultString string `xml:"faultstring"`
}

type receptionResponse struct {
	Result receptionResult `xml:"RespuestaRecepcionComprobante"`
}

type receptionResult struct {
	State    string            `xml:"estado"`
	Receipts []receiptEnvelope `xml:"comprobantes>comprobante"`
}

type receiptEnvelope struct {
	AccessKey string        `xml:"claveAcceso"`
	Messages  []soapMessage `xml:"mensajes>mensaje"`
}

type soapMessage struct {
	ID         string `xml:"identificador"`
	Message    string `xml:"mensaje"`
	Additional string `xml:"informacionAdicional"`
	Kind       string `xml:"tipo"`
}

type authorizationResponse struct {
	Result authorizationResult `xml:"RespuestaAutorizacionComprobante"`
}

type authorizationResult struct {
	AccessKey      string              `xml:"claveAccesoConsultada"`
	Count          string              `xml:"numeroComprobantes"`
	Authorizations []authorizationItem `xml:"autorizaciones>autorizacion"`
}

type authorizationItem struct {
	State       string        `xml:"estado"`
	Number      string        `xml:"numeroAutorizacion"`
	Date        string        `xml:"fechaAutorizacion"`
	Environment string        `xml:"ambiente"`
	Document    string        `xml:"comprobante"`
	Messages    []soapMessage `xml:"mensajes>mensaje"`
}
