package sri

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
	"golang.org/x/time/rate"

	"github.com/jhoicas/fiscal-sri/internal/domain"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
)

// ── Endpoints offline del SRI ─────────────────────────────────────────────────

const (
	ReceiveURLTest   = "https://celcer.sri.gob.ec/comprobantes-electronicos-ws/RecepcionComprobantesOffline"
	AuthorizeURLTest = "https://celcer.sri.gob.ec/comprobantes-electronicos-ws/AutorizacionComprobantesOffline"
	ReceiveURLProd   = "https://cel.sri.gob.ec/comprobantes-electronicos-ws/RecepcionComprobantesOffline"
	AuthorizeURLProd = "https://cel.sri.gob.ec/comprobantes-electronicos-ws/AutorizacionComprobantesOffline"

	soapNS          = "http://schemas.xmlsoap.org/soap/envelope/"
	nsRecepcion     = "http://ec.gob.sri.ws.recepcion"
	nsAutorizacion  = "http://ec.gob.sri.ws.autorizacion"
	opValidate      = "validarComprobante"
	opAuthorize     = "autorizacionComprobante"
	maxResponseSize = 1 << 20
)

// Estados que devuelve el SRI.
const (
	stateReceived      = "RECIBIDA"
	stateReturned      = "DEVUELTA"
	stateAuthorized    = "AUTORIZADO"
	stateNotAuthorized = "NO AUTORIZADO"
	stateInProcess     = "EN PROCESO"
	stateRejected      = "RECHAZADA"
)

// msgAlreadyRegistered "CLAVE ACCESO REGISTRADA": el SRI ya recibió el comprobante.
const msgAlreadyRegistered = "43"

// ecuadorTZ zona de las fechas sin desplazamiento.
var ecuadorTZ = time.FixedZone("ECT", -5*60*60)

// ── Implementación SOAP ───────────────────────────────────────────────────────

// SOAPClient cliente de los web services de recepción y autorización.
type SOAPClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger
}

// ClientOption configura el cliente.
type ClientOption func(*SOAPClient)

// WithHTTPClient reemplaza el cliente HTTP (pruebas, proxies).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *SOAPClient) { c.httpClient = hc }
}

// WithRateLimit limita solicitudes por segundo hacia el SRI. rps <= 0 desactiva.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *SOAPClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewSOAPClient construye el cliente. El timeout por solicitud lo fija el
// contexto del llamador; el del cliente HTTP es solo una red de seguridad.
func NewSOAPClient(log zerolog.Logger, opts ...ClientOption) *SOAPClient {
	c := &SOAPClient{
		httpClient: &http.Client{Timeout: 90 * time.Second},
		log:        log.With().Str("component", "sri_soap").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Validate envía el comprobante firmado (Base64) al servicio de recepción.
func (c *SOAPClient) Validate(ctx context.Context, endpoint string, signedXML []byte) (entity.ServiceResponse, error) {
	body := &validarComprobanteBody{XML: base64.StdEncoding.EncodeToString(signedXML)}
	raw, err := c.call(ctx, opValidate, endpoint, nsRecepcion, body)
	if err != nil {
		return entity.ServiceResponse{}, err
	}
	env, err := decodeEnvelope(raw)
	if err != nil {
		return entity.ServiceResponse{}, &domain.TransportError{Op: opValidate, Err: err}
	}
	if f := env.Body.Fault; f != nil {
		return entity.ServiceResponse{}, faultError(opValidate, f)
	}
	if env.Body.Reception == nil {
		return entity.ServiceResponse{}, &domain.TransportError{Op: opValidate, Err: errors.New("respuesta sin RespuestaRecepcionComprobante")}
	}
	return receptionDecision(env.Body.Reception.Result)
}

// Authorize consulta la autorización por clave de acceso.
func (c *SOAPClient) Authorize(ctx context.Context, endpoint, accessKey string) (entity.ServiceResponse, error) {
	raw, err := c.call(ctx, opAuthorize, endpoint, nsAutorizacion, &autorizacionComprobanteBody{AccessKey: accessKey})
	if err != nil {
		return entity.ServiceResponse{}, err
	}
	env, err := decodeEnvelope(raw)
	if err != nil {
		return entity.ServiceResponse{}, &domain.TransportError{Op: opAuthorize, Err: err}
	}
	if f := env.Body.Fault; f != nil {
		return entity.ServiceResponse{}, faultError(opAuthorize, f)
	}
	if env.Body.Authorization == nil {
		return entity.ServiceResponse{}, &domain.TransportError{Op: opAuthorize, Err: errors.New("respuesta sin RespuestaAutorizacionComprobante")}
	}
	return authorizationDecision(env.Body.Authorization.Result), nil
}

func (c *SOAPClient) call(ctx context.Context, op, endpoint, ns string, content interface{}) ([]byte, error) {
	if endpoint == "" {
		return nil, &domain.TransportError{Op: op, Err: errors.New("endpoint vacío")}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &domain.TransportError{Op: op, Timeout: true, Err: err}
		}
	}
	envelope := soapEnvelope{
		XmlnsEnv: soapNS,
		XmlnsEc:  ns,
		Body:     soapBody{Content: content},
	}
	payload, err := xml.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("soap: serializar envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &domain.TransportError{Op: op, Err: fmt.Errorf("crear request: %w", err)}
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", "")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		timeout := ctx.Err() != nil || isTimeout(err)
		return nil, &domain.TransportError{Op: op, Timeout: timeout, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &domain.TransportError{Op: op, Err: fmt.Errorf("leer respuesta: %w", err)}
	}
	c.log.Debug().Str("op", op).Int("status", resp.StatusCode).Dur("elapsed", time.Since(start)).Msg("respuesta SRI")

	if resp.StatusCode >= 500 {
		// un Fault suele llegar con 500; se informa su texto
		if env, derr := decodeEnvelope(raw); derr == nil && env.Body.Fault != nil {
			return nil, faultError(op, env.Body.Fault)
		}
		return nil, &domain.TransportError{Op: op, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &domain.TransportError{Op: op, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	return raw, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func faultError(op string, f *soapFault) error {
	return &domain.TransportError{Op: op, Err: fmt.Errorf("SOAP Fault [%s]: %s", f.FaultCode, f.FaultString)}
}

// decodeEnvelope admite respuestas declaradas en ISO-8859-1.
func decodeEnvelope(raw []byte) (*soapResponseEnvelope, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.CharsetReader = charsetReader
	var env soapResponseEnvelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("soap: parsear respuesta: %w", err)
	}
	return &env, nil
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(charset) {
	case "iso-8859-1", "latin1", "iso8859-1":
		return transform.NewReader(input, charmap.ISO8859_1.NewDecoder()), nil
	case "windows-1252", "cp1252":
		return transform.NewReader(input, charmap.Windows1252.NewDecoder()), nil
	case "utf-8", "utf8", "":
		return input, nil
	}
	return nil, fmt.Errorf("soap: charset no soportado %q", charset)
}

// receptionDecision RECIBIDA o DEVUELTA. Una DEVUELTA cuyo único motivo es
// "clave de acceso registrada" equivale a RECIBIDA.
func receptionDecision(r receptionResult) (entity.ServiceResponse, error) {
	var msgs []entity.ServiceMessage
	for _, c := range r.Receipts {
		msgs = append(msgs, toMessages(c.Messages)...)
	}
	out := entity.ServiceResponse{Messages: msgs}
	switch normalizeState(r.State) {
	case stateReceived:
		out.Decision = entity.DecisionReceived
	case stateReturned:
		out.Decision = entity.DecisionRejectedOnReceive
		if alreadyRegistered(msgs) {
			out.Decision = entity.DecisionReceived
		}
	case "":
		return entity.ServiceResponse{}, &domain.TransportError{Op: opValidate, Err: errors.New("respuesta sin estado")}
	default:
		return entity.ServiceResponse{}, &domain.TransportError{Op: opValidate, Err: fmt.Errorf("estado de recepción desconocido %q", r.State)}
	}
	return out, nil
}

func alreadyRegistered(msgs []entity.ServiceMessage) bool {
	if len(msgs) == 0 {
		return false
	}
	for _, m := range msgs {
		if m.ID != msgAlreadyRegistered && strings.EqualFold(m.Kind, "ERROR") {
			return false
		}
	}
	for _, m := range msgs {
		if m.ID == msgAlreadyRegistered {
			return true
		}
	}
	return false
}

// authorizationDecision elige la autorización AUTORIZADO si existe; si no, la primera.
func authorizationDecision(r authorizationResult) entity.ServiceResponse {
	if len(r.Authorizations) == 0 {
		return entity.ServiceResponse{Decision: entity.DecisionUnknown}
	}
	pick := r.Authorizations[0]
	for _, a := range r.Authorizations {
		if normalizeState(a.State) == stateAuthorized {
			pick = a
			break
		}
	}
	out := entity.ServiceResponse{
		Messages:    toMessages(pick.Messages),
		Environment: strings.TrimSpace(pick.Environment),
	}
	switch normalizeState(pick.State) {
	case stateAuthorized:
		out.Decision = entity.DecisionAuthorized
		out.AuthorizationNumber = strings.TrimSpace(pick.Number)
		if t, ok := parseAuthorizationTime(pick.Date); ok {
			out.AuthorizationTime = &t
		}
		out.AuthorizedXML = strings.TrimSpace(pick.Document)
	case stateInProcess:
		out.Decision = entity.DecisionInProcess
	case stateNotAuthorized, stateRejected:
		out.Decision = entity.DecisionNotAuthorized
	default:
		out.Decision = entity.DecisionUnknown
	}
	return out
}

func normalizeState(s string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), "_", " ")
}

var authorizationLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"02/01/2006 15:04:05",
	"02/01/2006",
}

func parseAuthorizationTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range authorizationLayouts {
		if t, err := time.ParseInLocation(layout, s, ecuadorTZ); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func toMessages(in []soapMessage) []entity.ServiceMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]entity.ServiceMessage, 0, len(in))
	for _, m := range in {
		out = append(out, entity.ServiceMessage{
			ID:      strings.TrimSpace(m.ID),
			Message: strings.TrimSpace(m.Message),
			Kind:    strings.TrimSpace(m.Kind),
			Detail:  strings.TrimSpace(m.Additional),
		})
	}
	return out
}
