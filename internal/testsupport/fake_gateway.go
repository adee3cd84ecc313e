package testsupport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jhoicas/fiscal-sri/internal/domain"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
)

// Reply respuesta programada de una llamada al SRI.
type Reply struct {
	Response entity.ServiceResponse
	Err      error
}

// Received respuesta RECIBIDA.
func Received() Reply {
	return Reply{Response: entity.ServiceResponse{Decision: entity.DecisionReceived}}
}

// Rejected respuesta DEVUELTA con un mensaje.
func Rejected(id, msg string) Reply {
	return Reply{Response: entity.ServiceResponse{
		Decision: entity.DecisionRejectedOnReceive,
		Messages: []entity.ServiceMessage{{ID: id, Message: msg, Kind: "ERROR"}},
	}}
}

// InProcess respuesta EN PROCESO.
func InProcess() Reply {
	return Reply{Response: entity.ServiceResponse{Decision: entity.DecisionInProcess}}
}

// Unknown autorización sin información.
func Unknown() Reply {
	return Reply{Response: entity.ServiceResponse{Decision: entity.DecisionUnknown}}
}

// Authorized respuesta AUTORIZADO con número de autorización igual a la clave.
func Authorized(accessKey string) Reply {
	t := IssueDate.Add(10 * time.Minute)
	return Reply{Response: entity.ServiceResponse{
		Decision:            entity.DecisionAuthorized,
		AuthorizationNumber: accessKey,
		AuthorizationTime:   &t,
		Environment:         "PRUEBAS",
	}}
}

// NotAuthorized respuesta NO AUTORIZADO.
func NotAuthorized(id, msg string) Reply {
	return Reply{Response: entity.ServiceResponse{
		Decision: entity.DecisionNotAuthorized,
		Messages: []entity.ServiceMessage{{ID: id, Message: msg, Kind: "ERROR"}},
	}}
}

// TransportFailure error recuperable de red.
func TransportFailure(op string) Reply {
	return Reply{Err: &domain.TransportError{Op: op, Err: errors.New("conexión rechazada")}}
}

// FakeGateway SRI simulado. Cada operación consume su guion en orden; al
// agotarse repite la última respuesta.
type FakeGateway struct {
	mu             sync.Mutex
	validate       []Reply
	authorize      []Reply
	ValidateCalls  int
	AuthorizeCalls int
	Endpoints      []string
	// Block, si no es nil, se espera antes de responder (pruebas de apagado).
	Block chan struct{}
}

// NewFakeGateway crea el simulador sin guion.
func NewFakeGateway() *FakeGateway { return &FakeGateway{} }

// ScriptValidate agrega respuestas de recepción.
func (f *FakeGateway) ScriptValidate(r ...Reply) *FakeGateway {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validate = append(f.validate, r...)
	return f
}

// ScriptAuthorize agrega respuestas de autorización.
func (f *FakeGateway) ScriptAuthorize(r ...Reply) *FakeGateway {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorize = append(f.authorize, r...)
	return f
}

func (f *FakeGateway) Validate(ctx context.Context, endpoint string, _ []byte) (entity.ServiceResponse, error) {
	if err := f.wait(ctx); err != nil {
		return entity.ServiceResponse{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ValidateCalls++
	f.Endpoints = append(f.Endpoints, endpoint)
	return next(&f.validate, "validarComprobante")
}

func (f *FakeGateway) Authorize(ctx context.Context, endpoint, _ string) (entity.ServiceResponse, error) {
	if err := f.wait(ctx); err != nil {
		return entity.ServiceResponse{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AuthorizeCalls++
	f.Endpoints = append(f.Endpoints, endpoint)
	return next(&f.authorize, "autorizacionComprobante")
}

// Calls devuelve (recepción, autorización) de forma segura.
func (f *FakeGateway) Calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ValidateCalls, f.AuthorizeCalls
}

func (f *FakeGateway) wait(ctx context.Context) error {
	if f.Block == nil {
		return nil
	}
	select {
	case <-f.Block:
		return nil
	case <-ctx.Done():
		return &domain.TransportError{Op: "bloqueado", Timeout: true, Err: ctx.Err()}
	}
}

func next(script *[]Reply, op string) (entity.ServiceResponse, error) {
	if len(*script) == 0 {
		return entity.ServiceResponse{}, &domain.TransportError{Op: op, Err: errors.New("sin respuesta programada")}
	}
	r := (*script)[0]
	if len(*script) > 1 {
		*script = (*script)[1:]
	}
	return r.Response, r.Err
}
