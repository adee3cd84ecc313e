package entity

import "time"

// Decision resultado decodificado de una llamada al SRI.
type Decision string

const (
	DecisionNone              Decision = ""
	DecisionReceived          Decision = "RECEIVED"
	DecisionRejectedOnReceive Decision = "REJECTED_ON_RECEIVE"
	DecisionAuthorized        Decision = "AUTHORIZED"
	DecisionInProcess         Decision = "IN_PROCESS"
	DecisionNotAuthorized     Decision = "NOT_AUTHORIZED"
	DecisionUnknown           Decision = "UNKNOWN"
	DecisionLocalFailure      Decision = "LOCAL_FAILURE" // firma o integridad, sin contacto remoto
)

// ServiceMessage mensaje estructurado (identificador, mensaje, tipo, detalle).
type ServiceMessage struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Kind    string `json:"kind"` // ERROR | ADVERTENCIA | INFORMATIVO
	Detail  string `json:"detail,omitempty"`
}

// ServiceResponse último sobre decodificado, persistido con la entrada del outbox.
type ServiceResponse struct {
	Decision            Decision         `json:"decision"`
	Messages            []ServiceMessage `json:"messages,omitempty"`
	AuthorizationNumber string           `json:"authorization_number,omitempty"`
	AuthorizationTime   *time.Time       `json:"authorization_time,omitempty"`
	Environment         string           `json:"environment,omitempty"`
	AuthorizedXML       string           `json:"-"`
}
