package dto

import (
	"time"

	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
)

// OutboxStatusResponse estado visible de un comprobante en el motor de envío.
type OutboxStatusResponse struct {
	AccessKey           string                  `json:"access_key"`
	SaleID              string                  `json:"sale_id,omitempty"`
	State               string                  `json:"state"`
	Attempts            int                     `json:"attempts"`
	LastAttemptAt       *time.Time              `json:"last_attempt_at,omitempty"`
	NextAttemptAt       time.Time               `json:"next_attempt_at"`
	Decision            string                  `json:"decision"`
	AuthorizationNumber string                  `json:"authorization_number,omitempty"`
	AuthorizationTime   *time.Time              `json:"authorization_time,omitempty"`
	Messages            []entity.ServiceMessage `json:"messages"`
}

// NewOutboxStatusResponse mapea la entrada; nunca expone el blob firmado.
func NewOutboxStatusResponse(e *entity.OutboxEntry) OutboxStatusResponse {
	msgs := e.Response.Messages
	if msgs == nil {
		msgs = []entity.ServiceMessage{}
	}
	return OutboxStatusResponse{
		AccessKey:           e.AccessKey,
		SaleID:              e.SaleID,
		State:               string(e.State),
		Attempts:            e.Attempts,
		LastAttemptAt:       e.LastAttemptAt,
		NextAttemptAt:       e.NextAttemptAt,
		Decision:            string(e.Response.Decision),
		AuthorizationNumber: e.Response.AuthorizationNumber,
		AuthorizationTime:   e.Response.AuthorizationTime,
		Messages:            msgs,
	}
}

// MessagesResponse últimos mensajes del SRI.
type MessagesResponse struct {
	AccessKey string                  `json:"access_key"`
	Messages  []entity.ServiceMessage `json:"messages"`
}

// IssueResponse resultado de emitir una venta.
type IssueResponse struct {
	SaleID    string `json:"sale_id"`
	State     string `json:"state"`
	AccessKey string `json:"access_key,omitempty"`
	Decision  string `json:"decision,omitempty"`
}
