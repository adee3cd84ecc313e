package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// OutboxState estado de una entrada del outbox.
type OutboxState string

const (
	OutboxPendingSubmit  OutboxState = "PENDING_SUBMIT"
	OutboxPendingPoll    OutboxState = "PENDING_POLL"
	OutboxDone           OutboxState = "DONE"
	OutboxFailedTerminal OutboxState = "FAILED_TERMINAL"
)

var outboxTransitions = map[OutboxState][]OutboxState{
	OutboxPendingSubmit:  {OutboxPendingSubmit, OutboxPendingPoll, OutboxDone, OutboxFailedTerminal},
	OutboxPendingPoll:    {OutboxPendingPoll, OutboxDone, OutboxFailedTerminal},
	OutboxFailedTerminal: {OutboxPendingSubmit, OutboxPendingPoll},
}

// CanTransitionOutbox indica si from → to está permitido. DONE no tiene salida.
func CanTransitionOutbox(from, to OutboxState) bool {
	for _, s := range outboxTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Pending indica si la entrada aún debe ser procesada por los workers.
func (s OutboxState) Pending() bool {
	return s == OutboxPendingSubmit || s == OutboxPendingPoll
}

// OutboxEntry unidad de persistencia del motor de envío.
type OutboxEntry struct {
	ID            string
	SaleID        string
	AccessKey     string
	SignedXML     []byte
	Checksum      string // SHA-256 hex de SignedXML
	State         OutboxState
	Attempts      int
	LastAttemptAt *time.Time
	NextAttemptAt time.Time
	ClaimedBy     string
	LeaseUntil    *time.Time
	Response      ServiceResponse
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OutboxCommit campos que el dueño del claim escribe al confirmar un paso.
type OutboxCommit struct {
	State         OutboxState
	Attempts      int
	LastAttemptAt *time.Time
	NextAttemptAt time.Time
	Response      ServiceResponse
}

// Checksum SHA-256 hex de un blob firmado.
func Checksum(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// IntegrityOK compara el blob con el checksum registrado al encolar.
func (e *OutboxEntry) IntegrityOK() bool {
	return len(e.SignedXML) > 0 && Checksum(e.SignedXML) == e.Checksum
}

// Clone copia profunda; los almacenes nunca comparten punteros con el llamador.
func (e *OutboxEntry) Clone() *OutboxEntry {
	c := *e
	c.SignedXML = append([]byte(nil), e.SignedXML...)
	c.Response.Messages = append([]ServiceMessage(nil), e.Response.Messages...)
	if e.LastAttemptAt != nil {
		t := *e.LastAttemptAt
		c.LastAttemptAt = &t
	}
	if e.LeaseUntil != nil {
		t := *e.LeaseUntil
		c.LeaseUntil = &t
	}
	if e.Response.AuthorizationTime != nil {
		t := *e.Response.AuthorizationTime
		c.Response.AuthorizationTime = &t
	}
	return &c
}
