package http

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/jhoicas/fiscal-sri/internal/application/billing"
	"github.com/jhoicas/fiscal-sri/internal/application/dto"
	"github.com/jhoicas/fiscal-sri/internal/domain"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
)

// Inspector API de inspección del motor de envío.
type Inspector interface {
	Status(ctx context.Context, accessKey string) (*entity.OutboxEntry, error)
	Messages(ctx context.Context, accessKey string) ([]entity.ServiceMessage, error)
	Requeue(ctx context.Context, accessKey string) (*entity.OutboxEntry, error)
}

// SaleIssuer emite una venta por id.
type SaleIssuer interface {
	Issue(ctx context.Context, saleID, actor string) (*billing.Result, error)
}

// RIDEDownloader devuelve el PDF de un comprobante autorizado.
type RIDEDownloader interface {
	Download(ctx context.Context, accessKey string) ([]byte, string, error)
}

// FiscalHandler endpoints de operación sobre comprobantes.
type FiscalHandler struct {
	engine Inspector
	issuer SaleIssuer
	ride   RIDEDownloader
}

// NewFiscalHandler construye el handler. issuer y ride pueden ser nil.
func NewFiscalHandler(engine Inspector, issuer SaleIssuer, ride RIDEDownloader) *FiscalHandler {
	return &FiscalHandler{engine: engine, issuer: issuer, ride: ride}
}

// Status estado del comprobante en el outbox.
// GET /api/documents/:key
func (h *FiscalHandler) Status(c *fiber.Ctx) error {
	e, err := h.engine.Status(c.UserContext(), c.Params("key"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(dto.NewOutboxStatusResponse(e))
}

// Messages últimos mensajes del SRI.
// GET /api/documents/:key/messages
func (h *FiscalHandler) Messages(c *fiber.Ctx) error {
	key := c.Params("key")
	msgs, err := h.engine.Messages(c.UserContext(), key)
	if err != nil {
		return writeError(c, err)
	}
	if msgs == nil {
		msgs = []entity.ServiceMessage{}
	}
	return c.JSON(dto.MessagesResponse{AccessKey: key, Messages: msgs})
}

// Requeue devuelve una entrada FAILED_TERMINAL a su última fase.
// POST /api/documents/:key/requeue
func (h *FiscalHandler) Requeue(c *fiber.Ctx) error {
	e, err := h.engine.Requeue(c.UserContext(), c.Params("key"))
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(dto.NewOutboxStatusResponse(e))
}

// RIDE descarga el PDF del comprobante autorizado.
// GET /api/documents/:key/ride
func (h *FiscalHandler) RIDE(c *fiber.Ctx) error {
	if h.ride == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(dto.ErrorResponse{Code: "NOT_IMPLEMENTED", Message: "RIDE no configurado"})
	}
	pdf, filename, err := h.ride.Download(c.UserContext(), c.Params("key"))
	if err != nil {
		return writeError(c, err)
	}
	c.Set(fiber.HeaderContentType, "application/pdf")
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+filename+`"`)
	return c.Send(pdf)
}

// Issue emite (o reanuda) una venta guardada.
// POST /api/sales/:id/issue
func (h *FiscalHandler) Issue(c *fiber.Ctx) error {
	if h.issuer == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(dto.ErrorResponse{Code: "NOT_IMPLEMENTED", Message: "emisión no configurada"})
	}
	res, err := h.issuer.Issue(c.UserContext(), c.Params("id"), GetOperatorID(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(dto.IssueResponse{
		SaleID:    res.Sale.ID,
		State:     string(res.Sale.State),
		AccessKey: res.Sale.AccessKey,
		Decision:  string(res.Response.Decision),
	})
}

// writeError traduce la taxonomía de dominio a status HTTP.
func writeError(c *fiber.Ctx, err error) error {
	status, code := fiber.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status, code = fiber.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidSale):
		status, code = fiber.StatusBadRequest, "VALIDATION"
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, domain.ErrSaleFrozen), errors.Is(err, domain.ErrDuplicateAccessKey):
		status, code = fiber.StatusConflict, "CONFLICT"
	case errors.Is(err, domain.ErrIntegrity):
		status, code = fiber.StatusUnprocessableEntity, "INTEGRITY"
	case errors.Is(err, domain.ErrCredentialUnavailable), errors.Is(err, domain.ErrCredentialDecryptFailed),
		errors.Is(err, domain.ErrSigningFailed):
		status, code = fiber.StatusUnprocessableEntity, "SIGNING"
	}
	return c.Status(status).JSON(dto.ErrorResponse{Code: code, Message: err.Error()})
}
