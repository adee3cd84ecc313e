package submission_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/fiscal-sri/internal/application/submission"
	"github.com/jhoicas/fiscal-sri/internal/domain"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
	"github.com/jhoicas/fiscal-sri/internal/infrastructure/memstore"
	"github.com/jhoicas/fiscal-sri/internal/testsupport"
)

const base = 5 * time.Second

type recordingAlerter struct {
	mu      sync.Mutex
	reasons []string
}

func (a *recordingAlerter) Alert(_ context.Context, _ *entity.OutboxEntry, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reasons = append(a.reasons, reason)
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reasons)
}

type harness struct {
	store  *memstore.Store
	gw     *testsupport.FakeGateway
	clock  *testsupport.ManualClock
	alerts *recordingAlerter
	engine *submission.Engine
	sale   *entity.Sale
	doc    submission.SignedDocument
}

func newHarness(t *testing.T, cfg submission.Config, opts ...submission.Option) *harness {
	t.Helper()
	h := &harness{
		store:  memstore.New(),
		gw:     testsupport.NewFakeGateway(),
		clock:  testsupport.NewManualClock(testsupport.IssueDate.Add(9 * time.Hour)),
		alerts: &recordingAlerter{},
	}
	cfg.BackoffBase = base
	opts = append([]submission.Option{
		submission.WithClock(h.clock),
		submission.WithAlerter(h.alerts),
		submission.WithRand(func() float64 { return 0.5 }),
		submission.WithInstance("test"),
	}, opts...)
	h.engine = submission.NewEngine(cfg, h.store.Outbox, h.store.Sales, h.store.Archive, h.gw,
		testsupport.Issuer(), zerolog.Nop(), opts...)

	sale := testsupport.NumberedSale(t, "venta-1", 123)
	require.NoError(t, sale.Transition(entity.SaleBuilt))
	require.NoError(t, sale.Transition(entity.SaleSigned))
	require.NoError(t, h.store.Sales.Save(context.Background(), sale, "cajero"))
	h.sale = sale
	h.doc = submission.SignedDocument{
		SaleID:    sale.ID,
		AccessKey: sale.AccessKey,
		XML:       []byte(`<factura id="comprobante"><ds:Signature/></factura>`),
	}
	return h
}

func (h *harness) entry(t *testing.T) *entity.OutboxEntry {
	t.Helper()
	e, err := h.engine.Status(context.Background(), h.doc.AccessKey)
	require.NoError(t, err)
	return e
}

func (h *harness) saleState(t *testing.T) *entity.Sale {
	t.Helper()
	s, err := h.store.Sales.GetByID(context.Background(), h.sale.ID)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func (h *harness) process(t *testing.T) bool {
	t.Helper()
	ok, err := h.engine.ProcessOnce(context.Background(), "w1")
	require.NoError(t, err)
	return ok
}

func TestEngine_RecibidaEnProcesoAutorizada(t *testing.T) {
	h := newHarness(t, submission.Config{})
	h.gw.ScriptValidate(testsupport.Received())
	h.gw.ScriptAuthorize(testsupport.InProcess(), testsupport.Authorized(h.doc.AccessKey))
	ctx := context.Background()

	resp, err := h.engine.Submit(ctx, h.doc)
	require.NoError(t, err)
	assert.Equal(t, entity.DecisionReceived, resp.Decision)

	e := h.entry(t)
	assert.Equal(t, entity.OutboxPendingPoll, e.State)
	assert.Equal(t, 0, e.Attempts)
	assert.Equal(t, entity.SalePollAuthorize, h.saleState(t).State)

	require.True(t, h.process(t))
	e = h.entry(t)
	assert.Equal(t, entity.OutboxPendingPoll, e.State)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, h.clock.Now().Add(base), e.NextAttemptAt)
	assert.Equal(t, entity.DecisionInProcess, e.Response.Decision)

	assert.False(t, h.process(t), "no debe reclamarse antes del backoff")

	h.clock.Advance(base)
	require.True(t, h.process(t))

	e = h.entry(t)
	assert.Equal(t, entity.OutboxDone, e.State)
	assert.Equal(t, entity.DecisionAuthorized, e.Response.Decision)

	s := h.saleState(t)
	assert.Equal(t, entity.SaleAuthorized, s.State)
	assert.Equal(t, h.doc.AccessKey, s.AuthorizationNumber)
	require.NotNil(t, s.AuthorizationTime)

	doc, err := h.store.Archive.Get(ctx, h.doc.AccessKey)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, h.doc.XML, doc.SignedXML)
	assert.Equal(t, "PRUEBAS", doc.Environment)

	validate, authorize := h.gw.Calls()
	assert.Equal(t, 1, validate)
	assert.Equal(t, 2, authorize)
	assert.Equal(t, []string{
		testsupport.Issuer().ReceiveURL(),
		testsupport.Issuer().AuthorizeURL(),
		testsupport.Issuer().AuthorizeURL(),
	}, h.gw.Endpoints)
}

func TestEngine_SubmitEsIdempotente(t *testing.T) {
	h := newHarness(t, submission.Config{})
	h.gw.ScriptValidate(testsupport.Received())
	h.gw.ScriptAuthorize(testsupport.Authorized(h.doc.AccessKey))
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, h.doc)
	require.NoError(t, err)
	require.True(t, h.process(t))

	resp, err := h.engine.Submit(ctx, h.doc)
	require.NoError(t, err)
	assert.Equal(t, entity.DecisionAuthorized, resp.Decision)

	validate, authorize := h.gw.Calls()
	assert.Equal(t, 1, validate)
	assert.Equal(t, 1, authorize)
	assert.Equal(t, 1, h.store.Archive.Len())
}

func TestEngine_DevueltaEsTerminal(t *testing.T) {
	h := newHarness(t, submission.Config{})
	h.gw.ScriptValidate(testsupport.Rejected("35", "ARCHIVO NO CUMPLE ESTRUCTURA XML"))

	resp, err := h.engine.Submit(context.Background(), h.doc)
	require.NoError(t, err)
	assert.Equal(t, entity.DecisionRejectedOnReceive, resp.Decision)

	assert.Equal(t, entity.OutboxDone, h.entry(t).State)
	s := h.saleState(t)
	assert.Equal(t, entity.SaleRejectedTerminal, s.State)
	require.Len(t, s.LastServiceMessages, 1)
	assert.Equal(t, "35", s.LastServiceMessages[0].ID)

	msgs, err := h.engine.Messages(context.Background(), h.doc.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, "ARCHIVO NO CUMPLE ESTRUCTURA XML", msgs[0].Message)

	assert.False(t, h.process(t))
	_, authorize := h.gw.Calls()
	assert.Zero(t, authorize)
}

func TestEngine_NoAutorizadaEsTerminal(t *testing.T) {
	h := newHarness(t, submission.Config{})
	h.gw.ScriptValidate(testsupport.Received())
	h.gw.ScriptAuthorize(testsupport.NotAuthorized("39", "FIRMA INVALIDA"))

	_, err := h.engine.Submit(context.Background(), h.doc)
	require.NoError(t, err)
	require.True(t, h.process(t))

	e := h.entry(t)
	assert.Equal(t, entity.OutboxDone, e.State)
	assert.Equal(t, entity.DecisionNotAuthorized, e.Response.Decision)
	assert.Equal(t, entity.SaleRejectedTerminal, h.saleState(t).State)
	assert.Zero(t, h.store.Archive.Len())
}

func TestEngine_TransporteReprogramaConBackoffCreciente(t *testing.T) {
	h := newHarness(t, submission.Config{})
	tf := testsupport.TransportFailure("validarComprobante")
	h.gw.ScriptValidate(tf, tf, tf, tf, testsupport.Received())

	_, err := h.engine.Submit(context.Background(), h.doc)
	require.NoError(t, err)

	var prev time.Time
	for n := 0; n < 4; n++ {
		e := h.entry(t)
		require.Equal(t, entity.OutboxPendingSubmit, e.State)
		assert.Equal(t, n+1, e.Attempts)
		assert.Equal(t, h.clock.Now().Add(base<<uint(n)), e.NextAttemptAt)
		assert.True(t, e.NextAttemptAt.After(prev), "next_attempt_at debe crecer")
		prev = e.NextAttemptAt

		h.clock.Set(e.NextAttemptAt)
		require.True(t, h.process(t))
	}

	e := h.entry(t)
	assert.Equal(t, entity.OutboxPendingPoll, e.State)
	assert.Equal(t, 0, e.Attempts)
	assert.Equal(t, entity.SalePollAuthorize, h.saleState(t).State)
}

func TestEngine_SinInformacionUsaBackoffExtendido(t *testing.T) {
	h := newHarness(t, submission.Config{})
	h.gw.ScriptValidate(testsupport.Received())
	h.gw.ScriptAuthorize(testsupport.Unknown())

	_, err := h.engine.Submit(context.Background(), h.doc)
	require.NoError(t, err)
	require.True(t, h.process(t))

	e := h.entry(t)
	assert.Equal(t, entity.OutboxPendingPoll, e.State)
	assert.Equal(t, entity.DecisionUnknown, e.Response.Decision)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, h.clock.Now().Add(2*base), e.NextAttemptAt)
}

func TestEngine_TopeDeIntentosYRequeue(t *testing.T) {
	h := newHarness(t, submission.Config{AttemptsCap: 3})
	tf := testsupport.TransportFailure("validarComprobante")
	h.gw.ScriptValidate(tf, tf, tf, testsupport.Received())
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, h.doc)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		h.clock.Set(h.entry(t).NextAttemptAt)
		require.True(t, h.process(t))
	}

	e := h.entry(t)
	assert.Equal(t, entity.OutboxFailedTerminal, e.State)
	assert.Equal(t, 3, e.Attempts)
	assert.Equal(t, entity.SaleFailedTerminal, h.saleState(t).State)
	assert.Equal(t, 1, h.alerts.count())
	require.NotEmpty(t, e.Response.Messages)
	assert.Equal(t, "TRANSPORTE", e.Response.Messages[len(e.Response.Messages)-1].ID)
	assert.Equal(t, h.doc.XML, e.SignedXML, "el blob se conserva para el operador")

	h.clock.Advance(time.Hour)
	assert.False(t, h.process(t))

	reopened, err := h.engine.Requeue(ctx, h.doc.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, entity.OutboxPendingSubmit, reopened.State)
	assert.Equal(t, 0, reopened.Attempts)
	assert.Equal(t, entity.SaleSubmitted, h.saleState(t).State)

	require.True(t, h.process(t))
	assert.Equal(t, entity.OutboxPendingPoll, h.entry(t).State)

	_, err = h.engine.Requeue(ctx, h.doc.AccessKey)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestEngine_IntegridadComprometida(t *testing.T) {
	h := newHarness(t, submission.Config{})
	h.gw.ScriptValidate(testsupport.Received())
	ctx := context.Background()

	entry, err := h.engine.Enqueue(ctx, h.doc)
	require.NoError(t, err)
	assert.Equal(t, entity.SaleSubmitted, h.saleState(t).State)

	h.store.Outbox.Tamper(entry.ID, []byte(`<factura id="comprobante">alterado</factura>`))
	require.True(t, h.process(t))

	e := h.entry(t)
	assert.Equal(t, entity.OutboxFailedTerminal, e.State)
	assert.Equal(t, entity.DecisionLocalFailure, e.Response.Decision)
	assert.Equal(t, entity.SaleFailedTerminal, h.saleState(t).State)
	assert.Equal(t, 1, h.alerts.count())

	validate, _ := h.gw.Calls()
	assert.Zero(t, validate, "un blob alterado nunca se envía")

	_, err = h.engine.Requeue(ctx, h.doc.AccessKey)
	assert.ErrorIs(t, err, domain.ErrIntegrity)
}

func TestEngine_VerificadorAntesDeArchivar(t *testing.T) {
	h := newHarness(t, submission.Config{}, submission.WithVerifier(func([]byte) error {
		return errors.New("firma inválida")
	}))
	h.gw.ScriptValidate(testsupport.Received())
	h.gw.ScriptAuthorize(testsupport.Authorized(h.doc.AccessKey))

	_, err := h.engine.Submit(context.Background(), h.doc)
	require.NoError(t, err)
	require.True(t, h.process(t))

	assert.Equal(t, entity.OutboxFailedTerminal, h.entry(t).State)
	assert.Zero(t, h.store.Archive.Len())
	assert.Equal(t, 1, h.alerts.count())
}

func TestEngine_RecordFailure(t *testing.T) {
	h := newHarness(t, submission.Config{})
	ctx := context.Background()
	sale := testsupport.NumberedSale(t, "venta-2", 124)
	require.NoError(t, sale.Transition(entity.SaleBuilt))
	require.NoError(t, h.store.Sales.Save(ctx, sale, "cajero"))

	require.NoError(t, h.engine.RecordFailure(ctx, sale.ID, sale.AccessKey, domain.ErrCredentialDecryptFailed))

	e, err := h.engine.Status(ctx, sale.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, entity.OutboxFailedTerminal, e.State)
	assert.Empty(t, e.SignedXML)
	assert.Equal(t, entity.DecisionLocalFailure, e.Response.Decision)

	got, err := h.store.Sales.GetByID(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.SaleFailedTerminal, got.State)
	assert.Equal(t, 1, h.alerts.count())

	validate, authorize := h.gw.Calls()
	assert.Zero(t, validate+authorize)

	_, err = h.engine.Requeue(ctx, sale.AccessKey)
	assert.ErrorIs(t, err, domain.ErrIntegrity, "sin blob no hay nada que reenviar")
}

func TestEngine_StatusDesconocido(t *testing.T) {
	h := newHarness(t, submission.Config{})
	_, err := h.engine.Status(context.Background(), "no-existe")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEngine_RunDrenaElOutbox(t *testing.T) {
	h := newHarness(t, submission.Config{Workers: 3, PollInterval: 5 * time.Millisecond})
	h.gw.ScriptValidate(testsupport.Received())
	h.gw.ScriptAuthorize(testsupport.Authorized(h.doc.AccessKey))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keys := make([]string, 6)
	for i := range keys {
		keys[i] = fmt.Sprintf("clave-%02d", i)
		_, err := h.engine.Enqueue(ctx, submission.SignedDocument{AccessKey: keys[i], XML: []byte(keys[i])})
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		counts, err := h.store.Outbox.CountByState(ctx)
		return err == nil && counts[entity.OutboxDone] == len(keys)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run no terminó tras cancelar")
	}

	validate, authorize := h.gw.Calls()
	assert.Equal(t, len(keys), validate)
	assert.Equal(t, len(keys), authorize)
	assert.Equal(t, len(keys), h.store.Archive.Len())
}

func TestEngine_ApagadoLiberaSinContarIntento(t *testing.T) {
	h := newHarness(t, submission.Config{
		Workers:       1,
		PollInterval:  5 * time.Millisecond,
		ShutdownGrace: 50 * time.Millisecond,
	})
	h.gw.Block = make(chan struct{})
	h.gw.ScriptValidate(testsupport.Received())
	ctx, cancel := context.WithCancel(context.Background())

	_, err := h.engine.Enqueue(ctx, h.doc)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.entry(t).ClaimedBy != ""
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run no respetó el plazo de apagado")
	}

	e := h.entry(t)
	assert.Equal(t, entity.OutboxPendingSubmit, e.State)
	assert.Equal(t, 0, e.Attempts)
	assert.Empty(t, e.ClaimedBy)
	assert.Equal(t, h.clock.Now(), e.NextAttemptAt)
	assert.Zero(t, h.alerts.count())
}
