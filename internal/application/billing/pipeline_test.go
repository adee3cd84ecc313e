package billing_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/fiscal-sri/internal/application/billing"
	"github.com/jhoicas/fiscal-sri/internal/application/numbering"
	"github.com/jhoicas/fiscal-sri/internal/application/submission"
	"github.com/jhoicas/fiscal-sri/internal/domain"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
	"github.com/jhoicas/fiscal-sri/internal/domain/fiscal"
	"github.com/jhoicas/fiscal-sri/internal/infrastructure/memstore"
	srixml "github.com/jhoicas/fiscal-sri/internal/infrastructure/sri"
	"github.com/jhoicas/fiscal-sri/internal/infrastructure/sri/signer"
	"github.com/jhoicas/fiscal-sri/internal/testsupport"
	"github.com/jhoicas/fiscal-sri/pkg/sri"
)

type fixture struct {
	store    *memstore.Store
	gw       *testsupport.FakeGateway
	engine   *submission.Engine
	pipeline *billing.Pipeline
}

func newFixture(t *testing.T, docSigner billing.DocumentSigner) *fixture {
	t.Helper()
	f := &fixture{store: memstore.New(), gw: testsupport.NewFakeGateway()}
	issuer := testsupport.Issuer()
	if docSigner == nil {
		docSigner = signer.New().Bind(testsupport.Credential(t))
	}
	f.engine = submission.NewEngine(submission.Config{}, f.store.Outbox, f.store.Sales, f.store.Archive, f.gw,
		issuer, zerolog.Nop(), submission.WithClock(testsupport.NewManualClock(testsupport.IssueDate)))
	numberingSvc := numbering.NewService(numbering.NewAllocator(f.store.Sequences), numbering.FixedNonce(12345678), zerolog.Nop())
	f.pipeline = billing.NewPipeline(f.store.Sales, testsupport.Catalog(t), numberingSvc, srixml.NewXMLBuilder(),
		docSigner, f.engine, issuer, fiscal.Policy{}, zerolog.Nop())
	return f
}

func (f *fixture) draft(t *testing.T) *entity.Sale {
	t.Helper()
	sale, err := f.pipeline.SaveDraft(context.Background(), testsupport.DraftSale(""), "cajero")
	require.NoError(t, err)
	require.NotEmpty(t, sale.ID)
	return sale
}

func TestPipeline_IssueDeBorradorAEnvio(t *testing.T) {
	f := newFixture(t, nil)
	f.gw.ScriptValidate(testsupport.Received())
	ctx := context.Background()
	sale := f.draft(t)

	res, err := f.pipeline.Issue(ctx, sale.ID, "cajero")
	require.NoError(t, err)

	assert.Equal(t, entity.DecisionReceived, res.Response.Decision)
	assert.Equal(t, entity.SalePollAuthorize, res.Sale.State)
	assert.Equal(t, "000000001", res.Sale.Sequential)
	assert.Len(t, res.Sale.AccessKey, sri.AccessKeyLength)
	assert.NoError(t, sri.ValidateAccessKey(res.Sale.AccessKey))

	entry, err := f.engine.Status(ctx, res.Sale.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, entity.OutboxPendingPoll, entry.State)
	assert.Equal(t, sale.ID, entry.SaleID)

	cert, err := signer.Verify(entry.SignedXML)
	require.NoError(t, err)
	assert.Equal(t, testsupport.Credential(t).Certificate().SerialNumber, cert.SerialNumber)
}

func TestPipeline_IssueEsIdempotente(t *testing.T) {
	f := newFixture(t, nil)
	f.gw.ScriptValidate(testsupport.Received())
	ctx := context.Background()
	sale := f.draft(t)

	first, err := f.pipeline.Issue(ctx, sale.ID, "cajero")
	require.NoError(t, err)
	second, err := f.pipeline.Issue(ctx, sale.ID, "cajero")
	require.NoError(t, err)

	assert.Equal(t, first.Sale.AccessKey, second.Sale.AccessKey)
	assert.Equal(t, entity.DecisionReceived, second.Response.Decision)
	validate, _ := f.gw.Calls()
	assert.Equal(t, 1, validate)
}

func TestPipeline_ReanudaDesdeFirmadaSinNuevoSecuencial(t *testing.T) {
	f := newFixture(t, nil)
	f.gw.ScriptValidate(testsupport.Received())
	ctx := context.Background()

	// venta que quedó SIGNED cuando el proceso cayó antes de encolar
	sale := testsupport.NumberedSale(t, "venta-caida", 123)
	require.NoError(t, sale.Transition(entity.SaleBuilt))
	require.NoError(t, sale.Transition(entity.SaleSigned))
	require.NoError(t, f.store.Sales.Save(ctx, sale, "cajero"))

	res, err := f.pipeline.Issue(ctx, sale.ID, "cajero")
	require.NoError(t, err)
	assert.Equal(t, "000000123", res.Sale.Sequential)
	assert.Equal(t, sale.AccessKey, res.Sale.AccessKey)
	assert.Equal(t, entity.SalePollAuthorize, res.Sale.State)

	next, err := f.store.Sequences.Next(ctx, sri.KindInvoice, "001", "001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), next, "reanudar no consume secuenciales")

	// regenerar produce exactamente el blob encolado
	xml, err := srixml.NewXMLBuilder().Build(sale, testsupport.Issuer())
	require.NoError(t, err)
	again, err := signer.New().Sign(xml, testsupport.Credential(t))
	require.NoError(t, err)
	entry, err := f.engine.Status(ctx, sale.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, again, entry.SignedXML)
}

func TestPipeline_FalloCriptograficoQuedaRegistrado(t *testing.T) {
	cause := fmt.Errorf("%w: archivo ausente", domain.ErrCredentialUnavailable)
	f := newFixture(t, signer.Unavailable(cause))
	ctx := context.Background()
	sale := f.draft(t)

	_, err := f.pipeline.Issue(ctx, sale.ID, "cajero")
	require.Error(t, err)
	assert.True(t, domain.IsCrypto(err))
	assert.ErrorIs(t, err, domain.ErrCredentialUnavailable)

	got, err := f.pipeline.Get(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.SaleFailedTerminal, got.State)

	entry, err := f.engine.Status(ctx, got.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, entity.OutboxFailedTerminal, entry.State)
	assert.Equal(t, entity.DecisionLocalFailure, entry.Response.Decision)

	validate, authorize := f.gw.Calls()
	assert.Zero(t, validate+authorize, "sin firma no se contacta al SRI")
}

func TestPipeline_Anulacion(t *testing.T) {
	f := newFixture(t, nil)
	f.gw.ScriptValidate(testsupport.Received())
	ctx := context.Background()

	sale := f.draft(t)
	cancelled, err := f.pipeline.Cancel(ctx, sale.ID, "supervisor")
	require.NoError(t, err)
	assert.Equal(t, entity.SaleCancelled, cancelled.State)

	_, err = f.pipeline.Issue(ctx, sale.ID, "cajero")
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)

	issued := f.draft(t)
	_, err = f.pipeline.Issue(ctx, issued.ID, "cajero")
	require.NoError(t, err)
	_, err = f.pipeline.Cancel(ctx, issued.ID, "supervisor")
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
}

func TestPipeline_BorradorInvalido(t *testing.T) {
	f := newFixture(t, nil)
	sale := testsupport.DraftSale("")
	sale.Lines = nil

	_, err := f.pipeline.SaveDraft(context.Background(), sale, "cajero")
	assert.ErrorIs(t, err, domain.ErrInvalidSale)

	_, err = f.pipeline.Get(context.Background(), "no-existe")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPipeline_IssueConcurrenteUnSoloSecuencial(t *testing.T) {
	f := newFixture(t, nil)
	f.gw.ScriptValidate(testsupport.Received())
	ctx := context.Background()
	sale := f.draft(t)

	var wg sync.WaitGroup
	keys := make([]string, 6)
	for i := range keys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.pipeline.Issue(ctx, sale.ID, "cajero")
			if assert.NoError(t, err) {
				keys[i] = res.Sale.AccessKey
			}
		}(i)
	}
	wg.Wait()

	for _, k := range keys {
		assert.Equal(t, keys[0], k)
	}
	validate, _ := f.gw.Calls()
	assert.Equal(t, 1, validate)

	next, err := f.store.Sequences.Next(ctx, sri.KindInvoice, "001", "001")
	require.NoError(t, err)
	assert.Equal(t, int64(2), next)
}
