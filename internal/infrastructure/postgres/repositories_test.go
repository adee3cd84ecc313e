package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/jhoicas/fiscal-sri/internal/domain"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
	"github.com/jhoicas/fiscal-sri/internal/domain/repository"
	"github.com/jhoicas/fiscal-sri/pkg/money"
	"github.com/jhoicas/fiscal-sri/pkg/sri"
)

var outboxColumnNames = []string{"id", "sale_id", "access_key", "signed_xml", "checksum", "state", "attempts",
	"last_attempt_at", "next_attempt_at", "claimed_by", "lease_until", "response", "created_at", "updated_at"}

type RepositoriesTestSuite struct {
	suite.Suite
	mock    pgxmock.PgxPoolIface
	ctx     context.Context
	now     time.Time
	outbox  *OutboxRepo
	seq     *SequenceRepo
	archive *ArchiveRepo
	rates   *TaxRateRepo
	sales   *SaleRepo
}

func (s *RepositoriesTestSuite) SetupTest() {
	mock, err := pgxmock.NewPool()
	s.Require().NoError(err)
	s.mock = mock
	s.ctx = context.Background()
	s.now = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

	s.outbox = NewOutboxRepository(mock)
	s.seq = NewSequenceRepository(mock)
	s.archive = NewArchiveRepository(mock)
	s.rates = NewTaxRateRepository(mock)
	s.sales = NewSaleRepository(mock)
}

func (s *RepositoriesTestSuite) TearDownTest() {
	s.NoError(s.mock.ExpectationsWereMet())
	s.mock.Close()
}

func TestRepositoriesTestSuite(t *testing.T) {
	suite.Run(t, new(RepositoriesTestSuite))
}

func q(sql string) string { return regexp.QuoteMeta(sql) }

func uniqueViolation() error { return &pgconn.PgError{Code: "23505"} }

// --- secuenciales ---

func (s *RepositoriesTestSuite) TestSequenceNext() {
	s.mock.ExpectQuery(q("INSERT INTO document_sequences")).
		WithArgs("01", "001", "002", sri.MaxSequential).
		WillReturnRows(pgxmock.NewRows([]string{"last_value"}).AddRow(int64(42)))

	n, err := s.seq.Next(s.ctx, sri.KindInvoice, "001", "002")
	s.NoError(err)
	s.Equal(int64(42), n)
}

func (s *RepositoriesTestSuite) TestSequenceAgotado() {
	s.mock.ExpectQuery(q("WHERE s.last_value < $4")).
		WithArgs("01", "001", "001", sri.MaxSequential).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.seq.Next(s.ctx, sri.KindInvoice, "001", "001")
	s.ErrorIs(err, domain.ErrSequenceExhausted)
}

// --- archivo ---

func (s *RepositoriesTestSuite) archived(blob string) entity.ArchivedDocument {
	return entity.ArchivedDocument{
		AccessKey: "k1", SaleID: "venta-1", SignedXML: []byte(blob),
		AuthorizationNumber: "k1", AuthorizationTime: s.now, Environment: "PRUEBAS", ArchivedAt: s.now,
	}
}

func (s *RepositoriesTestSuite) expectArchiveRow(blob string) {
	s.mock.ExpectQuery(q("FROM fiscal_archive WHERE access_key = $1")).WithArgs("k1").
		WillReturnRows(pgxmock.NewRows([]string{"access_key", "sale_id", "signed_xml", "checksum",
			"authorization_number", "authorization_time", "environment", "archived_at"}).
			AddRow("k1", "venta-1", []byte(blob), entity.Checksum([]byte(blob)), "k1", s.now, "PRUEBAS", s.now))
}

func (s *RepositoriesTestSuite) TestArchiveStoreInserta() {
	s.mock.ExpectExec(q("INSERT INTO fiscal_archive")).
		WithArgs("k1", "venta-1", []byte("<a/>"), entity.Checksum([]byte("<a/>")), "k1", s.now, "PRUEBAS", s.now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s.NoError(s.archive.Store(s.ctx, s.archived("<a/>")))
}

func (s *RepositoriesTestSuite) TestArchiveStoreRepetidoMismoBlob() {
	s.mock.ExpectExec(q("ON CONFLICT (access_key) DO NOTHING")).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	s.expectArchiveRow("<a/>")

	s.NoError(s.archive.Store(s.ctx, s.archived("<a/>")))
}

func (s *RepositoriesTestSuite) TestArchiveStoreBlobDistinto() {
	s.mock.ExpectExec(q("ON CONFLICT (access_key) DO NOTHING")).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	s.expectArchiveRow("<a/>")

	err := s.archive.Store(s.ctx, s.archived("<b/>"))
	s.ErrorIs(err, domain.ErrIntegrity)
}

func (s *RepositoriesTestSuite) TestArchiveGetInexistente() {
	s.mock.ExpectQuery(q("FROM fiscal_archive")).WithArgs("nada").WillReturnError(pgx.ErrNoRows)

	doc, err := s.archive.Get(s.ctx, "nada")
	s.NoError(err)
	s.Nil(doc)
}

// --- outbox ---

func (s *RepositoriesTestSuite) outboxRow(id, state, claimedBy string) *pgxmock.Rows {
	var claimed *string
	if claimedBy != "" {
		claimed = &claimedBy
	}
	lease := s.now.Add(time.Minute)
	return pgxmock.NewRows(outboxColumnNames).AddRow(
		id, "venta-1", "k-"+id, []byte("<xml/>"), entity.Checksum([]byte("<xml/>")), state, 2,
		(*time.Time)(nil), s.now, claimed, &lease, []byte(`{"decision":""}`), s.now, s.now)
}

func (s *RepositoriesTestSuite) TestOutboxEnqueueDuplicado() {
	s.mock.ExpectExec(q("INSERT INTO fiscal_outbox")).
		WithArgs(pgxmock.AnyArg(), "venta-1", "k1", []byte("<xml/>"), "sum", "PENDING_SUBMIT", 0,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(uniqueViolation())

	err := s.outbox.Enqueue(s.ctx, &entity.OutboxEntry{
		SaleID: "venta-1", AccessKey: "k1", SignedXML: []byte("<xml/>"), Checksum: "sum",
		State: entity.OutboxPendingSubmit, NextAttemptAt: s.now,
	})
	s.ErrorIs(err, domain.ErrDuplicateAccessKey)
}

func (s *RepositoriesTestSuite) TestOutboxClaim() {
	s.mock.ExpectQuery(q("FOR UPDATE SKIP LOCKED")).
		WithArgs("w1", s.now.Add(2*time.Minute), s.now, 5).
		WillReturnRows(s.outboxRow("e1", "PENDING_POLL", "w1"))

	got, err := s.outbox.Claim(s.ctx, "w1", 5, 2*time.Minute, s.now)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(entity.OutboxPendingPoll, got[0].State)
	s.Equal("w1", got[0].ClaimedBy)
	s.Equal(2, got[0].Attempts)
	s.True(got[0].IntegrityOK())
	s.Nil(got[0].LastAttemptAt)
}

func (s *RepositoriesTestSuite) TestOutboxClaimKeySinEntrada() {
	s.mock.ExpectQuery(q("WHERE access_key = $4")).
		WithArgs("w1", pgxmock.AnyArg(), s.now, "k-x").
		WillReturnRows(pgxmock.NewRows(outboxColumnNames))

	got, err := s.outbox.ClaimKey(s.ctx, "w1", "k-x", time.Minute, s.now)
	s.NoError(err)
	s.Nil(got)
}

func (s *RepositoriesTestSuite) TestOutboxCommit() {
	next := s.now.Add(5 * time.Second)
	s.mock.ExpectBegin()
	s.mock.ExpectQuery(q("SELECT state, claimed_by FROM fiscal_outbox WHERE id = $1 FOR UPDATE")).
		WithArgs("e1").
		WillReturnRows(pgxmock.NewRows([]string{"state", "claimed_by"}).AddRow("PENDING_SUBMIT", strPtr("w1")))
	s.mock.ExpectExec(q("SET state = $2, attempts = $3")).
		WithArgs("e1", "PENDING_POLL", 0, pgxmock.AnyArg(), next, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	s.mock.ExpectCommit()

	err := s.outbox.Commit(s.ctx, "e1", "w1", entity.OutboxCommit{
		State: entity.OutboxPendingPoll, NextAttemptAt: next,
	})
	s.NoError(err)
}

func (s *RepositoriesTestSuite) TestOutboxCommitDeOtroWorker() {
	s.mock.ExpectBegin()
	s.mock.ExpectQuery(q("FOR UPDATE")).WithArgs("e1").
		WillReturnRows(pgxmock.NewRows([]string{"state", "claimed_by"}).AddRow("PENDING_SUBMIT", strPtr("w2")))
	s.mock.ExpectRollback()

	err := s.outbox.Commit(s.ctx, "e1", "w1", entity.OutboxCommit{State: entity.OutboxDone})
	s.ErrorIs(err, domain.ErrNotClaimant)
}

func (s *RepositoriesTestSuite) TestOutboxCommitDesdeDone() {
	s.mock.ExpectBegin()
	s.mock.ExpectQuery(q("FOR UPDATE")).WithArgs("e1").
		WillReturnRows(pgxmock.NewRows([]string{"state", "claimed_by"}).AddRow("DONE", strPtr("w1")))
	s.mock.ExpectRollback()

	err := s.outbox.Commit(s.ctx, "e1", "w1", entity.OutboxCommit{State: entity.OutboxPendingPoll})
	s.ErrorIs(err, domain.ErrIllegalTransition)
}

func (s *RepositoriesTestSuite) TestOutboxReleaseSinClaim() {
	s.mock.ExpectExec(q("WHERE id = $1 AND claimed_by = $2")).
		WithArgs("e1", "w1", s.now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.outbox.Release(s.ctx, "e1", "w1", s.now)
	s.ErrorIs(err, domain.ErrNotClaimant)
}

func (s *RepositoriesTestSuite) TestOutboxReopenSoloDesdeFallida() {
	s.mock.ExpectBegin()
	s.mock.ExpectQuery(q("SELECT state FROM fiscal_outbox WHERE id = $1 FOR UPDATE")).WithArgs("e1").
		WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow("PENDING_POLL"))
	s.mock.ExpectRollback()

	err := s.outbox.Reopen(s.ctx, "e1", entity.OutboxPendingSubmit, s.now)
	s.ErrorIs(err, domain.ErrIllegalTransition)
}

func (s *RepositoriesTestSuite) TestOutboxCountByState() {
	s.mock.ExpectQuery(q("GROUP BY state")).
		WillReturnRows(pgxmock.NewRows([]string{"state", "count"}).
			AddRow("PENDING_SUBMIT", int64(3)).AddRow("DONE", int64(10)))

	counts, err := s.outbox.CountByState(s.ctx)
	s.NoError(err)
	s.Equal(map[entity.OutboxState]int{entity.OutboxPendingSubmit: 3, entity.OutboxDone: 10}, counts)
}

// --- tarifas ---

func (s *RepositoriesTestSuite) TestTaxRateUpsertDefaultLimpiaLasDemas() {
	rate := entity.TaxRate{Code: sri.RateIVA15, Name: "IVA 15%", TaxCode: sri.TaxCodeIVA,
		Percent: money.MustParse("15", 2), IsDefault: true}
	s.mock.ExpectBegin()
	s.mock.ExpectExec(q("UPDATE tax_rates SET is_default = FALSE")).
		WithArgs(sri.RateIVA15, "admin").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	s.mock.ExpectExec(q("INSERT INTO tax_rates")).
		WithArgs(sri.RateIVA15, "IVA 15%", pgxmock.AnyArg(), pgxmock.AnyArg(), true, "admin", false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	s.mock.ExpectCommit()

	s.NoError(s.rates.Upsert(s.ctx, rate, "admin"))
}

func (s *RepositoriesTestSuite) TestTaxRateSetDefaultInexistente() {
	s.mock.ExpectBegin()
	s.mock.ExpectQuery(q("SELECT EXISTS")).WithArgs("99").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	s.mock.ExpectRollback()

	err := s.rates.SetDefault(s.ctx, "99", "admin")
	s.ErrorIs(err, domain.ErrNotFound)
}

// --- ventas ---

func (s *RepositoriesTestSuite) TestSaleSaveCongelada() {
	s.mock.ExpectBegin()
	s.mock.ExpectQuery(q("SELECT state, created_at, created_by FROM sales WHERE id = $1 FOR UPDATE")).
		WithArgs("venta-1").
		WillReturnRows(pgxmock.NewRows([]string{"state", "created_at", "created_by"}).
			AddRow(string(entity.SaleSigned), s.now, "caja"))
	s.mock.ExpectRollback()

	err := s.sales.Save(s.ctx, &entity.Sale{ID: "venta-1", State: entity.SaleSigned}, "caja")
	s.ErrorIs(err, domain.ErrSaleFrozen)
}

func (s *RepositoriesTestSuite) TestSaleUpdateStatusTransicionIlegal() {
	s.mock.ExpectBegin()
	s.mock.ExpectQuery(q("SELECT state FROM sales WHERE id = $1 FOR UPDATE")).WithArgs("venta-1").
		WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow(string(entity.SaleDraft)))
	s.mock.ExpectRollback()

	err := s.sales.UpdateStatus(s.ctx, "venta-1", repository.SaleStatusUpdate{State: entity.SaleAuthorized})
	s.ErrorIs(err, domain.ErrIllegalTransition)
}

func (s *RepositoriesTestSuite) TestSaleUpdateStatusNoExiste() {
	s.mock.ExpectBegin()
	s.mock.ExpectQuery(q("FROM sales WHERE id = $1 FOR UPDATE")).WithArgs("nada").WillReturnError(pgx.ErrNoRows)
	s.mock.ExpectRollback()

	err := s.sales.UpdateStatus(s.ctx, "nada", repository.SaleStatusUpdate{State: entity.SaleSubmitted})
	s.ErrorIs(err, domain.ErrNotFound)
}

func (s *RepositoriesTestSuite) TestSaleGetInexistente() {
	s.mock.ExpectQuery(q("FROM sales WHERE id = $1")).WithArgs("nada").WillReturnError(pgx.ErrNoRows)

	sale, err := s.sales.GetByID(s.ctx, "nada")
	s.NoError(err)
	s.Nil(sale)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(uniqueViolation()))
	assert.False(t, isUniqueViolation(errors.New("conexión cerrada")))
}

func strPtr(s string) *string { return &s }
