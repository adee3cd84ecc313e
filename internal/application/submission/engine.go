// Package submission implementa el motor de envío al SRI: un outbox durable
// drenado por un pool de workers que conduce cada comprobante firmado por
// recepción y autorización hasta su decisión definitiva.
//
//	PENDING_SUBMIT ──RECIBIDA──▶ PENDING_POLL ──AUTORIZADO──▶ DONE
//	      │                          │
//	      └──DEVUELTA──▶ DONE        └──NO AUTORIZADO──▶ DONE
//
// Cada paso hace a lo sumo una llamada remota. Los efectos idempotentes
// (venta, archivo) se aplican antes del commit del outbox, de modo que un
// crash entre ambos solo repite trabajo idempotente.
package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jhoicas/fiscal-sri/internal/domain"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
	"github.com/jhoicas/fiscal-sri/internal/domain/repository"
)

// Config parámetros del motor.
type Config struct {
	Workers        int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	AttemptsCap    int
	RequestTimeout time.Duration
	Lease          time.Duration
	PollInterval   time.Duration
	ShutdownGrace  time.Duration
}

// DefaultConfig valores recomendados.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		BackoffBase:    5 * time.Second,
		BackoffMax:     10 * time.Minute,
		AttemptsCap:    20,
		RequestTimeout: 30 * time.Second,
		Lease:          2 * time.Minute,
		PollInterval:   time.Second,
		ShutdownGrace:  15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.AttemptsCap <= 0 {
		c.AttemptsCap = d.AttemptsCap
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.Lease <= c.RequestTimeout {
		c.Lease = 2 * c.RequestTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	return c
}

// Engine motor de envío.
type Engine struct {
	cfg      Config
	outbox   repository.OutboxRepository
	sales    repository.SaleRepository
	archive  repository.ArchiveRepository
	gateway  Gateway
	issuer   entity.Issuer
	clock    Clock
	alerter  Alerter
	verify   Verifier
	backoff  Backoff
	instance string
	log      zerolog.Logger
}

// Option configura el motor.
type Option func(*Engine)

// WithClock reemplaza el reloj (pruebas).
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithAlerter reemplaza el alerter por defecto.
func WithAlerter(a Alerter) Option { return func(e *Engine) { e.alerter = a } }

// WithVerifier verifica la firma de cada blob antes de archivarlo.
func WithVerifier(v Verifier) Option { return func(e *Engine) { e.verify = v } }

// WithRand fija la fuente del jitter, en [0,1).
func WithRand(r func() float64) Option { return func(e *Engine) { e.backoff.Rand = r } }

// WithInstance prefijo de los IDs de worker.
func WithInstance(id string) Option { return func(e *Engine) { e.instance = id } }

// NewEngine construye el motor con todas sus dependencias.
func NewEngine(
	cfg Config,
	outbox repository.OutboxRepository,
	sales repository.SaleRepository,
	archive repository.ArchiveRepository,
	gateway Gateway,
	issuer entity.Issuer,
	log zerolog.Logger,
	opts ...Option,
) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:      cfg,
		outbox:   outbox,
		sales:    sales,
		archive:  archive,
		gateway:  gateway,
		issuer:   issuer,
		clock:    SystemClock{},
		backoff:  Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax, Jitter: 0.2},
		instance: uuid.NewString()[:8],
		log:      log.With().Str("component", "submission").Logger(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.alerter == nil {
		e.alerter = NewLogAlerter(log)
	}
	return e
}

// Config configuración efectiva.
func (e *Engine) Config() Config { return e.cfg }

// ═══════════════════════════════════════════════════════════════════════════
// Entrada al outbox
// ═══════════════════════════════════════════════════════════════════════════

// Enqueue registra el comprobante firmado en PENDING_SUBMIT y pasa la venta a
// SUBMITTED. Falla con domain.ErrDuplicateAccessKey si la clave ya está viva.
func (e *Engine) Enqueue(ctx context.Context, doc SignedDocument) (*entity.OutboxEntry, error) {
	if doc.AccessKey == "" || len(doc.XML) == 0 {
		return nil, fmt.Errorf("%w: documento firmado sin clave o sin XML", domain.ErrInvalidInput)
	}
	now := e.clock.Now()
	entry := &entity.OutboxEntry{
		ID:            uuid.NewString(),
		SaleID:        doc.SaleID,
		AccessKey:     doc.AccessKey,
		SignedXML:     append([]byte(nil), doc.XML...),
		Checksum:      entity.Checksum(doc.XML),
		State:         entity.OutboxPendingSubmit,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.outbox.Enqueue(ctx, entry); err != nil {
		return nil, err
	}
	if err := e.syncSale(ctx, doc.SaleID, repository.SaleStatusUpdate{State: entity.SaleSubmitted}); err != nil {
		// el paso de recepción vuelve a alinear la venta
		e.log.Warn().Err(err).Str("access_key", doc.AccessKey).Msg("no se pudo marcar la venta como SUBMITTED")
	}
	e.log.Info().Str("access_key", doc.AccessKey).Str("sale_id", doc.SaleID).
		Str("from", string(entity.SaleSigned)).Str("to", string(entity.OutboxPendingSubmit)).
		Int("attempts", 0).Msg("comprobante encolado")
	return entry, nil
}

// Submit encola el comprobante y ejecuta de inmediato el paso de recepción.
// Si la clave ya tiene una entrada no fallida, devuelve la decisión guardada
// sin contactar al SRI.
func (e *Engine) Submit(ctx context.Context, doc SignedDocument) (entity.ServiceResponse, error) {
	if cached, ok, err := e.cached(ctx, doc.AccessKey); err != nil || ok {
		return cached, err
	}
	entry, err := e.Enqueue(ctx, doc)
	if errors.Is(err, domain.ErrDuplicateAccessKey) {
		cached, _, cerr := e.cached(ctx, doc.AccessKey)
		return cached, cerr
	}
	if err != nil {
		return entity.ServiceResponse{}, err
	}

	workerID := e.instance + "-submit"
	claimed, err := e.outbox.ClaimKey(ctx, workerID, doc.AccessKey, e.cfg.Lease, e.clock.Now())
	if err != nil {
		return entity.ServiceResponse{}, err
	}
	if claimed != nil {
		e.step(ctx, workerID, claimed)
	}
	after, err := e.outbox.Get(ctx, entry.ID)
	if err != nil || after == nil {
		return entity.ServiceResponse{}, err
	}
	return after.Response, nil
}

func (e *Engine) cached(ctx context.Context, accessKey string) (entity.ServiceResponse, bool, error) {
	existing, err := e.outbox.GetByAccessKey(ctx, accessKey)
	if err != nil {
		return entity.ServiceResponse{}, false, err
	}
	if existing == nil || existing.State == entity.OutboxFailedTerminal {
		return entity.ServiceResponse{}, false, nil
	}
	return existing.Response, true, nil
}

// RecordFailure deja constancia de una venta que no pudo firmarse: entrada
// FAILED_TERMINAL sin blob y venta FAILED_TERMINAL. No contacta al SRI.
func (e *Engine) RecordFailure(ctx context.Context, saleID, accessKey string, cause error) error {
	now := e.clock.Now()
	msg := entity.ServiceMessage{ID: "LOCAL", Message: cause.Error(), Kind: "ERROR"}
	entry := &entity.OutboxEntry{
		ID:            uuid.NewString(),
		SaleID:        saleID,
		AccessKey:     accessKey,
		State:         entity.OutboxFailedTerminal,
		NextAttemptAt: now,
		Response: entity.ServiceResponse{
			Decision: entity.DecisionLocalFailure,
			Messages: []entity.ServiceMessage{msg},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.outbox.Enqueue(ctx, entry); err != nil {
		return err
	}
	if err := e.syncSale(ctx, saleID, repository.SaleStatusUpdate{
		State:    entity.SaleFailedTerminal,
		Messages: []entity.ServiceMessage{msg},
	}); err != nil {
		return err
	}
	e.alerter.Alert(ctx, entry, "fallo local antes del envío: "+cause.Error())
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// API de inspección
// ═══════════════════════════════════════════════════════════════════════════

// Status entrada vigente de la clave de acceso.
func (e *Engine) Status(ctx context.Context, accessKey string) (*entity.OutboxEntry, error) {
	entry, err := e.outbox.GetByAccessKey(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: clave %s", domain.ErrNotFound, accessKey)
	}
	return entry, nil
}

// Messages últimos mensajes del SRI (o del fallo local) para la clave.
func (e *Engine) Messages(ctx context.Context, accessKey string) ([]entity.ServiceMessage, error) {
	entry, err := e.Status(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	return entry.Response.Messages, nil
}

// Requeue devuelve una entrada FAILED_TERMINAL con blob íntegro a su última
// fase, con intentos en cero. No vuelve a firmar.
func (e *Engine) Requeue(ctx context.Context, accessKey string) (*entity.OutboxEntry, error) {
	entry, err := e.Status(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	if entry.State != entity.OutboxFailedTerminal {
		return nil, fmt.Errorf("%w: la entrada está en %s", domain.ErrConflict, entry.State)
	}
	if !entry.IntegrityOK() {
		return nil, fmt.Errorf("%w: el blob firmado no coincide con su checksum", domain.ErrIntegrity)
	}
	target, saleState := entity.OutboxPendingSubmit, entity.SaleSubmitted
	if pollPhase(entry.Response.Decision) {
		target, saleState = entity.OutboxPendingPoll, entity.SalePollAuthorize
	}
	if err := e.syncSale(ctx, entry.SaleID, repository.SaleStatusUpdate{State: saleState}); err != nil {
		return nil, err
	}
	if err := e.outbox.Reopen(ctx, entry.ID, target, e.clock.Now()); err != nil {
		return nil, err
	}
	e.log.Info().Str("access_key", accessKey).Str("from", string(entry.State)).Str("to", string(target)).
		Int("attempts", 0).Msg("entrada reencolada por operador")
	return e.outbox.Get(ctx, entry.ID)
}

func pollPhase(d entity.Decision) bool {
	return d == entity.DecisionReceived || d == entity.DecisionInProcess || d == entity.DecisionUnknown
}

// ═══════════════════════════════════════════════════════════════════════════
// Workers
// ═══════════════════════════════════════════════════════════════════════════

// ProcessOnce reclama una entrada vencida y ejecuta un paso. Devuelve false si
// no había trabajo.
func (e *Engine) ProcessOnce(ctx context.Context, workerID string) (bool, error) {
	batch, err := e.outbox.Claim(ctx, workerID, 1, e.cfg.Lease, e.clock.Now())
	if err != nil {
		return false, err
	}
	if len(batch) == 0 {
		return false, nil
	}
	for _, entry := range batch {
		e.step(ctx, workerID, entry)
	}
	return true, nil
}

// Run drena el outbox con el pool de workers hasta que ctx se cancela. Los
// pasos en curso tienen ShutdownGrace para terminar; pasado ese plazo se
// abortan y su entrada se libera sin contar el intento.
func (e *Engine) Run(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	g, gctx := errgroup.WithContext(workCtx)
	for i := 0; i < e.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-w%d", e.instance, i)
		g.Go(func() error {
			e.worker(ctx, gctx, workerID)
			return nil
		})
	}
	e.log.Info().Int("workers", e.cfg.Workers).Msg("motor de envío iniciado")

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}
	grace := time.NewTimer(e.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case err := <-done:
		e.log.Info().Msg("motor de envío detenido")
		return err
	case <-grace.C:
		e.log.Warn().Dur("grace", e.cfg.ShutdownGrace).Msg("plazo de apagado vencido; abortando pasos en curso")
		cancelWork()
		return <-done
	}
}

func (e *Engine) worker(stop, work context.Context, workerID string) {
	log := e.log.With().Str("worker", workerID).Logger()
	for {
		if stop.Err() != nil {
			return
		}
		processed, err := e.ProcessOnce(work, workerID)
		if err != nil {
			log.Error().Err(err).Msg("claim falló")
		}
		if processed {
			continue
		}
		timer := time.NewTimer(e.cfg.PollInterval)
		select {
		case <-stop.Done():
			timer.Stop()
			return
		case <-work.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Paso de la máquina de estados
// ═══════════════════════════════════════════════════════════════════════════

func (e *Engine) step(ctx context.Context, workerID string, claimed *entity.OutboxEntry) {
	// consulta local antes de cualquier llamada remota
	cur, err := e.outbox.Get(ctx, claimed.ID)
	if err != nil || cur == nil {
		e.log.Error().Err(err).Str("entry_id", claimed.ID).Msg("entrada reclamada no encontrada")
		return
	}
	if cur.ClaimedBy != workerID {
		e.log.Error().Str("access_key", cur.AccessKey).Str("worker", workerID).Str("claimed_by", cur.ClaimedBy).
			Msg("la entrada pertenece a otro worker; no se procesa")
		return
	}
	now := e.clock.Now()
	if !cur.IntegrityOK() {
		e.fail(ctx, workerID, cur, now, entity.ServiceResponse{
			Decision: entity.DecisionLocalFailure,
			Messages: []entity.ServiceMessage{{ID: "INTEGRIDAD", Message: "el blob firmado no coincide con su checksum", Kind: "ERROR"}},
		}, "integridad del blob firmado comprometida")
		return
	}
	switch cur.State {
	case entity.OutboxPendingSubmit:
		e.stepSubmit(ctx, workerID, cur, now)
	case entity.OutboxPendingPoll:
		e.stepPoll(ctx, workerID, cur, now)
	default:
		e.release(ctx, workerID, cur, now)
	}
}

func (e *Engine) stepSubmit(ctx context.Context, workerID string, cur *entity.OutboxEntry, now time.Time) {
	if err := e.syncSale(ctx, cur.SaleID, repository.SaleStatusUpdate{State: entity.SaleSubmitted}); err != nil {
		e.retry(ctx, workerID, cur, now, cur.Response, e.backoff.Delay(cur.Attempts), err)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	resp, err := e.gateway.Validate(reqCtx, e.issuer.ReceiveURL(), cur.SignedXML)
	cancel()
	if ctx.Err() != nil {
		e.abort(ctx, workerID, cur)
		return
	}
	if err != nil {
		e.retry(ctx, workerID, cur, now, cur.Response, e.backoff.Delay(cur.Attempts), err)
		return
	}

	switch resp.Decision {
	case entity.DecisionReceived:
		if err := e.syncSale(ctx, cur.SaleID, repository.SaleStatusUpdate{State: entity.SalePollAuthorize, Messages: resp.Messages}); err != nil {
			e.retry(ctx, workerID, cur, now, cur.Response, e.backoff.Delay(cur.Attempts), err)
			return
		}
		// cambio de fase: intentos a cero y consulta inmediata
		e.commit(ctx, workerID, cur, entity.OutboxCommit{
			State:         entity.OutboxPendingPoll,
			Attempts:      0,
			LastAttemptAt: &now,
			NextAttemptAt: now,
			Response:      resp,
		})
	case entity.DecisionRejectedOnReceive:
		if err := e.syncSale(ctx, cur.SaleID, repository.SaleStatusUpdate{State: entity.SaleRejectedTerminal, Messages: resp.Messages}); err != nil {
			e.retry(ctx, workerID, cur, now, cur.Response, e.backoff.Delay(cur.Attempts), err)
			return
		}
		e.commit(ctx, workerID, cur, entity.OutboxCommit{
			State:         entity.OutboxDone,
			Attempts:      cur.Attempts + 1,
			LastAttemptAt: &now,
			NextAttemptAt: now,
			Response:      resp,
		})
	default:
		e.retry(ctx, workerID, cur, now, cur.Response, e.backoff.Delay(cur.Attempts),
			fmt.Errorf("decisión de recepción inesperada %q", resp.Decision))
	}
}

func (e *Engine) stepPoll(ctx context.Context, workerID string, cur *entity.OutboxEntry, now time.Time) {
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	resp, err := e.gateway.Authorize(reqCtx, e.issuer.AuthorizeURL(), cur.AccessKey)
	cancel()
	if ctx.Err() != nil {
		e.abort(ctx, workerID, cur)
		return
	}
	if err != nil {
		e.retry(ctx, workerID, cur, now, cur.Response, e.backoff.Delay(cur.Attempts), err)
		return
	}

	switch resp.Decision {
	case entity.DecisionAuthorized:
		if err := e.storeAuthorized(ctx, cur, resp, now); err != nil {
			if errors.Is(err, domain.ErrIntegrity) {
				e.fail(ctx, workerID, cur, now, entity.ServiceResponse{
					Decision: entity.DecisionLocalFailure,
					Messages: append(resp.Messages, entity.ServiceMessage{ID: "INTEGRIDAD", Message: err.Error(), Kind: "ERROR"}),
				}, "comprobante autorizado no archivable: "+err.Error())
				return
			}
			e.retry(ctx, workerID, cur, now, cur.Response, e.backoff.Delay(cur.Attempts), err)
			return
		}
		e.commit(ctx, workerID, cur, entity.OutboxCommit{
			State:         entity.OutboxDone,
			Attempts:      cur.Attempts + 1,
			LastAttemptAt: &now,
			NextAttemptAt: now,
			Response:      resp,
		})
	case entity.DecisionNotAuthorized:
		if err := e.syncSale(ctx, cur.SaleID, repository.SaleStatusUpdate{State: entity.SaleRejectedTerminal, Messages: resp.Messages}); err != nil {
			e.retry(ctx, workerID, cur, now, cur.Response, e.backoff.Delay(cur.Attempts), err)
			return
		}
		e.commit(ctx, workerID, cur, entity.OutboxCommit{
			State:         entity.OutboxDone,
			Attempts:      cur.Attempts + 1,
			LastAttemptAt: &now,
			NextAttemptAt: now,
			Response:      resp,
		})
	case entity.DecisionInProcess:
		e.retry(ctx, workerID, cur, now, resp, e.backoff.Delay(cur.Attempts), nil)
	default:
		resp.Decision = entity.DecisionUnknown
		e.retry(ctx, workerID, cur, now, resp, e.backoff.Extended(cur.Attempts), nil)
	}
}

// storeAuthorized archiva (idempotente) y marca la venta como AUTHORIZED.
func (e *Engine) storeAuthorized(ctx context.Context, cur *entity.OutboxEntry, resp entity.ServiceResponse, now time.Time) error {
	if e.verify != nil {
		if err := e.verify(cur.SignedXML); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrIntegrity, err)
		}
	}
	authTime := now
	if resp.AuthorizationTime != nil {
		authTime = *resp.AuthorizationTime
	}
	number := resp.AuthorizationNumber
	if number == "" {
		number = cur.AccessKey
	}
	if e.archive != nil {
		if err := e.archive.Store(ctx, entity.ArchivedDocument{
			AccessKey:           cur.AccessKey,
			SaleID:              cur.SaleID,
			SignedXML:           cur.SignedXML,
			Checksum:            cur.Checksum,
			AuthorizationNumber: number,
			AuthorizationTime:   authTime,
			Environment:         resp.Environment,
			ArchivedAt:          now,
		}); err != nil {
			return err
		}
	}
	return e.syncSale(ctx, cur.SaleID, repository.SaleStatusUpdate{
		State:               entity.SaleAuthorized,
		AuthorizationNumber: number,
		AuthorizationTime:   &authTime,
		Messages:            resp.Messages,
	})
}

// retry cuenta el intento y reprograma en la misma fase; al llegar al tope
// la entrada pasa a FAILED_TERMINAL.
func (e *Engine) retry(ctx context.Context, workerID string, cur *entity.OutboxEntry, now time.Time,
	resp entity.ServiceResponse, delay time.Duration, cause error) {
	attempts := cur.Attempts + 1
	if attempts >= e.cfg.AttemptsCap {
		if cause != nil {
			resp.Messages = append(resp.Messages, entity.ServiceMessage{ID: "TRANSPORTE", Message: cause.Error(), Kind: "ERROR"})
		}
		cur.Attempts = attempts
		e.fail(ctx, workerID, cur, now, resp, fmt.Sprintf("tope de %d intentos alcanzado en %s", e.cfg.AttemptsCap, cur.State))
		return
	}
	ev := e.log.Warn().Str("access_key", cur.AccessKey).Str("from", string(cur.State)).Str("to", string(cur.State)).
		Int("attempts", attempts).Dur("backoff", delay).Str("decision", string(resp.Decision))
	if cause != nil {
		ev = ev.Err(cause)
	}
	ev.Msg("reintento programado")
	e.commitQuiet(ctx, workerID, cur, entity.OutboxCommit{
		State:         cur.State,
		Attempts:      attempts,
		LastAttemptAt: &now,
		NextAttemptAt: now.Add(delay),
		Response:      resp,
	})
}

// fail mueve la entrada a FAILED_TERMINAL conservando el blob.
func (e *Engine) fail(ctx context.Context, workerID string, cur *entity.OutboxEntry, now time.Time, resp entity.ServiceResponse, reason string) {
	if err := e.syncSale(ctx, cur.SaleID, repository.SaleStatusUpdate{State: entity.SaleFailedTerminal, Messages: resp.Messages}); err != nil {
		e.log.Error().Err(err).Str("access_key", cur.AccessKey).Msg("no se pudo marcar la venta como FAILED_TERMINAL")
	}
	if e.commit(ctx, workerID, cur, entity.OutboxCommit{
		State:         entity.OutboxFailedTerminal,
		Attempts:      cur.Attempts,
		LastAttemptAt: &now,
		NextAttemptAt: now,
		Response:      resp,
	}) {
		failed := cur.Clone()
		failed.State = entity.OutboxFailedTerminal
		failed.Response = resp
		e.alerter.Alert(ctx, failed, reason)
	}
}

// abort libera la entrada sin contar el intento (apagado).
func (e *Engine) abort(ctx context.Context, workerID string, cur *entity.OutboxEntry) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	e.release(bg, workerID, cur, e.clock.Now())
	e.log.Warn().Str("access_key", cur.AccessKey).Str("state", string(cur.State)).Msg("paso abortado por apagado; entrada liberada")
}

func (e *Engine) release(ctx context.Context, workerID string, cur *entity.OutboxEntry, next time.Time) {
	if err := e.outbox.Release(ctx, cur.ID, workerID, next); err != nil {
		e.log.Error().Err(err).Str("access_key", cur.AccessKey).Msg("no se pudo liberar la entrada")
	}
}

func (e *Engine) commit(ctx context.Context, workerID string, cur *entity.OutboxEntry, c entity.OutboxCommit) bool {
	if !e.commitQuiet(ctx, workerID, cur, c) {
		return false
	}
	e.log.Info().Str("access_key", cur.AccessKey).Str("from", string(cur.State)).Str("to", string(c.State)).
		Int("attempts", c.Attempts).Str("decision", string(c.Response.Decision)).Msg("transición")
	return true
}

func (e *Engine) commitQuiet(ctx context.Context, workerID string, cur *entity.OutboxEntry, c entity.OutboxCommit) bool {
	if err := e.outbox.Commit(ctx, cur.ID, workerID, c); err != nil {
		if errors.Is(err, domain.ErrNotClaimant) {
			e.log.Warn().Err(err).Str("access_key", cur.AccessKey).Msg("lease perdido antes del commit")
			return false
		}
		e.log.Error().Err(err).Str("access_key", cur.AccessKey).Msg("commit del outbox falló; la entrada se reintentará al vencer el lease")
		return false
	}
	return true
}

// syncSale aplica el estado a la venta; sin venta asociada no hace nada.
func (e *Engine) syncSale(ctx context.Context, saleID string, upd repository.SaleStatusUpdate) error {
	if saleID == "" || e.sales == nil {
		return nil
	}
	return e.sales.UpdateStatus(ctx, saleID, upd)
}
