// Package memstore implementa los puertos de persistencia en memoria. Se usa
// en pruebas y con FISCAL_STORE=memory; no sobrevive a un reinicio.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jhoicas/fiscal-sri/internal/domain"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
	"github.com/jhoicas/fiscal-sri/internal/domain/repository"
	"github.com/jhoicas/fiscal-sri/pkg/sri"
)

// Store agrupa todos los repositorios en memoria.
type Store struct {
	TaxRates  *TaxRates
	Sequences *Sequences
	Sales     *Sales
	Outbox    *Outbox
	Archive   *Archive
}

// New crea un almacén vacío.
func New() *Store {
	return &Store{
		TaxRates:  &TaxRates{rates: map[string]entity.TaxRate{}},
		Sequences: &Sequences{next: map[string]int64{}},
		Sales:     &Sales{byID: map[string]*entity.Sale{}},
		Outbox:    &Outbox{byID: map[string]*entity.OutboxEntry{}},
		Archive:   &Archive{docs: map[string]entity.ArchivedDocument{}},
	}
}

var (
	_ repository.TaxRateRepository  = (*TaxRates)(nil)
	_ repository.SequenceRepository = (*Sequences)(nil)
	_ repository.SaleRepository     = (*Sales)(nil)
	_ repository.OutboxRepository   = (*Outbox)(nil)
	_ repository.ArchiveRepository  = (*Archive)(nil)
)

// ── Tarifas ──────────────────────────────────────────────────────────────────

// TaxRates catálogo de tarifas.
type TaxRates struct {
	mu    sync.RWMutex
	rates map[string]entity.TaxRate
}

func (r *TaxRates) List(context.Context) ([]entity.TaxRate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]entity.TaxRate, 0, len(r.rates))
	for _, t := range r.rates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (r *TaxRates) Upsert(_ context.Context, rate entity.TaxRate, actor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if prev, ok := r.rates[rate.Code]; ok {
		rate.Audit = prev.Audit
	}
	rate.Audit.Touch(actor, now)
	if rate.IsDefault {
		for code, t := range r.rates {
			if code != rate.Code && t.IsDefault {
				t.IsDefault = false
				t.Audit.Touch(actor, now)
				r.rates[code] = t
			}
		}
	}
	r.rates[rate.Code] = rate
	return nil
}

func (r *TaxRates) SetDefault(_ context.Context, code, actor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rates[code]; !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownTaxRate, code)
	}
	now := time.Now()
	for c, t := range r.rates {
		want := c == code
		if t.IsDefault != want {
			t.IsDefault = want
			t.Audit.Touch(actor, now)
			r.rates[c] = t
		}
	}
	return nil
}

// ── Secuenciales ─────────────────────────────────────────────────────────────

// Sequences contadores por (tipo, establecimiento, punto).
type Sequences struct {
	mu   sync.Mutex
	next map[string]int64
}

func (s *Sequences) Next(_ context.Context, kind sri.DocumentKind, establishment, emissionPoint string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(kind) + "-" + establishment + "-" + emissionPoint
	n := s.next[key]
	if n == 0 {
		n = 1
	}
	if n > sri.MaxSequential {
		return 0, fmt.Errorf("%w: %s", domain.ErrSequenceExhausted, key)
	}
	s.next[key] = n + 1
	return n, nil
}

// Seed fija el próximo valor de una terna (pruebas de agotamiento).
func (s *Sequences) Seed(kind sri.DocumentKind, establishment, emissionPoint string, next int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[string(kind)+"-"+establishment+"-"+emissionPoint] = next
}

// ── Ventas ───────────────────────────────────────────────────────────────────

// Sales ventas indexadas por ID.
type Sales struct {
	mu   sync.RWMutex
	byID map[string]*entity.Sale
}

func (r *Sales) Save(_ context.Context, sale *entity.Sale, actor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sale.ID == "" {
		sale.ID = uuid.New().String()
	}
	now := time.Now()
	if prev, ok := r.byID[sale.ID]; ok {
		if prev.State.Frozen() {
			return fmt.Errorf("%w: venta %s", domain.ErrSaleFrozen, sale.ID)
		}
		sale.Audit.CreatedAt, sale.Audit.CreatedBy = prev.CreatedAt, prev.CreatedBy
	}
	if sale.AccessKey != "" {
		for id, other := range r.byID {
			if id != sale.ID && other.AccessKey == sale.AccessKey {
				return fmt.Errorf("%w: %s", domain.ErrDuplicateAccessKey, sale.AccessKey)
			}
		}
	}
	sale.Audit.Touch(actor, now)
	r.byID[sale.ID] = sale.Clone()
	return nil
}

func (r *Sales) GetByID(_ context.Context, id string) (*entity.Sale, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

func (r *Sales) GetByAccessKey(_ context.Context, accessKey string) (*entity.Sale, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.byID {
		if s.AccessKey == accessKey {
			return s.Clone(), nil
		}
	}
	return nil, nil
}

func (r *Sales) UpdateStatus(_ context.Context, id string, upd repository.SaleStatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: venta %s", domain.ErrNotFound, id)
	}
	if !entity.CanTransition(s.State, upd.State) {
		return fmt.Errorf("%w: venta %s de %s a %s", domain.ErrIllegalTransition, id, s.State, upd.State)
	}
	s.State = upd.State
	if upd.AuthorizationNumber != "" {
		s.AuthorizationNumber = upd.AuthorizationNumber
	}
	if upd.AuthorizationTime != nil {
		t := *upd.AuthorizationTime
		s.AuthorizationTime = &t
	}
	if upd.Messages != nil {
		s.LastServiceMessages = append([]entity.ServiceMessage(nil), upd.Messages...)
	}
	s.UpdatedAt = time.Now()
	return nil
}

// ── Outbox ───────────────────────────────────────────────────────────────────

// Outbox cola durable simulada. Las transiciones se validan igual que en SQL.
type Outbox struct {
	mu   sync.Mutex
	byID map[string]*entity.OutboxEntry
}

func (o *Outbox) Enqueue(_ context.Context, e *entity.OutboxEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e.State != entity.OutboxFailedTerminal {
		for _, x := range o.byID {
			if x.AccessKey == e.AccessKey && x.State != entity.OutboxFailedTerminal {
				return fmt.Errorf("%w: %s", domain.ErrDuplicateAccessKey, e.AccessKey)
			}
		}
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.UpdatedAt = e.CreatedAt
	o.byID[e.ID] = e.Clone()
	return nil
}

func claimable(e *entity.OutboxEntry, now time.Time) bool {
	return e.State.Pending() && (e.ClaimedBy == "" || e.LeaseUntil == nil || e.LeaseUntil.Before(now))
}

func (o *Outbox) Claim(_ context.Context, workerID string, limit int, lease time.Duration, now time.Time) ([]*entity.OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var due []*entity.OutboxEntry
	for _, e := range o.byID {
		if claimable(e, now) && !e.NextAttemptAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*entity.OutboxEntry, 0, len(due))
	for _, e := range due {
		o.take(e, workerID, lease, now)
		out = append(out, e.Clone())
	}
	return out, nil
}

func (o *Outbox) ClaimKey(_ context.Context, workerID, accessKey string, lease time.Duration, now time.Time) (*entity.OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.byID {
		if e.AccessKey == accessKey && claimable(e, now) {
			o.take(e, workerID, lease, now)
			return e.Clone(), nil
		}
	}
	return nil, nil
}

func (o *Outbox) take(e *entity.OutboxEntry, workerID string, lease time.Duration, now time.Time) {
	until := now.Add(lease)
	e.ClaimedBy = workerID
	e.LeaseUntil = &until
	e.UpdatedAt = now
}

func (o *Outbox) owned(entryID, workerID string) (*entity.OutboxEntry, error) {
	e, ok := o.byID[entryID]
	if !ok {
		return nil, fmt.Errorf("%w: entrada %s", domain.ErrNotFound, entryID)
	}
	if e.ClaimedBy != workerID {
		return nil, fmt.Errorf("%w: entrada %s (dueño %q, worker %q)", domain.ErrNotClaimant, entryID, e.ClaimedBy, workerID)
	}
	return e, nil
}

func (o *Outbox) Commit(_ context.Context, entryID, workerID string, c entity.OutboxCommit) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, err := o.owned(entryID, workerID)
	if err != nil {
		return err
	}
	if !entity.CanTransitionOutbox(e.State, c.State) {
		return fmt.Errorf("%w: outbox %s de %s a %s", domain.ErrIllegalTransition, entryID, e.State, c.State)
	}
	// copia para no compartir punteros con el llamador
	tmp := (&entity.OutboxEntry{LastAttemptAt: c.LastAttemptAt, Response: c.Response}).Clone()
	e.State = c.State
	e.Attempts = c.Attempts
	e.LastAttemptAt = tmp.LastAttemptAt
	e.NextAttemptAt = c.NextAttemptAt
	e.Response = tmp.Response
	e.ClaimedBy = ""
	e.LeaseUntil = nil
	e.UpdatedAt = time.Now()
	return nil
}

func (o *Outbox) Release(_ context.Context, entryID, workerID string, next time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, err := o.owned(entryID, workerID)
	if err != nil {
		return err
	}
	e.NextAttemptAt = next
	e.ClaimedBy = ""
	e.LeaseUntil = nil
	e.UpdatedAt = time.Now()
	return nil
}

func (o *Outbox) Reopen(_ context.Context, entryID string, state entity.OutboxState, now time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.byID[entryID]
	if !ok {
		return fmt.Errorf("%w: entrada %s", domain.ErrNotFound, entryID)
	}
	if e.State != entity.OutboxFailedTerminal || !entity.CanTransitionOutbox(e.State, state) {
		return fmt.Errorf("%w: reabrir %s de %s a %s", domain.ErrIllegalTransition, entryID, e.State, state)
	}
	for _, x := range o.byID {
		if x.ID != e.ID && x.AccessKey == e.AccessKey && x.State != entity.OutboxFailedTerminal {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateAccessKey, e.AccessKey)
		}
	}
	e.State = state
	e.Attempts = 0
	e.NextAttemptAt = now
	e.ClaimedBy = ""
	e.LeaseUntil = nil
	e.UpdatedAt = now
	return nil
}

func (o *Outbox) Get(_ context.Context, entryID string) (*entity.OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.byID[entryID]
	if !ok {
		return nil, nil
	}
	return e.Clone(), nil
}

func (o *Outbox) GetByAccessKey(_ context.Context, accessKey string) (*entity.OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var best *entity.OutboxEntry
	for _, e := range o.byID {
		if e.AccessKey != accessKey {
			continue
		}
		if e.State != entity.OutboxFailedTerminal {
			return e.Clone(), nil
		}
		if best == nil || e.CreatedAt.After(best.CreatedAt) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.Clone(), nil
}

func (o *Outbox) CountByState(context.Context) (map[entity.OutboxState]int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := map[entity.OutboxState]int{}
	for _, e := range o.byID {
		out[e.State]++
	}
	return out, nil
}

func (o *Outbox) ListStale(_ context.Context, olderThan time.Time, limit int) ([]*entity.OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*entity.OutboxEntry
	for _, e := range o.byID {
		if e.State.Pending() && e.CreatedAt.Before(olderThan) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Tamper altera el blob almacenado sin tocar el checksum (pruebas de integridad).
func (o *Outbox) Tamper(entryID string, blob []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.byID[entryID]; ok {
		e.SignedXML = append([]byte(nil), blob...)
	}
}

// ── Archivo ──────────────────────────────────────────────────────────────────

// Archive comprobantes autorizados.
type Archive struct {
	mu   sync.RWMutex
	docs map[string]entity.ArchivedDocument
}

func (a *Archive) Store(_ context.Context, doc entity.ArchivedDocument) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if prev, ok := a.docs[doc.AccessKey]; ok {
		if !bytes.Equal(prev.SignedXML, doc.SignedXML) {
			return fmt.Errorf("%w: archivo de %s con contenido distinto", domain.ErrIntegrity, doc.AccessKey)
		}
		return nil
	}
	if doc.Checksum == "" {
		doc.Checksum = entity.Checksum(doc.SignedXML)
	}
	if doc.ArchivedAt.IsZero() {
		doc.ArchivedAt = time.Now()
	}
	doc.SignedXML = append([]byte(nil), doc.SignedXML...)
	a.docs[doc.AccessKey] = doc
	return nil
}

func (a *Archive) Get(_ context.Context, accessKey string) (*entity.ArchivedDocument, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	d, ok := a.docs[accessKey]
	if !ok {
		return nil, nil
	}
	d.SignedXML = append([]byte(nil), d.SignedXML...)
	return &d, nil
}

// Len cantidad de documentos archivados.
func (a *Archive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.docs)
}
