package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jhoicas/fiscal-sri/internal/application/numbering"
	"github.com/jhoicas/fiscal-sri/internal/application/submission"
	"github.com/jhoicas/fiscal-sri/internal/domain"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
	"github.com/jhoicas/fiscal-sri/internal/domain/fiscal"
	"github.com/jhoicas/fiscal-sri/internal/domain/repository"
)

// Pipeline orquesta el ciclo completo de una venta electrónica:
//
//	DRAFT → NUMBERED → BUILT → SIGNED → motor de envío
//
// Issue es reanudable: tras una caída retoma desde el estado persistido sin
// pedir un segundo secuencial. El XML no se guarda en la venta; construirlo y
// firmarlo es determinista, así que reanudar en BUILT o SIGNED lo regenera.
type Pipeline struct {
	sales     repository.SaleRepository
	rates     fiscal.RateLookup
	numbering *numbering.Service
	builder   DocumentBuilder
	signer    DocumentSigner
	engine    Submitter
	issuer    entity.Issuer
	policy    fiscal.Policy
	log       zerolog.Logger

	locks keyedMutex
}

// NewPipeline construye el orquestador con todas sus dependencias.
func NewPipeline(
	sales repository.SaleRepository,
	rates fiscal.RateLookup,
	numberingSvc *numbering.Service,
	builder DocumentBuilder,
	signer DocumentSigner,
	engine Submitter,
	issuer entity.Issuer,
	policy fiscal.Policy,
	log zerolog.Logger,
) *Pipeline {
	if policy.Environment == "" {
		policy.Environment = issuer.Environment
	}
	return &Pipeline{
		sales:     sales,
		rates:     rates,
		numbering: numberingSvc,
		builder:   builder,
		signer:    signer,
		engine:    engine,
		issuer:    issuer,
		policy:    policy,
		log:       log.With().Str("component", "billing").Logger(),
	}
}

// Result venta tras Issue y la última decisión del SRI.
type Result struct {
	Sale     *entity.Sale
	Response entity.ServiceResponse
}

// SaveDraft calcula importes y guarda la venta en DRAFT. Todas las
// violaciones se devuelven juntas envueltas en domain.ErrInvalidSale.
func (p *Pipeline) SaveDraft(ctx context.Context, sale *entity.Sale, actor string) (*entity.Sale, error) {
	if sale == nil {
		return nil, fmt.Errorf("%w: venta nula", domain.ErrInvalidInput)
	}
	if sale.State == "" {
		sale.State = entity.SaleDraft
	}
	if sale.IssuerTaxID == "" {
		sale.IssuerTaxID = p.issuer.TaxID
	}
	if sale.Establishment == "" {
		sale.Establishment = p.issuer.Establishment
	}
	if sale.EmissionPoint == "" {
		sale.EmissionPoint = p.issuer.EmissionPoint
	}
	if sale.IssueDate.IsZero() {
		sale.IssueDate = time.Now()
	}
	if err := fiscal.Finalize(sale, p.rates, p.policy); err != nil {
		return nil, err
	}
	if err := p.sales.Save(ctx, sale, actor); err != nil {
		return nil, fmt.Errorf("guardar borrador: %w", err)
	}
	return sale, nil
}

// Get venta por ID.
func (p *Pipeline) Get(ctx context.Context, saleID string) (*entity.Sale, error) {
	sale, err := p.sales.GetByID(ctx, saleID)
	if err != nil {
		return nil, fmt.Errorf("obtener venta: %w", err)
	}
	if sale == nil {
		return nil, fmt.Errorf("%w: venta %s", domain.ErrNotFound, saleID)
	}
	return sale, nil
}

// Cancel anula una venta aún no firmada.
func (p *Pipeline) Cancel(ctx context.Context, saleID, actor string) (*entity.Sale, error) {
	unlock := p.locks.lock(saleID)
	defer unlock()

	sale, err := p.Get(ctx, saleID)
	if err != nil {
		return nil, err
	}
	if err := sale.Cancel(); err != nil {
		return nil, err
	}
	if err := p.sales.Save(ctx, sale, actor); err != nil {
		return nil, fmt.Errorf("guardar anulación: %w", err)
	}
	p.log.Info().Str("sale_id", saleID).Str("access_key", sale.AccessKey).Msg("venta anulada")
	return sale, nil
}

// Issue lleva la venta desde su estado actual hasta el motor de envío y
// devuelve la decisión disponible al terminar el paso de recepción. Un fallo
// criptográfico queda registrado en el outbox como FAILED_TERMINAL.
func (p *Pipeline) Issue(ctx context.Context, saleID, actor string) (*Result, error) {
	unlock := p.locks.lock(saleID)
	defer unlock()

	sale, err := p.Get(ctx, saleID)
	if err != nil {
		return nil, err
	}

	var signed []byte
	for {
		switch sale.State {
		case entity.SaleDraft:
			if err := p.number(ctx, sale, actor); err != nil {
				return nil, err
			}

		case entity.SaleNumbered:
			if _, err := p.builder.Build(sale, p.issuer); err != nil {
				return nil, err
			}
			if err := p.advance(ctx, sale, entity.SaleBuilt, actor); err != nil {
				return nil, err
			}

		case entity.SaleBuilt:
			doc, err := p.sign(ctx, sale)
			if err != nil {
				return nil, err
			}
			if err := p.advance(ctx, sale, entity.SaleSigned, actor); err != nil {
				return nil, err
			}
			signed = doc

		case entity.SaleSigned:
			if signed == nil {
				if signed, err = p.sign(ctx, sale); err != nil {
					return nil, err
				}
			}
			resp, err := p.engine.Submit(ctx, submission.SignedDocument{
				SaleID:    sale.ID,
				AccessKey: sale.AccessKey,
				XML:       signed,
			})
			if err != nil {
				return nil, fmt.Errorf("enviar comprobante: %w", err)
			}
			fresh, err := p.Get(ctx, saleID)
			if err != nil {
				return nil, err
			}
			return &Result{Sale: fresh, Response: resp}, nil

		case entity.SaleCancelled:
			return nil, fmt.Errorf("%w: la venta %s está anulada", domain.ErrIllegalTransition, saleID)

		default:
			// ya en manos del motor
			entry, err := p.engine.Status(ctx, sale.AccessKey)
			if err != nil {
				return nil, err
			}
			return &Result{Sale: sale, Response: entry.Response}, nil
		}
	}
}

// IssueAsync dispara Issue en una goroutine independiente, desacoplada del
// ciclo de la petición que la originó.
func (p *Pipeline) IssueAsync(saleID, actor string, timeout time.Duration) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		res, err := p.Issue(ctx, saleID, actor)
		if err != nil {
			p.log.Error().Err(err).Str("sale_id", saleID).Msg("emisión asíncrona falló")
			return
		}
		p.log.Info().Str("sale_id", saleID).Str("access_key", res.Sale.AccessKey).
			Str("state", string(res.Sale.State)).Str("decision", string(res.Response.Decision)).
			Msg("emisión asíncrona terminada")
	}()
}

func (p *Pipeline) number(ctx context.Context, sale *entity.Sale, actor string) error {
	if err := fiscal.Finalize(sale, p.rates, p.policy); err != nil {
		return err
	}
	if err := p.numbering.Stamp(ctx, sale, p.issuer); err != nil {
		return err
	}
	if err := p.sales.Save(ctx, sale, actor); err != nil {
		return fmt.Errorf("guardar venta numerada: %w", err)
	}
	return nil
}

// sign construye y firma; un fallo criptográfico se registra en el motor.
func (p *Pipeline) sign(ctx context.Context, sale *entity.Sale) ([]byte, error) {
	xml, err := p.builder.Build(sale, p.issuer)
	if err != nil {
		return nil, err
	}
	signed, err := p.signer.Sign(xml)
	if err == nil {
		return signed, nil
	}
	if !domain.IsCrypto(err) {
		err = fmt.Errorf("%w: %w", domain.ErrSigningFailed, err)
	}
	p.log.Error().Err(err).Str("sale_id", sale.ID).Str("access_key", sale.AccessKey).Msg("firma fallida")
	if rerr := p.engine.RecordFailure(ctx, sale.ID, sale.AccessKey, err); rerr != nil {
		return nil, errors.Join(err, rerr)
	}
	return nil, err
}

func (p *Pipeline) advance(ctx context.Context, sale *entity.Sale, to entity.SaleState, actor string) error {
	from := sale.State
	if err := sale.Transition(to); err != nil {
		return err
	}
	if err := p.sales.Save(ctx, sale, actor); err != nil {
		sale.State = from
		return fmt.Errorf("guardar venta en %s: %w", to, err)
	}
	p.log.Info().Str("sale_id", sale.ID).Str("access_key", sale.AccessKey).
		Str("from", string(from)).Str("to", string(to)).Msg("transición")
	return nil
}

// keyedMutex serializa Issue y Cancel por venta dentro del proceso.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
