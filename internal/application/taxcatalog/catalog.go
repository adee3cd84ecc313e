// Package taxcatalog mantiene en memoria el catálogo de tarifas de impuesto.
// Los lectores trabajan sobre un Snapshot inmutable que se reemplaza de forma
// atómica en cada recarga.
package taxcatalog

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jhoicas/fiscal-sri/internal/domain"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
	"github.com/jhoicas/fiscal-sri/internal/domain/repository"
	"github.com/jhoicas/fiscal-sri/pkg/money"
)

// Notifier publica la señal de invalidación hacia otras instancias.
type Notifier interface {
	PublishInvalidation(ctx context.Context) error
}

// Snapshot vista inmutable del catálogo.
type Snapshot struct {
	rates    []entity.TaxRate
	byCode   map[string]entity.TaxRate
	def      *entity.TaxRate
	LoadedAt time.Time
}

// NewSnapshot valida y ordena las tarifas. Más de una tarifa por defecto es
// un conflicto.
func NewSnapshot(rates []entity.TaxRate, loadedAt time.Time) (*Snapshot, error) {
	s := &Snapshot{
		rates:    make([]entity.TaxRate, 0, len(rates)),
		byCode:   make(map[string]entity.TaxRate, len(rates)),
		LoadedAt: loadedAt,
	}
	for _, r := range rates {
		if r.Deleted {
			continue
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.byCode[r.Code]; dup {
			return nil, fmt.Errorf("%w: tarifa %s repetida", domain.ErrDuplicate, r.Code)
		}
		if r.IsDefault {
			if s.def != nil {
				return nil, fmt.Errorf("%w: %s y %s marcadas por defecto", domain.ErrConflict, s.def.Code, r.Code)
			}
			d := r
			s.def = &d
		}
		s.byCode[r.Code] = r
		s.rates = append(s.rates, r)
	}
	sort.Slice(s.rates, func(i, j int) bool { return lessRate(s.rates[i], s.rates[j]) })
	return s, nil
}

// lessRate ordena por impuesto y luego por código numérico ("2" < "10").
func lessRate(a, b entity.TaxRate) bool {
	if a.Kind() != b.Kind() {
		return a.Kind() < b.Kind()
	}
	if len(a.Code) != len(b.Code) {
		return len(a.Code) < len(b.Code)
	}
	return a.Code < b.Code
}

// Default tarifa por defecto o domain.ErrNoDefaultTaxRate.
func (s *Snapshot) Default() (entity.TaxRate, error) {
	if s == nil || s.def == nil {
		return entity.TaxRate{}, domain.ErrNoDefaultTaxRate
	}
	return *s.def, nil
}

// ByCode tarifa por codigoPorcentaje o domain.ErrUnknownTaxRate.
func (s *Snapshot) ByCode(code string) (entity.TaxRate, error) {
	if s != nil {
		if r, ok := s.byCode[code]; ok {
			return r, nil
		}
	}
	return entity.TaxRate{}, fmt.Errorf("%w: %q", domain.ErrUnknownTaxRate, code)
}

// List copia ordenada de las tarifas.
func (s *Snapshot) List() []entity.TaxRate {
	if s == nil {
		return nil
	}
	out := make([]entity.TaxRate, len(s.rates))
	copy(out, s.rates)
	return out
}

// Catalog catálogo con recarga desde el repositorio.
type Catalog struct {
	repo     repository.TaxRateRepository
	notifier Notifier
	log      zerolog.Logger
	now      func() time.Time
	current  atomic.Pointer[Snapshot]
}

// Option configura el catálogo.
type Option func(*Catalog)

// WithNotifier publica invalidaciones tras cada cambio.
func WithNotifier(n Notifier) Option { return func(c *Catalog) { c.notifier = n } }

// WithClock reemplaza el reloj usado para LoadedAt.
func WithClock(now func() time.Time) Option { return func(c *Catalog) { c.now = now } }

// New crea el catálogo. Llamar Reload antes de servir.
func New(repo repository.TaxRateRepository, log zerolog.Logger, opts ...Option) *Catalog {
	c := &Catalog{repo: repo, log: log.With().Str("component", "taxcatalog").Logger(), now: time.Now}
	for _, o := range opts {
		o(c)
	}
	c.current.Store(&Snapshot{byCode: map[string]entity.TaxRate{}})
	return c
}

// NewStatic crea un catálogo fijo sin repositorio.
func NewStatic(rates []entity.TaxRate) (*Catalog, error) {
	s, err := NewSnapshot(rates, time.Now())
	if err != nil {
		return nil, err
	}
	c := &Catalog{log: zerolog.Nop(), now: time.Now}
	c.current.Store(s)
	return c, nil
}

// Reload lee el repositorio y publica un snapshot nuevo. Si falla, se conserva
// el anterior.
func (c *Catalog) Reload(ctx context.Context) error {
	if c.repo == nil {
		return nil
	}
	rates, err := c.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("taxcatalog: listar tarifas: %w", err)
	}
	s, err := NewSnapshot(rates, c.now())
	if err != nil {
		return fmt.Errorf("taxcatalog: snapshot: %w", err)
	}
	c.current.Store(s)
	c.log.Debug().Int("rates", len(s.rates)).Msg("catálogo recargado")
	return nil
}

// Snapshot vista actual. Un documento se construye entero con la misma vista.
func (c *Catalog) Snapshot() *Snapshot { return c.current.Load() }

func (c *Catalog) Default() (entity.TaxRate, error) { return c.Snapshot().Default() }
func (c *Catalog) ByCode(code string) (entity.TaxRate, error) { return c.Snapshot().ByCode(code) }
func (c *Catalog) List() []entity.TaxRate { return c.Snapshot().List() }

// Compute calcula (impuesto, bruto) de net con la tarifa indicada.
func (c *Catalog) Compute(net money.Money, rate entity.TaxRate) (tax, gross money.Money, err error) {
	return rate.Apply(net)
}

// Upsert persiste una tarifa y recarga.
func (c *Catalog) Upsert(ctx context.Context, rate entity.TaxRate, actor string) error {
	if c.repo == nil {
		return fmt.Errorf("%w: catálogo estático", domain.ErrConflict)
	}
	if err := rate.Validate(); err != nil {
		return err
	}
	if err := c.repo.Upsert(ctx, rate, actor); err != nil {
		return err
	}
	return c.changed(ctx)
}

// SetDefault marca code como única tarifa por defecto y recarga.
func (c *Catalog) SetDefault(ctx context.Context, code, actor string) error {
	if c.repo == nil {
		return fmt.Errorf("%w: catálogo estático", domain.ErrConflict)
	}
	if _, err := c.ByCode(code); err != nil {
		return err
	}
	if err := c.repo.SetDefault(ctx, code, actor); err != nil {
		return err
	}
	return c.changed(ctx)
}

// HandleInvalidation recarga al recibir la señal de otra instancia.
func (c *Catalog) HandleInvalidation(ctx context.Context) {
	if err := c.Reload(ctx); err != nil {
		c.log.Warn().Err(err).Msg("recarga por invalidación falló; se mantiene el snapshot anterior")
	}
}

func (c *Catalog) changed(ctx context.Context) error {
	if err := c.Reload(ctx); err != nil {
		return err
	}
	if c.notifier != nil {
		// la señal es best-effort
		if err := c.notifier.PublishInvalidation(ctx); err != nil {
			c.log.Warn().Err(err).Msg("no se pudo publicar invalidación del catálogo")
		}
	}
	return nil
}
