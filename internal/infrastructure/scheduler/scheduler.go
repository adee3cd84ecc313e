// Package scheduler jobs periódicos del proceso: salud del outbox y refresco
// del catálogo de tarifas.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"github.com/jhoicas/fiscal-sri/internal/application/submission"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
	"github.com/jhoicas/fiscal-sri/internal/domain/repository"
)

// Reloader lo que el job de refresco necesita del catálogo.
type Reloader interface {
	Reload(ctx context.Context) error
}

// OutboxHealth cuenta entradas por estado y alerta sobre entradas terminales
// nuevas o pendientes por más de StaleAfter.
type OutboxHealth struct {
	outbox     repository.OutboxRepository
	alerter    submission.Alerter
	staleAfter time.Duration
	now        func() time.Time
	log        zerolog.Logger

	mu         sync.Mutex
	lastFailed int
	seen       bool
}

// NewOutboxHealth construye el chequeo.
func NewOutboxHealth(outbox repository.OutboxRepository, alerter submission.Alerter, staleAfter time.Duration, log zerolog.Logger) *OutboxHealth {
	return &OutboxHealth{
		outbox:     outbox,
		alerter:    alerter,
		staleAfter: staleAfter,
		now:        time.Now,
		log:        log.With().Str("component", "outbox-health").Logger(),
	}
}

// Check una pasada del chequeo. Devuelve los conteos leídos.
func (h *OutboxHealth) Check(ctx context.Context) (map[entity.OutboxState]int, error) {
	counts, err := h.outbox.CountByState(ctx)
	if err != nil {
		return nil, fmt.Errorf("contar outbox: %w", err)
	}
	ev := h.log.Info()
	for state, n := range counts {
		ev = ev.Int(string(state), n)
	}
	ev.Msg("estado del outbox")

	failed := counts[entity.OutboxFailedTerminal]
	h.mu.Lock()
	grew := h.seen && failed > h.lastFailed
	prev := h.lastFailed
	h.lastFailed, h.seen = failed, true
	h.mu.Unlock()
	if grew {
		h.log.Error().Bool("alert", true).Int("before", prev).Int("now", failed).
			Msg("aumentaron las entradas FAILED_TERMINAL")
	}

	stale, err := h.outbox.ListStale(ctx, h.now().Add(-h.staleAfter), 100)
	if err != nil {
		return counts, fmt.Errorf("listar pendientes antiguas: %w", err)
	}
	for _, e := range stale {
		h.alerter.Alert(ctx, e, fmt.Sprintf("entrada pendiente hace más de %s", h.staleAfter))
	}
	return counts, nil
}

// Scheduler envoltura de gocron con los jobs registrados.
type Scheduler struct {
	scheduler gocron.Scheduler
	jobs      map[string]gocron.Job
	log       zerolog.Logger
}

// Config periodicidad de cada job.
type Config struct {
	HealthEvery  time.Duration
	RefreshEvery time.Duration
}

// New registra los jobs; health o catalog nil omiten el job respectivo.
func New(cfg Config, health *OutboxHealth, catalog Reloader, log zerolog.Logger) (*Scheduler, error) {
	if cfg.HealthEvery <= 0 {
		cfg.HealthEvery = time.Minute
	}
	if cfg.RefreshEvery <= 0 {
		cfg.RefreshEvery = 10 * time.Minute
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("crear scheduler: %w", err)
	}
	js := &Scheduler{scheduler: s, jobs: map[string]gocron.Job{}, log: log.With().Str("component", "scheduler").Logger()}

	if health != nil {
		if err := js.add("outbox-health", cfg.HealthEvery, func(ctx context.Context) error {
			_, err := health.Check(ctx)
			return err
		}); err != nil {
			return nil, err
		}
	}
	if catalog != nil {
		if err := js.add("catalog-refresh", cfg.RefreshEvery, catalog.Reload); err != nil {
			return nil, err
		}
	}
	return js, nil
}

func (s *Scheduler) add(name string, every time.Duration, fn func(context.Context) error) error {
	job, err := s.scheduler.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), every)
			defer cancel()
			if err := fn(ctx); err != nil {
				s.log.Warn().Err(err).Str("job", name).Msg("job falló")
			}
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("registrar job %s: %w", name, err)
	}
	s.jobs[name] = job
	return nil
}

// Jobs nombres registrados.
func (s *Scheduler) Jobs() []string {
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	return out
}

// Start arranca los jobs.
func (s *Scheduler) Start() {
	s.log.Info().Int("jobs", len(s.jobs)).Msg("scheduler iniciado")
	s.scheduler.Start()
}

// Stop espera a que terminen los jobs en curso.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}
