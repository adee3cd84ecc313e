package taxcatalog_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/fiscal-sri/internal/application/taxcatalog"
	"github.com/jhoicas/fiscal-sri/internal/domain"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
	"github.com/jhoicas/fiscal-sri/pkg/money"
	"github.com/jhoicas/fiscal-sri/pkg/sri"
)

type fakeRepo struct {
	mu    sync.Mutex
	rates []entity.TaxRate
	fail  error
}

func (f *fakeRepo) List(context.Context) ([]entity.TaxRate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	return append([]entity.TaxRate(nil), f.rates...), nil
}

func (f *fakeRepo) Upsert(_ context.Context, r entity.TaxRate, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rates {
		if f.rates[i].Code == r.Code {
			f.rates[i] = r
			return nil
		}
	}
	f.rates = append(f.rates, r)
	return nil
}

func (f *fakeRepo) SetDefault(_ context.Context, code, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rates {
		f.rates[i].IsDefault = f.rates[i].Code == code
	}
	return nil
}

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) PublishInvalidation(context.Context) error {
	c.n.Add(1)
	return errors.New("redis caído")
}

func seed() []entity.TaxRate {
	return []entity.TaxRate{
		{Code: sri.RateIVA13, Name: "IVA 13%", TaxCode: sri.TaxCodeIVA, Percent: money.MustParse("13", 2)},
		{Code: sri.RateIVA15, Name: "IVA 15%", TaxCode: sri.TaxCodeIVA, Percent: money.MustParse("15", 2), IsDefault: true},
		{Code: sri.RateIVA0, Name: "IVA 0%", TaxCode: sri.TaxCodeIVA, Percent: money.MustParse("0", 2)},
		{Code: sri.RateIVA12, Name: "IVA 12%", TaxCode: sri.TaxCodeIVA, Percent: money.MustParse("12", 2)},
	}
}

func TestStatic_ConsultasBasicas(t *testing.T) {
	c, err := taxcatalog.NewStatic(seed())
	require.NoError(t, err)

	def, err := c.Default()
	require.NoError(t, err)
	assert.Equal(t, sri.RateIVA15, def.Code)

	r, err := c.ByCode(sri.RateIVA12)
	require.NoError(t, err)
	tax, gross, err := c.Compute(money.MustParse("12.99", 2), r)
	require.NoError(t, err)
	assert.Equal(t, "1.56", tax.String())
	assert.Equal(t, "14.55", gross.String())

	_, err = c.ByCode("99")
	assert.ErrorIs(t, err, domain.ErrUnknownTaxRate)

	var codes []string
	for _, r := range c.List() {
		codes = append(codes, r.Code)
	}
	assert.Equal(t, []string{"0", "2", "4", "10"}, codes)
}

func TestStatic_SinDefault(t *testing.T) {
	rates := seed()
	rates[1].IsDefault = false
	c, err := taxcatalog.NewStatic(rates)
	require.NoError(t, err)
	_, err = c.Default()
	assert.ErrorIs(t, err, domain.ErrNoDefaultTaxRate)
}

func TestSnapshot_DosDefaultsEsConflicto(t *testing.T) {
	rates := seed()
	rates[0].IsDefault = true
	_, err := taxcatalog.NewStatic(rates)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestCatalog_SetDefaultRecargaYNotifica(t *testing.T) {
	repo := &fakeRepo{rates: seed()}
	n := &countingNotifier{}
	c := taxcatalog.New(repo, zerolog.Nop(), taxcatalog.WithNotifier(n))
	ctx := context.Background()
	require.NoError(t, c.Reload(ctx))

	before := c.Snapshot()
	require.NoError(t, c.SetDefault(ctx, sri.RateIVA12, "operador"))

	def, err := c.Default()
	require.NoError(t, err)
	assert.Equal(t, sri.RateIVA12, def.Code)
	assert.EqualValues(t, 1, n.n.Load(), "un fallo al notificar no revierte el cambio")

	// el snapshot anterior no se altera
	old, err := before.Default()
	require.NoError(t, err)
	assert.Equal(t, sri.RateIVA15, old.Code)

	assert.ErrorIs(t, c.SetDefault(ctx, "99", "operador"), domain.ErrUnknownTaxRate)
}

func TestCatalog_RecargaFallidaConservaSnapshot(t *testing.T) {
	repo := &fakeRepo{rates: seed()}
	c := taxcatalog.New(repo, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, c.Reload(ctx))

	repo.mu.Lock()
	repo.fail = errors.New("db caída")
	repo.mu.Unlock()
	c.HandleInvalidation(ctx)

	def, err := c.Default()
	require.NoError(t, err)
	assert.Equal(t, sri.RateIVA15, def.Code)
}

func TestCatalog_LectoresVenUnSoloDefault(t *testing.T) {
	repo := &fakeRepo{rates: seed()}
	c := taxcatalog.New(repo, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, c.Reload(ctx))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	violations := atomic.Int32{}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				defaults := 0
				for _, r := range c.Snapshot().List() {
					if r.IsDefault {
						defaults++
					}
				}
				if defaults != 1 {
					violations.Add(1)
				}
			}
		}()
	}
	codes := []string{sri.RateIVA12, sri.RateIVA15, sri.RateIVA0, sri.RateIVA13}
	for i := 0; i < 200; i++ {
		require.NoError(t, c.SetDefault(ctx, codes[i%len(codes)], "operador"))
	}
	close(stop)
	wg.Wait()
	assert.Zero(t, violations.Load())
}
