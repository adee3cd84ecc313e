package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
	"github.com/jhoicas/fiscal-sri/internal/infrastructure/memstore"
)

type MockAlerter struct {
	mock.Mock
}

func (m *MockAlerter) Alert(ctx context.Context, entry *entity.OutboxEntry, reason string) {
	m.Called(ctx, entry.AccessKey, reason)
}

type stubReloader struct{ calls int }

func (s *stubReloader) Reload(context.Context) error { s.calls++; return nil }

func TestOutboxHealthAlertaPendientesAntiguas(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	old := &entity.OutboxEntry{AccessKey: "vieja", State: entity.OutboxPendingPoll, CreatedAt: now.Add(-7 * time.Hour)}
	fresh := &entity.OutboxEntry{AccessKey: "nueva", State: entity.OutboxPendingSubmit, CreatedAt: now.Add(-time.Minute)}
	done := &entity.OutboxEntry{AccessKey: "lista", State: entity.OutboxDone, CreatedAt: now.Add(-8 * time.Hour)}
	for _, e := range []*entity.OutboxEntry{old, fresh, done} {
		require.NoError(t, store.Outbox.Enqueue(ctx, e))
	}

	alerter := new(MockAlerter)
	alerter.On("Alert", mock.Anything, "vieja", mock.AnythingOfType("string")).Once()

	h := NewOutboxHealth(store.Outbox, alerter, 6*time.Hour, zerolog.Nop())
	h.now = func() time.Time { return now }

	counts, err := h.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[entity.OutboxPendingPoll])
	assert.Equal(t, 1, counts[entity.OutboxDone])
	alerter.AssertExpectations(t)
}

func TestOutboxHealthRecuerdaFallidas(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	alerter := new(MockAlerter)
	h := NewOutboxHealth(store.Outbox, alerter, time.Hour, zerolog.Nop())

	_, err := h.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, h.lastFailed)

	require.NoError(t, store.Outbox.Enqueue(ctx, &entity.OutboxEntry{AccessKey: "x", State: entity.OutboxFailedTerminal}))
	_, err = h.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.lastFailed)
	alerter.AssertNotCalled(t, "Alert", mock.Anything, mock.Anything, mock.Anything)
}

func TestSchedulerRegistraJobs(t *testing.T) {
	store := memstore.New()
	h := NewOutboxHealth(store.Outbox, new(MockAlerter), time.Hour, zerolog.Nop())
	r := &stubReloader{}

	s, err := New(Config{HealthEvery: time.Hour, RefreshEvery: time.Hour}, h, r, zerolog.Nop())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"outbox-health", "catalog-refresh"}, s.Jobs())

	s.Start()
	assert.NoError(t, s.Stop())
}
