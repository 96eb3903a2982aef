package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/offerpath/dispatch/internal/models"
)

type fakeStore struct {
	mu       sync.Mutex
	inserted []*models.Event
	failNext bool
}

func (f *fakeStore) Insert(_ context.Context, ev *models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("db down")
	}
	f.inserted = append(f.inserted, ev)
	return nil
}

func (f *fakeStore) Enrich(context.Context, *models.Enrichment) error { return nil }
func (f *fakeStore) GetClick(context.Context, string) (*models.Event, error) {
	return nil, ErrNotFound
}
func (f *fakeStore) GetLandingPageFromImpression(context.Context, string) (*ImpressionRef, error) {
	return nil, ErrNotFound
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

type countingMetrics struct {
	mu     sync.Mutex
	events map[string]int
	errs   int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{events: map[string]int{}}
}

func (m *countingMetrics) IncrementEvent(eventType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[eventType]++
}

func (m *countingMetrics) IncrementEventInsertErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs++
}

func TestEmitterPersistsAndDrains(t *testing.T) {
	store := &fakeStore{}
	metrics := newCountingMetrics()
	e := NewEmitter(store, nil, 16, metrics, zap.NewNop())

	e.Emit(&models.Event{EventID: "ev1", CampaignID: "c1", IsImpression: true})
	e.Emit(&models.Event{EventID: "ev2", CampaignID: "c1", IsClick: true})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))

	assert.Equal(t, 2, store.count())
	assert.Equal(t, 1, metrics.events["impression"])
	assert.Equal(t, 1, metrics.events["click"])
}

func TestEmitterDropsOrphans(t *testing.T) {
	store := &fakeStore{}
	e := NewEmitter(store, nil, 16, newCountingMetrics(), zap.NewNop())

	e.Emit(nil)
	e.Emit(&models.Event{EventID: "ev1"}) // no campaign

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))
	assert.Equal(t, 0, store.count())
}

func TestEmitterCountsInsertErrors(t *testing.T) {
	store := &fakeStore{failNext: true}
	metrics := newCountingMetrics()
	e := NewEmitter(store, nil, 16, metrics, zap.NewNop())

	e.Emit(&models.Event{EventID: "ev1", CampaignID: "c1", IsImpression: true})
	e.Emit(&models.Event{EventID: "ev2", CampaignID: "c1", IsImpression: true})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))

	assert.Equal(t, 1, store.count())
	assert.Equal(t, 1, metrics.errs)
}

func TestEmitterCloseIdempotent(t *testing.T) {
	e := NewEmitter(&fakeStore{}, nil, 1, newCountingMetrics(), zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))
	require.NoError(t, e.Close(ctx))
}

func TestEventType(t *testing.T) {
	assert.Equal(t, "impression", eventType(&models.Event{IsImpression: true}))
	assert.Equal(t, "click", eventType(&models.Event{IsClick: true}))
	assert.Equal(t, "impression_click", eventType(&models.Event{IsImpression: true, IsClick: true}))
	assert.Equal(t, "conversion", eventType(&models.Event{IsConversion: true}))
}
