package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/offerpath/dispatch/internal/models"
)

// insertTimeout bounds each background insert so a stalled database cannot
// wedge the drain on shutdown.
const insertTimeout = 5 * time.Second

// Metrics is the slice of the registry the emitter reports to.
type Metrics interface {
	IncrementEvent(eventType string)
	IncrementEventInsertErrors()
}

// Emitter decouples event persistence from the request path. Emit enqueues
// and returns immediately; a background worker owns the database writes and
// keeps running after the response flushes or the client disconnects.
type Emitter struct {
	store   Store
	mirror  *Mirror
	metrics Metrics
	logger  *zap.Logger

	queue chan *models.Event
	wg    sync.WaitGroup
	once  sync.Once
}

// NewEmitter starts the worker. queueSize bounds in-flight events; a full
// queue drops the event rather than blocking a response.
func NewEmitter(store Store, mirror *Mirror, queueSize int, metrics Metrics, logger *zap.Logger) *Emitter {
	e := &Emitter{
		store:   store,
		mirror:  mirror,
		metrics: metrics,
		logger:  logger,
		queue:   make(chan *models.Event, queueSize),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// Emit schedules one event for persistence. Events with no campaign are
// orphans and are dropped up front.
func (e *Emitter) Emit(ev *models.Event) {
	if ev == nil || ev.CampaignID == "" {
		return
	}
	select {
	case e.queue <- ev:
	default:
		e.metrics.IncrementEventInsertErrors()
		e.logger.Error("event queue full, dropping event",
			zap.String("event_id", ev.EventID),
			zap.String("campaign_id", ev.CampaignID))
	}
}

func (e *Emitter) run() {
	defer e.wg.Done()
	for ev := range e.queue {
		e.persist(ev)
	}
}

func (e *Emitter) persist(ev *models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	if err := e.store.Insert(ctx, ev); err != nil {
		e.metrics.IncrementEventInsertErrors()
		e.logger.Error("event insert failed",
			zap.String("event_id", ev.EventID),
			zap.String("campaign_id", ev.CampaignID),
			zap.Error(err))
		return
	}
	e.metrics.IncrementEvent(eventType(ev))
	e.mirror.Record(ctx, ev)
}

// Close stops accepting events and drains the queue. It returns early if
// ctx expires first, leaving any remainder unwritten.
func (e *Emitter) Close(ctx context.Context) error {
	e.once.Do(func() { close(e.queue) })

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
