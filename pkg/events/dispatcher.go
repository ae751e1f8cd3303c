package events

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/infraguys/genesis-core/pkg/config"
	"github.com/infraguys/genesis-core/pkg/log"
	"github.com/infraguys/genesis-core/pkg/metrics"
	"github.com/infraguys/genesis-core/pkg/storage"
	"github.com/infraguys/genesis-core/pkg/types"
)

const drainBatch = 100

// Handler consumes one event. Returning an error causes redelivery, so
// handlers must tolerate duplicates.
type Handler func(ctx context.Context, event types.OutboxEvent) error

// Dispatcher drains the outbox and fans events out to subscribers with
// at-least-once semantics. Undelivered rows survive restarts.
type Dispatcher struct {
	store *storage.Store
	cfg   config.Events

	mu       sync.RWMutex
	handlers map[Kind][]Handler

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(store *storage.Store, cfg config.Events) *Dispatcher {
	return &Dispatcher{
		store:    store,
		cfg:      cfg,
		handlers: make(map[Kind][]Handler),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Subscribe registers a handler for one event kind. Registration is expected
// before Start; late subscribers only see events not yet delivered.
func (d *Dispatcher) Subscribe(kind Kind, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = append(d.handlers[kind], handler)
}

// Start begins the drain loop.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
}

// Stop stops the drain loop and waits for the in-flight batch.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.doneCh)
	logger := log.WithComponent("dispatcher")

	ticker := time.NewTicker(d.cfg.PollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := d.Drain(ctx); err != nil {
				logger.Error().Err(err).Msg("outbox drain failed")
			}
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Drain delivers one batch of pending events. Exposed for tests and for the
// final flush on shutdown.
func (d *Dispatcher) Drain(ctx context.Context) error {
	now := time.Now().UTC()

	var pending []types.OutboxEvent
	err := d.store.WithinTransaction(ctx, func(tx *gorm.DB) error {
		var err error
		pending, err = storage.PendingEvents(tx, now, drainBatch)
		return err
	})
	if err != nil {
		return err
	}

	for _, event := range pending {
		d.deliver(ctx, event)
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, event types.OutboxEvent) {
	logger := log.WithComponent("dispatcher")

	d.mu.RLock()
	handlers := d.handlers[Kind(event.Kind)]
	d.mu.RUnlock()

	var firstErr error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	err := d.store.WithinTransaction(ctx, func(tx *gorm.DB) error {
		if firstErr == nil {
			metrics.EventDeliveries.WithLabelValues(event.Kind, "ok").Inc()
			return storage.MarkEventDelivered(tx, event.UUID)
		}

		metrics.EventDeliveries.WithLabelValues(event.Kind, "error").Inc()
		attempts := event.Attempts + 1
		if attempts >= d.cfg.MaxAttempts {
			metrics.EventsDeadLettered.Inc()
			logger.Error().Err(firstErr).
				Str("event_uuid", event.UUID.String()).
				Str("kind", event.Kind).
				Msg("event dead-lettered")
			return storage.MarkEventDead(tx, event.UUID, firstErr.Error())
		}
		next := time.Now().UTC().Add(deliveryBackoff(attempts))
		return storage.RescheduleEvent(tx, event.UUID, attempts, next, firstErr.Error())
	})
	if err != nil {
		logger.Error().Err(err).
			Str("event_uuid", event.UUID.String()).
			Msg("outbox bookkeeping failed")
	}
}

// deliveryBackoff is exponential with base 1s, cap 60s and ±25% jitter.
func deliveryBackoff(attempt int) time.Duration {
	backoff := time.Second << uint(attempt-1)
	if backoff > 60*time.Second || backoff <= 0 {
		backoff = 60 * time.Second
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(backoff) * jitter)
}
