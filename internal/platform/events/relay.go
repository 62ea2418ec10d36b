package events

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/clinic/clinic/internal/platform/db"
)

// Notifier blocks until new events may be pending or ctx is done.
type Notifier interface {
	Wait(ctx context.Context) error
}

// RelayMetrics receives relay outcomes.
type RelayMetrics interface {
	EventRelayed(ok bool)
	OutboxBatch(n int)
}

type nopMetrics struct{}

func (nopMetrics) EventRelayed(bool) {}
func (nopMetrics) OutboxBatch(int)   {}

type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
}

var DefaultRelayConfig = RelayConfig{
	BatchSize:    100,
	PollInterval: 30 * time.Second,
}

// Relay moves events from the outbox to the publisher. Each batch is claimed
// under FOR UPDATE SKIP LOCKED in one transaction, so several relays can run
// side by side. Events whose publish fails stay pending for the next batch.
type Relay struct {
	store     Store
	tx        db.TxRunner
	publisher Publisher
	notifier  Notifier
	metrics   RelayMetrics
	cfg       RelayConfig
	logger    zerolog.Logger
}

func NewRelay(store Store, tx db.TxRunner, publisher Publisher, notifier Notifier, logger zerolog.Logger, cfg RelayConfig) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRelayConfig.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRelayConfig.PollInterval
	}
	return &Relay{
		store:     store,
		tx:        tx,
		publisher: publisher,
		notifier:  notifier,
		metrics:   nopMetrics{},
		cfg:       cfg,
		logger:    logger,
	}
}

// WithMetrics attaches a metrics sink.
func (r *Relay) WithMetrics(m RelayMetrics) *Relay {
	if m != nil {
		r.metrics = m
	}
	return r
}

// Run processes batches until ctx is cancelled. Between batches it waits for
// a notification or the poll interval, whichever comes first.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info().Int("batch_size", r.cfg.BatchSize).Dur("poll_interval", r.cfg.PollInterval).
		Msg("outbox relay started")

	for {
		published, err := r.ProcessBatch(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("outbox batch failed")
		}
		if ctx.Err() != nil {
			r.logger.Info().Msg("outbox relay stopped")
			return nil
		}
		// A full batch means there is probably more waiting.
		if err == nil && published == r.cfg.BatchSize {
			continue
		}
		r.wait(ctx)
	}
}

func (r *Relay) wait(ctx context.Context) {
	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.PollInterval)
	defer cancel()

	if r.notifier == nil {
		<-waitCtx.Done()
		return
	}
	err := r.notifier.Wait(waitCtx)
	if err != nil && waitCtx.Err() == nil {
		r.logger.Warn().Err(err).Msg("outbox listener failed, falling back to polling")
		// Avoid a hot loop while the listener cannot reconnect.
		<-waitCtx.Done()
	}
}

// ProcessBatch claims one batch and publishes it. It returns how many events
// were published and marked processed.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	published := 0
	err := r.tx.WithinTx(ctx, func(ctx context.Context) error {
		batch, err := r.store.FetchPending(ctx, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, e := range batch {
			if err := r.publisher.Publish(ctx, e); err != nil {
				r.metrics.EventRelayed(false)
				r.logger.Warn().Err(err).Str("event_id", e.ID.String()).Str("event_type", e.Type).
					Msg("publish failed, event stays pending")
				if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
					break
				}
				continue
			}
			if err := r.store.MarkProcessed(ctx, e.ID); err != nil {
				return err
			}
			r.metrics.EventRelayed(true)
			published++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if pending, err := r.store.CountPending(ctx); err == nil {
		r.metrics.OutboxBatch(pending)
	}
	if published > 0 {
		r.logger.Debug().Int("published", published).Msg("outbox batch relayed")
	}
	return published, nil
}
