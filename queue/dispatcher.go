package queue

import (
	"context"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/cattle4808/aianswer/logging"
)

// Dispatcher moves claimed solve_jobs rows into the processor. It wakes on
// LISTEN/NOTIFY and falls back to polling.
type Dispatcher struct {
	store     Store
	processor *Processor
	producer  Producer
	metrics   *logging.Metrics
	workerID  string
	interval  time.Duration
	notify    <-chan *pq.Notification
	log       *zap.SugaredLogger
}

func NewDispatcher(store Store, processor *Processor, producer Producer, workerID string, interval time.Duration, notify <-chan *pq.Notification, metrics *logging.Metrics, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		processor: processor,
		producer:  producer,
		metrics:   metrics,
		workerID:  workerID,
		interval:  interval,
		notify:    notify,
		log:       logging.OrNop(log).Named("dispatcher"),
	}
}

// Run blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.log.Infow("waiting for jobs (LISTEN/NOTIFY + fallback polling)", "worker_id", d.workerID, "interval", d.interval)
	d.Drain(ctx)

	for {
		select {
		case <-ctx.Done():
			d.log.Info("shutting down")
			return
		case <-ticker.C:
			d.Drain(ctx)
		case n, ok := <-d.notify:
			if !ok {
				d.notify = nil
				d.log.Warn("notification channel closed, polling only")
				continue
			}
			// nil after a reconnect: notifications may have been lost.
			if n != nil {
				d.log.Debugw("notified", "channel", n.Channel, "extra", n.Extra)
			}
			d.Drain(ctx)
		}
	}
}

// Drain claims jobs while the processor has idle workers and returns how
// many it handed over.
func (d *Dispatcher) Drain(ctx context.Context) int {
	claimed := 0
	for d.processor.Available() > 0 && ctx.Err() == nil {
		job, err := d.store.ClaimJob(ctx, d.workerID)
		if err != nil {
			d.metrics.DatabaseFailure(ctx)
			d.log.Errorw("claim failed", "error", err)
			return claimed
		}
		if job == nil {
			return claimed
		}
		d.processor.Submit(NewSolveJob(job, d.producer, d.store, d.metrics))
		claimed++
	}
	return claimed
}
