package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cattle4808/aianswer/logging"
)

type JobType string

type Job interface {
	Type() JobType
	ID() string
	Do(ctx context.Context) error
}

// Processor runs jobs on a fixed pool of goroutines fed by a buffered channel.
type Processor struct {
	JobQueue chan Job
	PoolSize int

	busy atomic.Int32
	wg   sync.WaitGroup
	log  *zap.SugaredLogger
}

func NewProcessor(queueSize int, poolSize int, log *zap.SugaredLogger) *Processor {
	return &Processor{
		JobQueue: make(chan Job, queueSize),
		PoolSize: poolSize,
		log:      logging.OrNop(log).Named("processor"),
	}
}

// Close stops accepting jobs and waits for the running ones to finish.
func (p *Processor) Close() error {
	close(p.JobQueue)
	p.wg.Wait()
	p.log.Info("stopped")
	return nil
}

func (p *Processor) Submit(job Job) {
	p.JobQueue <- job
}

// TrySubmit queues job unless the buffer is full.
func (p *Processor) TrySubmit(job Job) bool {
	select {
	case p.JobQueue <- job:
		return true
	default:
		return false
	}
}

// Available is the number of workers neither busy nor already spoken for by
// a queued job.
func (p *Processor) Available() int {
	n := p.PoolSize - int(p.busy.Load()) - len(p.JobQueue)
	if n < 0 {
		return 0
	}
	return n
}

// Start launches the pool. Jobs receive ctx; cancelling it does not drain
// the queue, Close does.
func (p *Processor) Start(ctx context.Context) {
	for range p.PoolSize {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.JobQueue {
				p.run(ctx, job)
			}
		}()
	}
	p.log.Infow("started", "pool_size", p.PoolSize, "queue_size", cap(p.JobQueue))
}

func (p *Processor) run(ctx context.Context, job Job) {
	p.busy.Add(1)
	defer p.busy.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorw("job panicked", "type", job.Type(), "id", job.ID(), "panic", r)
		}
	}()

	if err := job.Do(ctx); err != nil {
		p.log.Errorw("job failed", "type", job.Type(), "id", job.ID(), "error", err)
	}
}
