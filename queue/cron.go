package queue

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cattle4808/aianswer/logging"
)

type CronScheduler struct {
	processor      *Processor
	durationToCall map[time.Duration][]Job
	timerMap       map[time.Duration]*time.Ticker
	stopCh         chan struct{}
	wg             sync.WaitGroup
	log            *zap.SugaredLogger
}

func NewCronScheduler(processor *Processor, log *zap.SugaredLogger) *CronScheduler {
	return &CronScheduler{
		processor:      processor,
		durationToCall: make(map[time.Duration][]Job),
		timerMap:       make(map[time.Duration]*time.Ticker),
		stopCh:         make(chan struct{}),
		log:            logging.OrNop(log).Named("cron"),
	}
}

func (s *CronScheduler) RegisterJob(duration time.Duration, job Job) {
	s.durationToCall[duration] = append(s.durationToCall[duration], job)
}

// Start launches one goroutine per unique duration.
// Jobs with the same duration share a single Ticker.
func (s *CronScheduler) Start() {
	for duration, jobs := range s.durationToCall {
		ticker := time.NewTicker(duration)
		s.timerMap[duration] = ticker

		s.wg.Add(1)
		go s.runTicker(ticker, jobs)
	}
	s.log.Infow("started", "tickers", len(s.timerMap))
}

func (s *CronScheduler) runTicker(ticker *time.Ticker, jobs []Job) {
	defer s.wg.Done()
	for {
		select {
		case <-ticker.C:
			for _, job := range jobs {
				// A full queue skips this tick rather than stalling the ticker.
				if !s.processor.TrySubmit(job) {
					s.log.Warnw("queue full, skipping tick", "type", job.Type())
				}
			}
		case <-s.stopCh:
			ticker.Stop()
			return
		}
	}
}

// Stop returns once no ticker can submit anymore.
func (s *CronScheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}
