package data

import (
	"context"
	"sync"
	"time"

	"github.com/quantumliquidity/core/internal/contracts"
	"github.com/quantumliquidity/core/internal/data/repos"
	"github.com/quantumliquidity/core/pkg/logger"
)

// Recorder writes fills to the time-series store from a single
// background flush goroutine. The engine-side callback only enqueues,
// so no database I/O happens on an engine or broker goroutine.
type Recorder struct {
	repo  *repos.TimeSeriesRepo
	queue chan contracts.Fill

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup

	logger *logger.Logger
}

// NewRecorder creates and starts a recorder with the given queue depth
func NewRecorder(repo *repos.TimeSeriesRepo, queueSize int, log *logger.Logger) *Recorder {
	if queueSize < 1 {
		queueSize = 1
	}

	r := &Recorder{
		repo:   repo,
		queue:  make(chan contracts.Fill, queueSize),
		stop:   make(chan struct{}),
		logger: log,
	}

	r.wg.Add(1)
	go r.run()

	return r
}

// OnFill enqueues a fill for persistence. Non-blocking; a saturated
// queue costs a record, not trading throughput.
func (r *Recorder) OnFill(fill contracts.Fill) {
	select {
	case r.queue <- fill:
	default:
		r.logger.WithField("fill_id", fill.FillID).Warn("Recorder queue full, dropping fill record")
	}
}

// Close stops the flush goroutine after draining queued fills
func (r *Recorder) Close() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	for {
		select {
		case fill := <-r.queue:
			r.flush(fill)
		case <-r.stop:
			for {
				select {
				case fill := <-r.queue:
					r.flush(fill)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) flush(fill contracts.Fill) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.repo.SaveFill(ctx, &fill); err != nil {
		r.logger.WithFields(map[string]interface{}{
			"fill_id": fill.FillID,
			"error":   err,
		}).Warn("Failed to persist fill")
	}
}
