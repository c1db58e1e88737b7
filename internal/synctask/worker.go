package synctask

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/frahmantamala/expert-payments/internal/alert"
)

// Runner executes one task. A nil error marks the task done.
type Runner func(ctx context.Context, t Task) error

type Config struct {
	MaxWorkers   int
	BatchSize    int
	PollInterval time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
	// LeaseDuration bounds how long a task stays invisible to other pollers while it runs.
	LeaseDuration time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 5 * time.Second
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 5 * time.Minute
	}
}

type poolWorker struct {
	id         int
	workerPool chan chan Task
	jobChannel chan Task
	logger     *slog.Logger
}

func (w *poolWorker) start(ctx context.Context, wg *sync.WaitGroup, process func(context.Context, Task)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case w.workerPool <- w.jobChannel:
			case <-ctx.Done():
				w.logger.Debug("sync worker shutting down", "worker_id", w.id)
				return
			}

			select {
			case t := <-w.jobChannel:
				w.logger.Debug("sync worker processing task", "worker_id", w.id, "task_id", t.ID, "kind", t.Kind)
				process(ctx, t)
			case <-ctx.Done():
				w.logger.Debug("sync worker shutting down", "worker_id", w.id)
				return
			}
		}
	}()
}

// Worker polls the queue and fans due tasks out to a fixed pool of goroutines.
type Worker struct {
	queue  Queue
	run    Runner
	alerts alert.Alerter
	logger *slog.Logger
	cfg    Config
	now    func() time.Time

	jobQueue   chan Task
	workerPool chan chan Task
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	once       sync.Once
}

func NewWorker(queue Queue, run Runner, alerts alert.Alerter, cfg Config, logger *slog.Logger) *Worker {
	cfg.setDefaults()
	return &Worker{
		queue:      queue,
		run:        run,
		alerts:     alerts,
		logger:     logger,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		jobQueue:   make(chan Task, cfg.BatchSize),
		workerPool: make(chan chan Task, cfg.MaxWorkers),
	}
}

// Start launches the pool, the dispatcher and the poll loop. It returns immediately.
func (w *Worker) Start(parent context.Context) {
	w.once.Do(func() {
		ctx, cancel := context.WithCancel(parent)
		w.cancel = cancel

		for i := 0; i < w.cfg.MaxWorkers; i++ {
			pw := &poolWorker{id: i, workerPool: w.workerPool, jobChannel: make(chan Task), logger: w.logger}
			pw.start(ctx, &w.wg, w.process)
		}

		w.wg.Add(2)
		go w.dispatch(ctx)
		go w.pollLoop(ctx)

		w.logger.Info("sync task worker pool started",
			"max_workers", w.cfg.MaxWorkers,
			"poll_interval", w.cfg.PollInterval.String())
	})
}

func (w *Worker) Shutdown() {
	w.logger.Info("shutting down sync task worker")
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("sync task worker shutdown complete")
}

func (w *Worker) dispatch(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case t := <-w.jobQueue:
			select {
			case jobChannel := <-w.workerPool:
				select {
				case jobChannel <- t:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			w.logger.Info("sync task dispatcher shutting down")
			return
		}
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := w.enqueueDue(ctx); err != nil {
			w.logger.Error("failed to poll sync tasks", "error", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) enqueueDue(ctx context.Context) error {
	leased, err := w.lease(ctx)
	if err != nil {
		return err
	}
	for _, t := range leased {
		select {
		case w.jobQueue <- t:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func (w *Worker) lease(ctx context.Context) ([]Task, error) {
	now := w.now()
	due, err := w.queue.Due(ctx, now, w.cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	leased := make([]Task, 0, len(due))
	for _, t := range due {
		ok, err := w.queue.Lease(ctx, t.ID, now, now.Add(w.cfg.LeaseDuration))
		if err != nil {
			w.logger.Warn("failed to lease sync task", "task_id", t.ID, "error", err)
			continue
		}
		if ok {
			leased = append(leased, t)
		}
	}
	return leased, nil
}

// ProcessDue runs every currently due task inline and returns how many were attempted.
func (w *Worker) ProcessDue(ctx context.Context) (int, error) {
	leased, err := w.lease(ctx)
	if err != nil {
		return 0, err
	}
	for _, t := range leased {
		w.process(ctx, t)
	}
	return len(leased), nil
}

func (w *Worker) process(ctx context.Context, t Task) {
	runErr := w.run(ctx, t)
	if runErr == nil {
		if err := w.queue.MarkDone(ctx, t.ID); err != nil {
			w.logger.Error("failed to mark sync task done", "task_id", t.ID, "error", err)
		}
		w.logger.Info("sync task completed", "task_id", t.ID, "kind", t.Kind, "attempts", t.Attempts+1)
		return
	}

	attempts := t.Attempts + 1
	if attempts >= w.cfg.MaxAttempts {
		if err := w.queue.MarkDead(ctx, t.ID, attempts, runErr.Error()); err != nil {
			w.logger.Error("failed to mark sync task dead", "task_id", t.ID, "error", err)
		}
		w.alerts.Alert(ctx, alert.Alert{
			Kind:      alert.KindTaskDead,
			PaymentID: derefID(t.PaymentID),
			Message:   fmt.Sprintf("%s task %s exhausted %d attempts: %v", t.Kind, t.DedupeKey, attempts, runErr),
			RaisedAt:  w.now(),
		})
		return
	}

	next := w.now().Add(Backoff(w.cfg.BaseBackoff, attempts))
	if err := w.queue.MarkRetry(ctx, t.ID, attempts, next, runErr.Error()); err != nil {
		w.logger.Error("failed to reschedule sync task", "task_id", t.ID, "error", err)
	}
	w.logger.Warn("sync task failed, rescheduled",
		"task_id", t.ID,
		"kind", t.Kind,
		"attempts", attempts,
		"next_attempt_at", next,
		"error", runErr)
}

// Backoff is the exponential delay before the given attempt, capped at one hour.
func Backoff(base time.Duration, attempt int) time.Duration {
	b := retry.WithCappedDuration(time.Hour, retry.NewExponential(base))
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d, _ = b.Next()
	}
	return d
}

func derefID(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}
