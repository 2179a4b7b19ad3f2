package reconciler

import (
	"context"
	"sync"
	"time"

	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"

	"github.com/yairfalse/anchor/internal/telemetry"
	"github.com/yairfalse/anchor/pkg/fault"
	"github.com/yairfalse/anchor/pkg/resource"
)

const defaultMaxRetries = 10

// Attempter runs one convergence attempt.
type Attempter interface {
	Attempt(ctx context.Context, ev resource.Event) Result
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	// Workers is the number of names converged in parallel.
	Workers int
	// MaxRetries bounds rate-limited retries of a failing name. The next
	// sweep picks it up again.
	MaxRetries int
	// RateLimiter paces retries. Defaults to the client-go controller limiter.
	RateLimiter workqueue.TypedRateLimiter[resource.Name]
	// Tombstones is told when a delete is submitted. Without it deletions
	// are never confirmed and stale deletes are not detected.
	Tombstones Tombstones
	Metrics    *Metrics
}

type pendingEvent struct {
	event resource.Event
	sweep bool
}

// Controller schedules attempts. The queue never hands a name to two
// workers at once; events that arrive for a name in flight are coalesced
// and run after it finishes.
type Controller struct {
	attempter  Attempter
	queue      workqueue.TypedRateLimitingInterface[resource.Name]
	workers    int
	maxRetries int
	tombstones Tombstones
	metrics    *Metrics
	logger     *telemetry.Logger

	mu      sync.Mutex
	pending map[resource.Name]pendingEvent
}

// NewController creates a controller around attempter.
func NewController(attempter Attempter, cfg ControllerConfig) *Controller {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = workqueue.DefaultTypedControllerRateLimiter[resource.Name]()
	}

	return &Controller{
		attempter: attempter,
		queue: workqueue.NewTypedRateLimitingQueueWithConfig(
			limiter,
			workqueue.TypedRateLimitingQueueConfig[resource.Name]{Name: "anchor"},
		),
		workers:    workers,
		maxRetries: maxRetries,
		tombstones: cfg.Tombstones,
		metrics:    cfg.Metrics,
		logger:     telemetry.NewLogger("controller"),
		pending:    make(map[resource.Name]pendingEvent),
	}
}

// Enqueue schedules an attempt for a user-originated event. It replaces any
// pending event for the same name.
func (c *Controller) Enqueue(ev resource.Event) {
	name := ev.Resource.Name()
	c.mu.Lock()
	c.pending[name] = pendingEvent{event: ev}
	c.mu.Unlock()
	c.queue.Add(name)
}

// EnqueueSweep schedules an UPDATE attempt for r. It never replaces a
// pending user event.
func (c *Controller) EnqueueSweep(r resource.Resource) {
	c.enqueueSweep(resource.NewEvent(resource.EventUpdate, r))
}

// EnqueueSweepDelete schedules a DELETE attempt for the last state of a
// deleted resource. It never replaces a pending user event.
func (c *Controller) EnqueueSweepDelete(r resource.Resource) {
	c.enqueueSweep(resource.NewEvent(resource.EventDelete, r))
}

func (c *Controller) enqueueSweep(ev resource.Event) {
	name := ev.Resource.Name()
	c.mu.Lock()
	if p, ok := c.pending[name]; ok && !p.sweep {
		c.mu.Unlock()
		c.queue.Add(name)
		return
	}
	c.pending[name] = pendingEvent{event: ev, sweep: true}
	c.mu.Unlock()
	c.queue.Add(name)
}

// Len returns the number of names waiting for a worker.
func (c *Controller) Len() int {
	return c.queue.Len()
}

// Run starts the workers and blocks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	defer utilruntime.HandleCrash()

	c.logger.Info().Int("workers", c.workers).Msg("starting controller")

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wait.UntilWithContext(ctx, c.runWorker, time.Second)
		}()
	}

	<-ctx.Done()
	c.logger.Info().Msg("shutting down controller")
	c.queue.ShutDown()
	wg.Wait()
	return nil
}

func (c *Controller) runWorker(ctx context.Context) {
	for c.processNext(ctx) {
	}
}

func (c *Controller) processNext(ctx context.Context) bool {
	name, shutdown := c.queue.Get()
	if shutdown {
		return false
	}
	defer c.queue.Done(name)

	c.mu.Lock()
	p, ok := c.pending[name]
	delete(c.pending, name)
	c.mu.Unlock()
	if !ok {
		c.queue.Forget(name)
		return true
	}

	deleting := p.event.Type == resource.EventDelete
	version := p.event.Resource.Metadata.ResourceVersion

	// A delete is stale once the deletion is settled or the name was
	// written again.
	if deleting && c.tombstones != nil && !c.tombstones.DeletePending(name, version) {
		c.queue.Forget(name)
		return true
	}

	res := c.attempter.Attempt(ctx, p.event)
	c.metrics.RecordQueueDepth(ctx, c.queue.Len())

	if deleting && (res.Outcome == OutcomeSubmitted || fault.IsInvalid(res.Err)) {
		c.confirmDelete(name, version)
	}

	if res.Outcome != OutcomeFailed || fault.IsInvalid(res.Err) {
		c.queue.Forget(name)
		return true
	}

	if c.queue.NumRequeues(name) >= c.maxRetries {
		c.logger.Warn().
			Str("resource", name.String()).
			Int("retries", c.maxRetries).
			Msg("giving up until next sweep")
		c.queue.Forget(name)
		return true
	}

	c.mu.Lock()
	if _, newer := c.pending[name]; !newer {
		c.pending[name] = p
	}
	c.mu.Unlock()
	c.queue.AddRateLimited(name)
	return true
}

func (c *Controller) confirmDelete(name resource.Name, version int64) {
	if c.tombstones == nil {
		return
	}
	if err := c.tombstones.ConfirmDelete(name, version); err != nil {
		c.logger.Warn().
			Err(err).
			Str("resource", name.String()).
			Msg("failed to confirm delete; the next sweep retries it")
	}
}
