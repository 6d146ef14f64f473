// Package reconciler drives kernel state towards the stored resources.
//
// Keys enter a rate-limited work queue from store events and from a periodic
// resync sweep. The queue never hands the same key to two workers at once,
// and a per-key lock serialises direct Reconcile calls as well, so each
// resource has at most one reconciliation in flight.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/moby/locker"
	"github.com/sirupsen/logrus"
	"k8s.io/client-go/util/workqueue"

	"github.com/jbweber/homelab/vmnetd/internal/domain"
	"github.com/jbweber/homelab/vmnetd/internal/logging"
	"github.com/jbweber/homelab/vmnetd/internal/metrics"
	"github.com/jbweber/homelab/vmnetd/internal/network"
	"github.com/jbweber/homelab/vmnetd/internal/store"
)

// Store is the part of the resource store the reconciler uses
type Store interface {
	Get(ctx context.Context, kind, name string) (domain.Resource, bool, error)
	List(ctx context.Context, kind string) ([]domain.Resource, error)
	UpdateStatus(ctx context.Context, kind, name string, status domain.Status) error
	Remove(ctx context.Context, kind, name string) error
	CountActiveAttachments(ctx context.Context, bridgeName string) (int, error)
}

// Strategy converges one kind of resource
type Strategy interface {
	// Kind is the resource kind the strategy handles
	Kind() string
	// Converge drives kernel state to the spec and returns the status to
	// record. It must call p.Mutating before the first state-changing call
	// and p.Check after each one.
	Converge(ctx context.Context, res domain.Resource, p Progress) (domain.Status, error)
	// Finalize tears down kernel state of a resource pending deletion.
	Finalize(ctx context.Context, res domain.Resource) error
}

// Progress lets a strategy report that it is about to mutate and learn
// whether it should stop.
type Progress interface {
	Mutating(ctx context.Context) error
	Check(ctx context.Context) error
}

// errDeletionPending aborts convergence so the deletion can proceed.
var errDeletionPending = errors.New("deletion requested during convergence")

// StepError records which convergence step failed
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Options tune the controller
type Options struct {
	Workers        int
	ResyncInterval time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		Workers:        2,
		ResyncInterval: 30 * time.Second,
		BackoffBase:    time.Second,
		BackoffMax:     30 * time.Second,
	}
}

// Controller owns the work queue and the per-kind strategies.
type Controller struct {
	store      Store
	strategies map[string]Strategy
	queue      workqueue.RateLimitingInterface
	locks      *locker.Locker
	log        *logrus.Entry
	opts       Options

	wg sync.WaitGroup
}

// New creates a controller for the given strategies
func New(st Store, log *logrus.Entry, opts Options, strategies ...Strategy) *Controller {
	c := &Controller{
		store:      st,
		strategies: map[string]Strategy{},
		queue: workqueue.NewRateLimitingQueueWithConfig(
			newJitterBackoff(opts.BackoffBase, opts.BackoffMax),
			workqueue.RateLimitingQueueConfig{Name: "reconciler"},
		),
		locks: locker.New(),
		log:   log.WithField("component", "reconciler"),
		opts:  opts,
	}
	for _, s := range strategies {
		c.strategies[s.Kind()] = s
	}
	return c
}

// HandleEvent enqueues the resource an event refers to. Status events are
// the controller's own writes and are ignored.
func (c *Controller) HandleEvent(ev store.Event) {
	switch ev.Type {
	case store.EventStatus, store.EventAttached, store.EventDetached:
		return
	}
	c.Enqueue(ev.Key())
}

// Enqueue schedules a reconciliation of key
func (c *Controller) Enqueue(key domain.ResourceKey) {
	c.queue.Add(key)
}

// Run starts the workers and the resync sweep and blocks until ctx is
// done. In-flight reconciliations finish before Run returns.
func (c *Controller) Run(ctx context.Context) error {
	defer logging.Recover(c.log)

	c.log.WithFields(logrus.Fields{"workers": c.opts.Workers, "resync": c.opts.ResyncInterval}).Info("starting")

	// Everything stored is reconciled once on start so state survives restarts.
	c.resync(ctx)

	workers := c.opts.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer logging.Recover(c.log)
			for c.processNextWorkItem(ctx) {
			}
		}()
	}

	var ticker <-chan time.Time
	if c.opts.ResyncInterval > 0 {
		t := time.NewTicker(c.opts.ResyncInterval)
		defer t.Stop()
		ticker = t.C
	}

	for {
		select {
		case <-ctx.Done():
			c.queue.ShutDownWithDrain()
			c.wg.Wait()
			c.log.Info("stopped")
			return nil
		case <-ticker:
			c.resync(ctx)
		}
	}
}

func (c *Controller) resync(ctx context.Context) {
	for kind := range c.strategies {
		resources, err := c.store.List(ctx, kind)
		if err != nil {
			c.log.WithError(err).WithField("kind", kind).Error("resync list failed")
			continue
		}

		phases := map[domain.Phase]int{}
		for _, res := range resources {
			phases[res.Status.Phase]++
			c.Enqueue(res.Key())
		}
		for _, phase := range []domain.Phase{domain.PhasePending, domain.PhaseConverging, domain.PhaseReady, domain.PhaseError, domain.PhaseDeleting} {
			metrics.ResourcesTotal.WithLabelValues(kind, string(phase)).Set(float64(phases[phase]))
		}
	}
}

func (c *Controller) processNextWorkItem(ctx context.Context) bool {
	item, shutdown := c.queue.Get()
	if shutdown {
		return false
	}
	defer c.queue.Done(item)

	key := item.(domain.ResourceKey)
	err := c.Reconcile(ctx, key)
	if err == nil {
		c.queue.Forget(item)
		return true
	}

	if ctx.Err() != nil {
		return true
	}
	entry := c.log.WithError(err).WithFields(logrus.Fields{
		"key":      key.String(),
		"requeues": c.queue.NumRequeues(item),
	})
	if network.IsTransient(err) {
		entry.Debug("reconcile interrupted, retrying")
	} else {
		entry.Warn("reconcile failed, retrying")
	}
	c.queue.AddRateLimited(item)
	return true
}

// Reconcile converges one resource. A returned error means the attempt
// should be retried with backoff; the failure is already in the status.
func (c *Controller) Reconcile(ctx context.Context, key domain.ResourceKey) (err error) {
	id := key.String()
	c.locks.Lock(id)
	defer func() {
		if uerr := c.locks.Unlock(id); uerr != nil {
			c.log.WithError(uerr).WithField("key", id).Error("failed to unlock")
		}
	}()

	strategy, ok := c.strategies[key.Kind]
	if !ok {
		c.log.WithField("key", id).Debug("no strategy for kind, dropping")
		return nil
	}

	start := time.Now()
	defer func() { metrics.RecordReconcile(key.Kind, time.Since(start), err) }()

	res, found, err := c.store.Get(ctx, key.Kind, key.Name)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	log := c.log.WithField("key", id)
	if res.Deleting() {
		return c.finalize(ctx, log, strategy, res)
	}

	p := &progress{c: c, res: res}
	status, err := strategy.Converge(ctx, res, p)
	switch {
	case errors.Is(err, errDeletionPending):
		log.Info("deletion requested, stopping convergence")
		return c.finalizeLatest(ctx, log, strategy, key)
	case err != nil:
		if ctx.Err() != nil {
			return err
		}
		c.writeStatus(ctx, log, res, domain.Status{
			ObservedGeneration: res.Status.ObservedGeneration,
			Phase:              domain.PhaseError,
			Message:            err.Error(),
			LinkIndex:          res.Status.LinkIndex,
		})
		return err
	}

	if err := c.store.UpdateStatus(ctx, key.Kind, key.Name, status); err != nil {
		if errors.Is(err, store.ErrDeletionPending) {
			return c.finalizeLatest(ctx, log, strategy, key)
		}
		return fmt.Errorf("failed to record status: %w", err)
	}
	if res.Status.Phase != status.Phase {
		log.WithField("phase", status.Phase).Info("converged")
	}
	return nil
}

func (c *Controller) finalizeLatest(ctx context.Context, log *logrus.Entry, strategy Strategy, key domain.ResourceKey) error {
	res, found, err := c.store.Get(ctx, key.Kind, key.Name)
	if err != nil || !found {
		return err
	}
	return c.finalize(ctx, log, strategy, res)
}

func (c *Controller) finalize(ctx context.Context, log *logrus.Entry, strategy Strategy, res domain.Resource) error {
	if err := strategy.Finalize(ctx, res); err != nil {
		if ctx.Err() != nil {
			return err
		}
		c.writeStatus(ctx, log, res, domain.Status{
			ObservedGeneration: res.Status.ObservedGeneration,
			Phase:              domain.PhaseError,
			Message:            err.Error(),
			LinkIndex:          res.Status.LinkIndex,
		})
		return err
	}

	if err := c.store.Remove(ctx, res.Kind, res.Metadata.Name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to remove: %w", err)
	}
	log.Info("deleted")
	return nil
}

func (c *Controller) writeStatus(ctx context.Context, log *logrus.Entry, res domain.Resource, status domain.Status) {
	if err := c.store.UpdateStatus(ctx, res.Kind, res.Metadata.Name, status); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.WithError(err).Error("failed to record status")
	}
}

// progress is handed to a strategy for one reconciliation attempt.
type progress struct {
	c          *Controller
	res        domain.Resource
	converging bool
}

// Mutating records phase Converging once per attempt.
func (p *progress) Mutating(ctx context.Context) error {
	if p.converging {
		return nil
	}
	p.converging = true

	err := p.c.store.UpdateStatus(ctx, p.res.Kind, p.res.Metadata.Name, domain.Status{
		ObservedGeneration: p.res.Status.ObservedGeneration,
		Phase:              domain.PhaseConverging,
		LinkIndex:          p.res.Status.LinkIndex,
	})
	if errors.Is(err, store.ErrDeletionPending) {
		return errDeletionPending
	}
	return err
}

// Check re-reads the resource and stops convergence if deletion was
// requested or the resource vanished.
func (p *progress) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, found, err := p.c.store.Get(ctx, p.res.Kind, p.res.Metadata.Name)
	if err != nil {
		return err
	}
	if !found || res.Deleting() {
		return errDeletionPending
	}
	return nil
}
