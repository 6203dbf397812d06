package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/stratum-kg/stratum/pkg/graph"
	"github.com/stratum-kg/stratum/pkg/leaselock"
	"github.com/stratum-kg/stratum/pkg/logger"
	"github.com/stratum-kg/stratum/pkg/store"
)

const (
	defaultGraphInterval = 2 * time.Minute
	defaultGraphWorkers  = 5
	defaultLeaseTTL      = 15 * time.Minute
)

// Graph polls for topics ready for graph construction and dispatches them
// to a bounded worker pool, one builder invocation per topic-batch. A
// worker failure leaves the topic's sources unmapped, so the topic is
// retried on the next cycle.
type Graph struct {
	store    store.Store
	builder  *graph.Builder
	interval time.Duration
	pool     *ants.Pool
	leases   *leaselock.Locker
	leaseTTL time.Duration
	metrics  MetricsSource

	mu       sync.Mutex
	inFlight map[string]bool
	wg       sync.WaitGroup
}

type GraphParams struct {
	Store   store.Store
	Builder *graph.Builder
	// Interval between poll cycles. Defaults to 2m.
	Interval time.Duration
	// Workers bounds concurrent topic builds. Defaults to 5.
	Workers int
	// Leases, when set, serializes topic builds across daemon instances.
	// A single-instance deployment can leave it nil; the in-process
	// in-flight set is enough there.
	Leases   *leaselock.Locker
	LeaseTTL time.Duration
	// Metrics, when set, is the AI client whose token usage is logged
	// after each topic build.
	Metrics MetricsSource
}

func NewGraph(params GraphParams) (*Graph, error) {
	workers := params.Workers
	if workers <= 0 {
		workers = defaultGraphWorkers
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, err
	}

	d := &Graph{
		store:    params.Store,
		builder:  params.Builder,
		interval: params.Interval,
		pool:     pool,
		leases:   params.Leases,
		leaseTTL: params.LeaseTTL,
		metrics:  params.Metrics,
		inFlight: make(map[string]bool),
	}
	if d.interval <= 0 {
		d.interval = defaultGraphInterval
	}
	if d.leaseTTL <= 0 {
		d.leaseTTL = defaultLeaseTTL
	}
	return d, nil
}

// Run polls until the context is canceled, then waits for running builds
// and releases the pool.
func (d *Graph) Run(ctx context.Context) {
	logger.Info("[GraphDaemon] Started", "interval", d.interval, "workers", d.pool.Cap())

	t := time.NewTicker(d.interval)
	defer t.Stop()

	d.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			d.pool.Release()
			logger.Info("[GraphDaemon] Stopped")
			return
		case <-t.C:
			d.RunCycle(ctx)
		}
	}
}

// RunCycle scans for ready topics and dispatches each to the pool. Topics
// already being built by this instance are skipped; disjointness across
// instances comes from the topic lease when configured.
func (d *Graph) RunCycle(ctx context.Context) {
	topics, err := d.readyTopics(ctx)
	if err != nil {
		logger.Error("[GraphDaemon] Poll failed", "err", err)
		return
	}
	if len(topics) == 0 {
		return
	}

	logger.Debug("[GraphDaemon] Poll", "ready_topics", len(topics))
	for _, topic := range topics {
		d.mu.Lock()
		if d.inFlight[topic] {
			d.mu.Unlock()
			continue
		}
		d.inFlight[topic] = true
		d.mu.Unlock()

		t := topic
		d.wg.Add(1)
		err := d.pool.Submit(func() {
			defer d.wg.Done()
			defer func() {
				d.mu.Lock()
				delete(d.inFlight, t)
				d.mu.Unlock()
			}()
			d.buildTopic(ctx, t)
		})
		if err != nil {
			d.wg.Done()
			d.mu.Lock()
			delete(d.inFlight, t)
			d.mu.Unlock()
			logger.Error("[GraphDaemon] Submit failed", "topic", t, "err", err)
		}
	}
}

// Wait blocks until all builds dispatched so far have finished.
func (d *Graph) Wait() {
	d.wg.Wait()
}

// readyTopics returns topics that have unmapped sources and no extraction
// task still pending or processing.
func (d *Graph) readyTopics(ctx context.Context) ([]string, error) {
	candidates, err := d.store.TopicsWithUnmappedSources(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(candidates))
	for _, topic := range candidates {
		statuses, err := d.store.TopicStatuses(ctx, topic)
		if err != nil {
			return nil, err
		}
		ready := true
		for _, ts := range statuses {
			if ts.Pending > 0 || ts.Processing > 0 {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, topic)
		}
	}
	return out, nil
}

func (d *Graph) buildTopic(ctx context.Context, topicName string) {
	// A dispatched build runs to completion or natural failure; shutdown is
	// observed between cycles, and Run waits for in-flight builds.
	ctx = context.WithoutCancel(ctx)

	if d.leases == nil {
		d.buildAndEnhance(ctx, topicName)
		return
	}

	err := d.leases.WithTopicLease(ctx, topicName, leaselock.Options{TTL: d.leaseTTL}, func(ctx context.Context) error {
		d.buildAndEnhance(ctx, topicName)
		return nil
	})
	if errors.Is(err, leaselock.ErrBusy) {
		logger.Debug("[GraphDaemon] Topic leased by another instance", "topic", topicName)
		return
	}
	if err != nil {
		logger.Error("[GraphDaemon] Lease failed", "topic", topicName, "err", err)
	}
}

func (d *Graph) buildAndEnhance(ctx context.Context, topicName string) {
	if d.metrics != nil {
		defer logModelMetrics("[GraphDaemon] AI metrics", d.metrics, "topic", topicName)
	}

	report, err := d.builder.Build(ctx, topicName)
	if err != nil {
		// Sources stay unmapped; the next cycle retries the topic.
		logger.Error("[GraphDaemon] Build failed", "topic", topicName, "err", err)
		return
	}
	if report.SourcesProcessed == 0 {
		return
	}

	// Enhancement failure never rolls back the build.
	if _, err := d.builder.Enhance(ctx, topicName); err != nil {
		logger.Warn("[GraphDaemon] Enhancement failed", "topic", topicName, "err", err)
	}
}
