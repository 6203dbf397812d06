// Package daemon hosts the two background workers: the extraction daemon
// draining the task queue and the graph daemon building ready topics. Both
// poll the shared store; coordination between instances happens through
// atomic task claims and topic leases, never in memory.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/stratum-kg/stratum/pkg/ai"
	"github.com/stratum-kg/stratum/pkg/common"
	"github.com/stratum-kg/stratum/pkg/extract"
	"github.com/stratum-kg/stratum/pkg/logger"
	"github.com/stratum-kg/stratum/pkg/store"
)

const (
	defaultExtractionInterval = 30 * time.Second
	defaultExtractionBatch    = 10
)

// MetricsSource is the slice of the AI client the daemons read token usage
// from. Usage is reset after each report, so one log line covers one unit
// of work.
type MetricsSource interface {
	GetMetrics() ai.ModelMetrics
	ResetMetrics()
}

func logModelMetrics(msg string, src MetricsSource, kv ...any) {
	m := src.GetMetrics()
	src.ResetMetrics()
	if m.TotalTokens == 0 && m.DurationMs == 0 {
		return
	}
	d := time.Duration(m.DurationMs) * time.Millisecond
	kv = append(kv,
		"input_tokens", m.InputTokens,
		"output_tokens", m.OutputTokens,
		"total_tokens", m.TotalTokens,
		"duration", fmt.Sprintf("%02d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60),
	)
	logger.Info(msg, kv...)
}

// Extraction polls for pending tasks, claims them and runs the extractor.
// A task error marks the task failed with its message; the daemon never
// crashes on one task and never retries a failed task by itself.
type Extraction struct {
	store     store.Store
	extractor *extract.Extractor
	interval  time.Duration
	batch     int
	metrics   MetricsSource
}

type ExtractionParams struct {
	Store     store.Store
	Extractor *extract.Extractor
	// Interval between poll cycles. Defaults to 30s.
	Interval time.Duration
	// Batch caps how many pending tasks one cycle processes. Defaults
	// to 10.
	Batch int
	// Metrics, when set, is the AI client whose token usage is logged
	// after each cycle.
	Metrics MetricsSource
}

func NewExtraction(params ExtractionParams) *Extraction {
	d := &Extraction{
		store:     params.Store,
		extractor: params.Extractor,
		interval:  params.Interval,
		batch:     params.Batch,
		metrics:   params.Metrics,
	}
	if d.interval <= 0 {
		d.interval = defaultExtractionInterval
	}
	if d.batch <= 0 {
		d.batch = defaultExtractionBatch
	}
	return d
}

// Run polls until the context is canceled. Shutdown happens between tasks,
// never in the middle of one.
func (d *Extraction) Run(ctx context.Context) {
	logger.Info("[ExtractionDaemon] Started", "interval", d.interval, "batch", d.batch)

	t := time.NewTicker(d.interval)
	defer t.Stop()

	d.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("[ExtractionDaemon] Stopped")
			return
		case <-t.C:
			d.RunCycle(ctx)
		}
	}
}

// RunCycle processes one poll cycle. Exposed so a caller can drive cycles
// explicitly, e.g. in tests or a run-once CLI mode.
func (d *Extraction) RunCycle(ctx context.Context) {
	tasks, err := d.store.PendingTasks(ctx, d.batch)
	if err != nil {
		logger.Error("[ExtractionDaemon] Poll failed", "err", err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	logger.Debug("[ExtractionDaemon] Poll", "pending", len(tasks))
	for _, task := range tasks {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.processTask(ctx, task)
	}
	if d.metrics != nil {
		logModelMetrics("[ExtractionDaemon] AI metrics", d.metrics, "tasks", len(tasks))
	}
}

func (d *Extraction) processTask(ctx context.Context, task *common.GraphBuildTask) {
	claimed, err := d.store.ClaimTask(ctx, task.ID)
	if err != nil {
		logger.Error("[ExtractionDaemon] Claim failed", "task", task.ID, "err", err)
		return
	}
	if !claimed {
		// Another instance won the task.
		return
	}

	// A claimed task runs to completion or natural failure. Detaching from
	// the daemon context keeps a shutdown from aborting the extraction and,
	// worse, from aborting the FailTask write that would strand the task in
	// processing forever.
	ctx = context.WithoutCancel(ctx)

	if _, err := d.extractor.Extract(ctx, task); err != nil {
		logger.Error("[ExtractionDaemon] Extraction failed", "task", task.ID, "topic", task.TopicName, "err", err)
		if ferr := d.store.FailTask(ctx, task.ID, err.Error()); ferr != nil {
			logger.Error("[ExtractionDaemon] Could not mark task failed", "task", task.ID, "err", ferr)
		}
		return
	}

	if err := d.store.CompleteTask(ctx, task.ID); err != nil {
		logger.Error("[ExtractionDaemon] Could not mark task completed", "task", task.ID, "err", err)
		return
	}
	logger.Info("[ExtractionDaemon] Task completed", "task", task.ID, "topic", task.TopicName)
}
