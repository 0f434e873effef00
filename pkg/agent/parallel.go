package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/munshi-ai/munshi/pkg/config"
	"github.com/munshi-ai/munshi/pkg/contextbuilder"
	"github.com/munshi-ai/munshi/pkg/observability"
)

// Batch bounds violations.
var (
	ErrTooFewItems  = errors.New("too few items for parallel execution")
	ErrTooManyItems = errors.New("too many items for parallel execution")
)

// Per-item outcome statuses.
const (
	ItemCompleted   = "completed"
	ItemFailed      = "failed"
	ItemInterrupted = "interrupted"
	ItemDryRun      = "dry_run"
)

// WorkerFunc performs the batch operation on one item and returns its
// output.
type WorkerFunc func(ctx context.Context, item string) (string, error)

// BatchRequest describes one parallel execution.
type BatchRequest struct {
	// Operation is the per-item operation description.
	Operation string

	// Items are the item identifiers, usually SKUs.
	Items []string

	// DryRun reports what would run without executing anything.
	DryRun bool

	// Worker overrides the default per-item worker, which spawns a
	// fresh bash agent per item.
	Worker WorkerFunc

	// Policy knob overrides. Zero values fall back to configuration;
	// a negative MaxRetries disables retries entirely.
	Concurrency int
	Throttle    time.Duration
	MaxRetries  int
}

// ItemResult is the outcome for a single item. Results keep the input
// order regardless of completion order.
type ItemResult struct {
	Index    int    `json:"index"`
	Item     string `json:"item"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts,omitempty"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

// BatchResult is the outcome of a parallel execution.
type BatchResult struct {
	Operation   string
	DryRun      bool
	Items       []ItemResult
	Completed   int
	Failed      int
	Interrupted int
}

// CompletedItems returns the ids that finished, in input order.
func (r *BatchResult) CompletedItems() []string {
	var out []string
	for _, it := range r.Items {
		if it.Status == ItemCompleted {
			out = append(out, it.Item)
		}
	}
	return out
}

// FailedItems returns the ids that exhausted their retries.
func (r *BatchResult) FailedItems() []string {
	var out []string
	for _, it := range r.Items {
		if it.Status == ItemFailed {
			out = append(out, it.Item)
		}
	}
	return out
}

// Summary renders the batch outcome for the supervising model.
func (r *BatchResult) Summary() string {
	var b strings.Builder
	if r.DryRun {
		fmt.Fprintf(&b, "Dry run of %q over %d items; nothing was executed.\n", r.Operation, len(r.Items))
	} else {
		fmt.Fprintf(&b, "Ran %q over %d items: %d completed, %d failed", r.Operation, len(r.Items), r.Completed, r.Failed)
		if r.Interrupted > 0 {
			fmt.Fprintf(&b, ", %d interrupted", r.Interrupted)
		}
		b.WriteString(".\n")
	}
	for _, it := range r.Items {
		fmt.Fprintf(&b, "- %s: %s", it.Item, it.Status)
		if it.Attempts > 1 {
			fmt.Fprintf(&b, " (after %d attempts)", it.Attempts)
		}
		if it.Error != "" {
			fmt.Fprintf(&b, " - %s", firstLine(it.Error))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// ParallelExecutor works through a light-bulk batch of 10 to 50 items
// under a concurrency cap, pausing between item starts and retrying
// failed items a bounded number of times.
type ParallelExecutor struct {
	cfg       config.ParallelAgentConfig
	operation string
	items     []string
	dryRun    bool
	worker    WorkerFunc
	convID    int64
}

// NewParallelExecutor builds a batch executor for one request. Batches
// outside the configured bounds are rejected up front with
// ErrTooFewItems or ErrTooManyItems.
func (f *Factory) NewParallelExecutor(bundle *contextbuilder.Bundle, req BatchRequest, emit EmitFunc) (*ParallelExecutor, error) {
	if bundle == nil {
		return nil, fmt.Errorf("context bundle is required")
	}
	if strings.TrimSpace(req.Operation) == "" {
		return nil, fmt.Errorf("operation description is required")
	}

	cfg := f.cfg.Parallel
	if req.Concurrency > 0 {
		cfg.Concurrency = req.Concurrency
	}
	if req.Throttle > 0 {
		cfg.Throttle = req.Throttle
	}
	if req.MaxRetries > 0 {
		cfg.MaxRetries = req.MaxRetries
	} else if req.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("parallel executor: %w", err)
	}

	if len(req.Items) < cfg.MinItems {
		return nil, fmt.Errorf("%w: got %d, need at least %d", ErrTooFewItems, len(req.Items), cfg.MinItems)
	}
	if len(req.Items) > cfg.MaxItems {
		return nil, fmt.Errorf("%w: got %d, limit %d; delegate batches this large to the software engineering agent",
			ErrTooManyItems, len(req.Items), cfg.MaxItems)
	}

	worker := req.Worker
	if worker == nil {
		operation := req.Operation
		worker = func(ctx context.Context, item string) (string, error) {
			sub, err := f.NewBash(bundle, emit)
			if err != nil {
				return "", err
			}
			return sub.Run(ctx, fmt.Sprintf("Item: %s\n\nPerform this operation on the item above: %s", item, operation))
		}
	}

	return &ParallelExecutor{
		cfg:       cfg,
		operation: req.Operation,
		items:     append([]string(nil), req.Items...),
		dryRun:    req.DryRun,
		worker:    worker,
		convID:    bundle.ConversationID,
	}, nil
}

// Name returns the agent kind.
func (p *ParallelExecutor) Name() string { return KindParallelExecutor }

// Run executes the batch. Cancellation stops scheduling new items and
// lets in-flight ones finish their current attempt; items never started
// are reported as interrupted. The partial result is returned alongside
// the context error.
func (p *ParallelExecutor) Run(ctx context.Context) (*BatchResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, observability.SpanAgentRun,
		trace.WithAttributes(
			attribute.String(observability.AttrAgentKind, KindParallelExecutor),
			attribute.Int64(observability.AttrConversationID, p.convID),
			attribute.Int(observability.AttrBatchSize, len(p.items)),
		))
	defer span.End()

	results := make([]ItemResult, len(p.items))

	if p.dryRun {
		for i, item := range p.items {
			results[i] = ItemResult{
				Index:  i,
				Item:   item,
				Status: ItemDryRun,
				Output: fmt.Sprintf("dry run: would run %q", p.operation),
			}
		}
		return p.collect(results), nil
	}

	sem := semaphore.NewWeighted(int64(p.cfg.Concurrency))
	var g errgroup.Group

	for i, item := range p.items {
		if i > 0 {
			select {
			case <-time.After(p.cfg.Throttle):
			case <-ctx.Done():
			}
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(p.items); j++ {
				results[j] = ItemResult{Index: j, Item: p.items[j], Status: ItemInterrupted}
			}
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			results[i] = p.processItem(ctx, i, item)
			return nil
		})
	}

	_ = g.Wait()

	res := p.collect(results)
	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		return res, err
	}
	return res, nil
}

func (p *ParallelExecutor) processItem(ctx context.Context, index int, item string) ItemResult {
	res := ItemResult{Index: index, Item: item}
	attempts := p.cfg.MaxRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			res.Status = ItemInterrupted
			return res
		}
		res.Attempts = attempt

		output, err := p.worker(ctx, item)
		if err == nil {
			res.Status = ItemCompleted
			res.Output = output
			res.Error = ""
			return res
		}
		res.Error = err.Error()

		// A worker failure during shutdown is an interruption, not a
		// verdict on the item.
		if ctx.Err() != nil {
			res.Status = ItemInterrupted
			return res
		}
		if attempt < attempts {
			select {
			case <-time.After(p.cfg.Throttle):
			case <-ctx.Done():
				res.Status = ItemInterrupted
				return res
			}
		}
	}

	res.Status = ItemFailed
	return res
}

func (p *ParallelExecutor) collect(items []ItemResult) *BatchResult {
	res := &BatchResult{Operation: p.operation, DryRun: p.dryRun, Items: items}
	for _, it := range items {
		switch it.Status {
		case ItemCompleted, ItemDryRun:
			res.Completed++
		case ItemFailed:
			res.Failed++
		case ItemInterrupted:
			res.Interrupted++
		}
	}
	return res
}
