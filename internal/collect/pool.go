package collect

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/BadgerOps/rcollect/internal/target"
)

// Collector collects from one target. *Driver satisfies it.
type Collector interface {
	Collect(ctx context.Context, id target.Identity) Summary
}

// Pool fans collection out across targets using a worker pool.
type Pool struct {
	collector Collector
	workers   int
	logger    *slog.Logger
}

// NewPool creates a pool with the specified number of worker goroutines.
func NewPool(collector Collector, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		collector: collector,
		workers:   workers,
		logger:    logger,
	}
}

// Execute collects from every target and waits for all to complete. The
// returned summaries keep the order of targets. Targets not started before
// ctx is cancelled are reported with the context error.
func (p *Pool) Execute(ctx context.Context, targets []target.Identity) []Summary {
	if len(targets) == 0 {
		return []Summary{}
	}

	jobsChan := make(chan targetWithIndex, len(targets))
	resultsChan := make(chan Summary, len(targets))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go p.worker(ctx, jobsChan, resultsChan, &wg)
	}

	for i, id := range targets {
		jobsChan <- targetWithIndex{id: id, index: i}
	}
	close(jobsChan)

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	results := make([]Summary, 0, len(targets))
	for result := range resultsChan {
		results = append(results, result)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].index < results[j].index
	})
	return results
}

// targetWithIndex pairs a target with its original index for ordering
// results.
type targetWithIndex struct {
	id    target.Identity
	index int
}

func (p *Pool) worker(ctx context.Context, jobsChan <-chan targetWithIndex, resultsChan chan<- Summary, wg *sync.WaitGroup) {
	defer wg.Done()

	for job := range jobsChan {
		if err := ctx.Err(); err != nil {
			resultsChan <- Summary{Target: job.id, Err: err, index: job.index}
			continue
		}

		summary := p.collector.Collect(ctx, job.id)
		summary.index = job.index
		if summary.Err != nil {
			p.logger.Error("target finished with errors", "target", job.id.Address, "collected", summary.Collected, "failed", summary.Failed, "error", summary.Err)
		} else {
			p.logger.Info("target finished", "target", job.id.Address, "collected", summary.Collected)
		}
		resultsChan <- summary
	}
}
