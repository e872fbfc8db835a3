package load

import (
	"context"
	"sync"

	"github.com/bcgsc/pori/internal/normalize"
	"github.com/bcgsc/pori/internal/resolve"
)

// MaxWorkers bounds the worker pool so rate-limited services are not flooded.
const MaxWorkers = 100

// WorkItem holds one source variant ready for processing.
type WorkItem struct {
	Seq   int
	Raw   normalize.RawVariant
	Extra any // caller-specific data (e.g. the source row)
}

// WorkResult holds the outcome for a single source variant.
type WorkResult struct {
	Seq      int
	Raw      normalize.RawVariant
	Variants []*normalize.Variant
	Resolved []resolve.Resolved
	Err      error
	Extra    any
}

// parallelProcess runs process over items using a pool of workers.
// Results are sent to the returned channel in arrival order (not sequence
// order). Use OrderedCollect to consume results in sequence-number order.
func parallelProcess(ctx context.Context, items <-chan WorkItem, workers int, process func(context.Context, WorkItem) WorkResult) <-chan WorkResult {
	workers = max(1, min(workers, MaxWorkers))
	results := make(chan WorkResult, 2*workers)

	var wg sync.WaitGroup
	wg.Add(workers)

	for range workers {
		go func() {
			defer wg.Done()
			for item := range items {
				if err := ctx.Err(); err != nil {
					results <- WorkResult{Seq: item.Seq, Raw: item.Raw, Err: err, Extra: item.Extra}
					continue
				}
				results <- process(ctx, item)
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

// OrderedCollect calls fn for each result in sequence-number order.
// It buffers out-of-order results in a pending map and emits them
// as soon as the next expected sequence number is available.
// Blocks until the results channel is closed.
func OrderedCollect(results <-chan WorkResult, fn func(WorkResult) error) error {
	pending := make(map[int]WorkResult)
	nextSeq := 0

	for r := range results {
		pending[r.Seq] = r

		for {
			rr, ok := pending[nextSeq]
			if !ok {
				break
			}
			delete(pending, nextSeq)
			nextSeq++
			if err := fn(rr); err != nil {
				// Drain remaining results to unblock workers.
				for range results {
				}
				return err
			}
		}
	}

	return nil
}
