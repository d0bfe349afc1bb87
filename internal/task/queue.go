package task

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Queue runs operations with bounded concurrency. A limit of 1 runs them in
// the order they were added. One failing operation does not stop the others.
type Queue struct {
	ctx context.Context
	g   errgroup.Group

	mu      sync.Mutex
	ops     []*Operation
	results []Result
}

// NewQueue returns a queue running at most limit operations at once.
// A limit below 1 means no limit.
func NewQueue(ctx context.Context, limit int) *Queue {
	q := &Queue{ctx: ctx}
	if limit > 0 {
		q.g.SetLimit(limit)
	}
	return q
}

// Add schedules op. It blocks while the queue is at its limit.
func (q *Queue) Add(op *Operation) {
	q.mu.Lock()
	q.ops = append(q.ops, op)
	q.mu.Unlock()
	q.g.Go(func() error {
		res := op.Run(q.ctx)
		q.mu.Lock()
		q.results = append(q.results, res)
		q.mu.Unlock()
		return nil
	})
}

// CancelAll cancels every operation added so far.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	ops := append([]*Operation(nil), q.ops...)
	q.mu.Unlock()
	for _, op := range ops {
		op.Cancel()
	}
}

// Wait blocks until every added operation finished. It returns the results in
// completion order and the joined errors of the operations that failed.
func (q *Queue) Wait() ([]Result, error) {
	_ = q.g.Wait()
	q.mu.Lock()
	defer q.mu.Unlock()
	results := append([]Result(nil), q.results...)
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return results, errors.Join(errs...)
}
