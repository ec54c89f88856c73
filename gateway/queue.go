package gateway

import (
	"context"
	"sync"

	"github.com/vitwit/hypernet/types"
)

// activationQueue runs proxy activations one at a time. Gateway connector
// handshakes cannot be multiplexed, so every activation, including retries
// and new authorizations, goes through the same worker.
//
// A task must not submit another task: the worker would wait on itself.
type activationQueue struct {
	jobs chan *activationJob
	done chan struct{}
	once sync.Once
}

type activationJob struct {
	ctx    context.Context
	fn     func(ctx context.Context) error
	result chan error
}

func newActivationQueue() *activationQueue {
	q := &activationQueue{
		jobs: make(chan *activationJob),
		done: make(chan struct{}),
	}
	go q.worker()
	return q
}

func (q *activationQueue) worker() {
	for {
		select {
		case <-q.done:
			return
		case job := <-q.jobs:
			if err := job.ctx.Err(); err != nil {
				job.result <- err
				continue
			}
			job.result <- job.fn(job.ctx)
		}
	}
}

// Do waits for the worker, runs fn on it and returns fn's error.
func (q *activationQueue) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	job := &activationJob{ctx: ctx, fn: fn, result: make(chan error, 1)}

	select {
	case <-q.done:
		return types.NewError(types.CodeGatewayConnector, "activation queue closed", nil)
	default:
	}

	select {
	case q.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return types.NewError(types.CodeGatewayConnector, "activation queue closed", nil)
	}

	// once accepted the job always reports back
	return <-job.result
}

func (q *activationQueue) Close() {
	q.once.Do(func() { close(q.done) })
}
