package dispatch

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Runner supervises background dispatch work started after the webhook has
// already been acknowledged. Tasks are tracked so shutdown can wait for them
// and panics are recovered and logged instead of killing the process. Tasks
// carry no cancellation: a stalled attempt simply leaves its log unprocessed
// for the reprocessing pass.
type Runner struct {
	wg sync.WaitGroup
}

func NewRunner() *Runner {
	return &Runner{}
}

// Go runs fn in the background under supervision. name identifies the task
// in logs.
func (r *Runner) Go(name string, fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				logrus.Errorf("Background task %s panicked: %v", name, rec)
			}
		}()
		fn(context.Background())
	}()
}

// Wait blocks until every supervised task has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}
