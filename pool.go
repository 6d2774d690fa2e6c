package proofdb

import "context"

import "golang.org/x/sync/errgroup"

// Runner is a poll loop which stops when its context is done
type Runner interface {
	Run(ctx context.Context) error
}

// WorkerPool runs a set of poll loops until the context is cancelled or one of them fails
type WorkerPool struct {
	runners []Runner
}

func NewWorkerPool(runners ...Runner) *WorkerPool {
	return &WorkerPool{runners: runners}
}

func (p *WorkerPool) Add(r Runner) {
	p.runners = append(p.runners, r)
}

func (p *WorkerPool) Len() int {
	return len(p.runners)
}

// Run blocks until every loop returned
func (p *WorkerPool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range p.runners {
		r := r
		g.Go(func() error {
			return r.Run(ctx)
		})
	}
	return g.Wait()
}
