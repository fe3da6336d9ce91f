// Package workerpool builds and owns the Worker Pool (spec.md §4.4,
// component C4): a bounded shared queue and N single-threaded Workers,
// each with its own full set of per-policy evaluators built off one
// shared sandbox.Engine (original_source/src/main.rs clones the engine
// per worker rather than rebuilding it, the behavior kept here).
package workerpool

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kubewarden/policy-server/internal/communication"
	"github.com/kubewarden/policy-server/internal/config"
	"github.com/kubewarden/policy-server/internal/sandbox"
	"github.com/kubewarden/policy-server/internal/telemetry"
	"github.com/kubewarden/policy-server/internal/worker"
)

// BuildErrors aggregates the policies a Pool failed to stand up, keyed
// by policy id. The reserved key "*" holds a failure that is not
// specific to any one policy (e.g. the shared sandbox.Engine itself
// failed to initialize) and, when present, means no policy built
// successfully at all.
type BuildErrors map[string]error

func (b BuildErrors) Error() string {
	if err, ok := b["*"]; ok {
		return fmt.Sprintf("worker pool: %v", err)
	}
	return fmt.Sprintf("worker pool: %d polic(ies) failed to build", len(b))
}

// Pool is the running worker pool: a shared queue and the goroutines
// draining it. Submit is the only method the HTTP front-end needs.
type Pool struct {
	queue   chan communication.EvalRequest
	workers []*worker.Worker
	wg      sync.WaitGroup
}

// DefaultWorkerCount mirrors spec.md §4.4's default of one worker per
// CPU when --workers is unset or zero.
func DefaultWorkerCount() int {
	return runtime.NumCPU()
}

// Build constructs workerCount Workers, each with its own evaluator
// for every policy in policies, and returns a running Pool together
// with any per-policy build failures. A policy that fails to build on
// every worker is simply absent from every worker's evaluator map: at
// request time it answers "not known" (spec.md §4.4 "Partial build
// failure").
func Build(ctx context.Context, policies map[string]config.Policy, workerCount, queueSize int, metrics *telemetry.Metrics, alwaysAcceptNamespace string, logger zerolog.Logger) (*Pool, BuildErrors, error) {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount()
	}

	engine, err := sandbox.NewEngine()
	if err != nil {
		return nil, BuildErrors{"*": err}, fmt.Errorf("creating sandbox engine: %w", err)
	}

	type builtWorker struct {
		index      int
		evaluators map[string]worker.EvaluatorEntry
		errs       map[string]error
	}

	results := make([]builtWorker, workerCount)

	group, _ := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		i := i
		group.Go(func() error {
			evaluators, errs := worker.BuildEvaluators(engine, policies)
			results[i] = builtWorker{index: i, evaluators: evaluators, errs: errs}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, BuildErrors{"*": err}, fmt.Errorf("building workers: %w", err)
	}

	buildErrors := BuildErrors{}
	for id, err := range results[0].errs {
		buildErrors[id] = err
	}
	if len(policies) > 0 && len(buildErrors) == len(policies) {
		return nil, buildErrors, fmt.Errorf("worker pool: every policy failed to build")
	}

	queue := make(chan communication.EvalRequest, queueSize)
	pool := &Pool{queue: queue}

	for _, built := range results {
		w := worker.New(built.index, built.evaluators, queue, metrics, alwaysAcceptNamespace, logger)
		pool.workers = append(pool.workers, w)
	}

	pool.wg.Add(len(pool.workers))
	for _, w := range pool.workers {
		w := w
		go func() {
			defer pool.wg.Done()
			w.Run()
		}()
	}

	if len(buildErrors) == 0 {
		return pool, nil, nil
	}
	return pool, buildErrors, nil
}

// Submit enqueues req, blocking until the queue has room or ctx is
// done. The caller is responsible for reading exactly one Reply off
// req.ReplySink afterwards.
func (p *Pool) Submit(ctx context.Context, req communication.EvalRequest) error {
	select {
	case p.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown closes the shared queue so every Worker drains whatever is
// left and exits, then waits for them all to stop.
func (p *Pool) Shutdown() {
	close(p.queue)
	p.wg.Wait()
}
