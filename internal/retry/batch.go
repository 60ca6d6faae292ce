package retry

import (
	"context"
	"sync"
)

// Op is one named operation in a batch.
type Op struct {
	Name string
	Run  func(ctx context.Context) error
}

// Outcome is the result of one batch member.
type Outcome struct {
	Name string
	Err  error
}

// Batch runs ops sequentially under the shared config, failing fast: the
// first operation whose retry budget is exhausted stops the batch and its
// error is returned along with the outcomes so far.
func (r *Retryer) Batch(ctx context.Context, cfg Config, ops []Op) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(ops))

	for _, op := range ops {
		opCfg := cfg
		opCfg.Operation = op.Name

		err := r.Do(ctx, opCfg, op.Run)
		outcomes = append(outcomes, Outcome{Name: op.Name, Err: err})

		if err != nil {
			return outcomes, err
		}
	}

	return outcomes, nil
}

// Parallel runs ops concurrently under the shared config and surfaces
// per-operation outcomes without aborting siblings. The outcome slice is
// index-aligned with ops.
func (r *Retryer) Parallel(ctx context.Context, cfg Config, ops []Op) []Outcome {
	outcomes := make([]Outcome, len(ops))

	var wg sync.WaitGroup

	for i, op := range ops {
		wg.Add(1)

		go func() {
			defer wg.Done()

			opCfg := cfg
			opCfg.Operation = op.Name

			outcomes[i] = Outcome{Name: op.Name, Err: r.Do(ctx, opCfg, op.Run)}
		}()
	}

	wg.Wait()

	return outcomes
}
