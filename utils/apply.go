package utils

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

type applyJob[In any] struct {
	index int
	input In
}

type applyResult[Out any] struct {
	index  int
	output Out
	err    error
}

// MultiApply calls fn on every input using at most workers goroutines (0 = runtime.NumCPU())
// and returns the outputs in input order. fn must not share mutable state between calls.
// The first error by input position is returned.
func MultiApply[In, Out any](inputs []In, workers int, fn func(int, In) (Out, error)) ([]Out, error) {
	outputs := make([]Out, len(inputs))
	if len(inputs) == 0 {
		return outputs, nil
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(inputs) {
		workers = len(inputs)
	}

	if workers == 1 {
		for i, in := range inputs {
			out, err := fn(i, in)
			if err != nil {
				return nil, errors.Wrapf(err, "item %d", i)
			}
			outputs[i] = out
		}
		return outputs, nil
	}

	jobs := make(chan applyJob[In], len(inputs))
	results := make(chan applyResult[Out], len(inputs))

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				out, err := fn(job.index, job.input)
				results <- applyResult[Out]{index: job.index, output: out, err: err}
			}
		}()
	}

	for i, in := range inputs {
		jobs <- applyJob[In]{index: i, input: in}
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	errs := make([]error, len(inputs))
	for r := range results {
		outputs[r.index] = r.output
		errs[r.index] = r.err
	}
	for i, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "item %d", i)
		}
	}
	return outputs, nil
}
