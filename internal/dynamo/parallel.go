package dynamo

import "github.com/sourcegraph/conc/pool"

// ForEachCondition calls fn for every condition in [0, m). With workers <= 1
// the conditions run in index order on the calling goroutine and the first
// error stops the loop; otherwise at most workers conditions run at once and
// all errors are joined.
func ForEachCondition(m, workers int, fn func(cond int) error) error {
	if workers <= 1 || m <= 1 {
		for cond := 0; cond < m; cond++ {
			if err := fn(cond); err != nil {
				return err
			}
		}
		return nil
	}

	if workers > m {
		workers = m
	}

	p := pool.New().WithErrors().WithMaxGoroutines(workers)
	for cond := 0; cond < m; cond++ {
		p.Go(func() error {
			return fn(cond)
		})
	}
	return p.Wait()
}
