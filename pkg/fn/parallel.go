package fn

import (
	"context"
	"sync"
)

// ParMap applies f to items with at most workers goroutines and returns the
// results in input order. Items not yet started when ctx ends fail with
// ctx.Err().
func ParMap[T, U any](ctx context.Context, items []T, workers int, f func(context.Context, int, T) Result[U]) []Result[U] {
	out := make([]Result[U], len(items))
	if workers <= 0 || workers > len(items) {
		workers = len(items)
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, max(workers, 1))
	for i, v := range items {
		if ctx.Err() == nil {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
			}
		}
		if err := ctx.Err(); err != nil {
			for j := i; j < len(items); j++ {
				out[j] = Err[U](err)
			}
			break
		}
		wg.Add(1)
		go func() {
			defer func() { <-sem; wg.Done() }()
			out[i] = f(ctx, i, v)
		}()
	}
	wg.Wait()
	return out
}
