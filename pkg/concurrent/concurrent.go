package concurrent

import (
	"errors"
	"sync"
)

// Concurrent runs action for each item in a separate goroutine and waits for
// all of them. Every error is reported, joined in item order.
func Concurrent[T any](items []T, action func(T) error) error {
	errs := make([]error, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = action(item)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
