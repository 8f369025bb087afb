// Package ctxyield provides a cooperative yield helper for loops that walk
// large in-memory collections, so a single goroutine iterating over many
// thousands of parts doesn't monopolize its core for an observable interval.
package ctxyield

import "runtime"

// Every returns a function that calls runtime.Gosched every n invocations.
// Call the returned function once per loop iteration.
func Every(n int) func() {
	if n <= 0 {
		n = 1
	}
	count := 0
	return func() {
		count++
		if count%n == 0 {
			runtime.Gosched()
		}
	}
}
