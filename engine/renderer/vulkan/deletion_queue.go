package vulkan

import (
	"github.com/cockroachdb/errors"
)

// DeletionQueue defers resource destruction until the GPU can no longer reference
// the resources. Each frame slot owns one queue, flushed after the slot's fence wait.
type DeletionQueue struct {
	deletors []func() error
}

func (q *DeletionQueue) Push(deletor func() error) {
	q.deletors = append(q.deletors, deletor)
}

// Flush runs every queued deletor, newest first.
func (q *DeletionQueue) Flush() error {
	var errs error
	for i := len(q.deletors) - 1; i >= 0; i-- {
		errs = errors.CombineErrors(errs, q.deletors[i]())
	}
	q.deletors = q.deletors[:0]
	return errs
}

func (q *DeletionQueue) Len() int {
	return len(q.deletors)
}
