// README: Post-commit side-effect queue; callbacks run only after the enclosing transaction commits.
package effects

import "log"

// Queue collects side effects registered during a transaction. The caller
// runs the queue after commit; a rolled-back transaction simply drops it.
type Queue struct {
	fns []func()
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Add(fn func()) {
	if fn == nil {
		return
	}
	q.fns = append(q.fns, fn)
}

func (q *Queue) Len() int {
	return len(q.fns)
}

// Run executes queued effects in registration order. Effects are best-effort:
// a panicking effect is logged and does not stop the rest.
func (q *Queue) Run() {
	for _, fn := range q.fns {
		runOne(fn)
	}
	q.fns = nil
}

func runOne(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("effects: recovered: %v", r)
		}
	}()
	fn()
}
