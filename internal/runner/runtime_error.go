package runner

import "fmt"

// RuntimeError captures a failed monitor step that should not stop the loop.
// The next cycle retries the step.
type RuntimeError struct {
	Robot string
	Op    string
	Err   error
}

func (e *RuntimeError) Error() string {
	if e.Robot == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("robot %s: %s: %v", e.Robot, e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func (r *Runner) wrapRuntime(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RuntimeError{Robot: r.robotName, Op: op, Err: err}
}
