// Package flows runs authentication checks as an explicit ordered pipeline.
// Each step is a pure decision over shared flow state that returns a tagged
// result; the runner short-circuits on the first non-continue verdict. The
// ordering of checks (rate limit before lockout before credential verify) is
// therefore visible in one place instead of being implied by mutation order.
package flows

import "context"

// Verdict tags a step outcome.
type Verdict int

const (
	// Continue hands control to the next step.
	Continue Verdict = iota
	// Done ends the pipeline successfully; the state carries the result.
	Done
	// Rejected ends the pipeline with the step's error.
	Rejected
)

// Result is a tagged step outcome. Err is set only for Rejected.
type Result struct {
	Verdict Verdict
	Err     error
}

// Next continues the pipeline.
func Next() Result { return Result{Verdict: Continue} }

// Stop ends the pipeline successfully.
func Stop() Result { return Result{Verdict: Done} }

// Reject ends the pipeline with err.
func Reject(err error) Result { return Result{Verdict: Rejected, Err: err} }

// Step is one named check over the flow state S.
type Step[S any] struct {
	Name string
	Run  func(ctx context.Context, state *S) Result
}

// Run executes steps in order, stopping at the first Done or Rejected result.
// It returns the name of the deciding step and, for rejections, its error.
func Run[S any](ctx context.Context, state *S, steps ...Step[S]) (string, error) {
	for _, step := range steps {
		res := step.Run(ctx, state)
		switch res.Verdict {
		case Continue:
		case Done:
			return step.Name, nil
		case Rejected:
			return step.Name, res.Err
		}
	}
	return "", nil
}
