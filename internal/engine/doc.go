// Package engine executes automation rules.
//
// Events arrive through Enqueue and are processed by a single dispatch
// goroutine in FIFO order. Each event is matched against the active rules
// of its tenant and one ExecutionRun is created per matching rule. Runs
// are executed by a bounded pool of workers.
//
// A run is a small step machine over the rule's ordered steps. The run is
// persisted after every step, so a process restart resumes it from the
// last completed step:
//
//   - action steps call the Actions implementation, retrying failed
//     attempts with backoff;
//   - wait steps store ResumeAt and release the worker; ResumeDue picks
//     the run up again once it is due;
//   - condition steps jump to a step index, or EndOfRun.
//
// Every run is limited to MaxSteps executed steps. Goto loops between
// condition steps end in a QUOTA_EXCEEDED failure rather than spinning.
package engine
