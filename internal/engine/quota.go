package engine

import (
	"fmt"

	"github.com/roach88/fieldsync/internal/model"
)

// DefaultMaxSteps bounds the steps one run may execute.
const DefaultMaxSteps = 1000

// checkQuota fails once a run has taken maxSteps steps and wants another.
// Linear rules never come close; the limit exists for goto cycles.
func checkQuota(run model.ExecutionRun, maxSteps int) error {
	if maxSteps <= 0 || run.StepsTaken < maxSteps {
		return nil
	}
	return &RuntimeError{
		Code:    ErrCodeQuotaExceeded,
		Message: fmt.Sprintf("run exceeded max steps (%d >= %d)", run.StepsTaken, maxSteps),
		RunID:   run.ID,
		RuleID:  run.RuleID,
		Step:    run.CurrentStep,
	}
}
