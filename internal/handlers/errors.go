package handlers

import (
	"fmt"

	"github.com/avvvet/planbuddy/internal/llm"
)

// ValidationError is a model answer that does not fit the expected schema
type ValidationError struct {
	Step   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid model output: %s", e.Step, e.Reason)
}

// invalid returns a ValidationError marked transient so the step is retried
func invalid(step, format string, args ...any) error {
	return llm.NewTransientError(&ValidationError{Step: step, Reason: fmt.Sprintf(format, args...)})
}
