package stepexec

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
	"github.com/fyrsmithlabs/repoflow/internal/schema"
)

// ValidationExhaustedError is returned when no model reply produced a valid
// document within the retry budget.
type ValidationExhaustedError struct {
	SchemaName    string
	Attempts      int
	Errors        []schema.FieldError // from the last attempt
	Raw           string              // last assistant reply
	CorrelationID string
}

func (e *ValidationExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Path+": "+fe.Message)
	}
	name := e.SchemaName
	if name == "" {
		name = "inline schema"
	}
	return fmt.Sprintf("%v: %s after %d attempts: %s", flowerr.ErrValidationExhausted, name, e.Attempts, strings.Join(parts, "; "))
}

// Is reports flowerr.ErrValidationExhausted.
func (e *ValidationExhaustedError) Is(target error) bool {
	return target == flowerr.ErrValidationExhausted
}
