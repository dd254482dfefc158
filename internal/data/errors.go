package data

import (
	"errors"
	"fmt"

	"github.com/assessly/assess-api/internal/domain/model"
)

// Shared sentinel errors for data-layer repositories.
var (
	// Job repository sentinels.
	ErrJobNotFound    = errors.New("job not found")
	ErrJobIDRequired  = errors.New("job_id is required")
	ErrUserIDRequired = errors.New("user_id is required")

	// Result repository sentinels.
	ErrResultNotFound   = errors.New("result not found")
	ErrResultIDRequired = errors.New("result_id is required")
)

// StatusConflictError reports a compare-and-set that found the job in a
// different status than expected. Callers use the observed status to decide
// whether a delivery is a duplicate.
type StatusConflictError struct {
	JobID  string
	Status model.JobStatus
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("job %s is %s", e.JobID, e.Status)
}

// AsStatusConflict unwraps a StatusConflictError from err, if present.
func AsStatusConflict(err error) (*StatusConflictError, bool) {
	var sc *StatusConflictError
	if errors.As(err, &sc) {
		return sc, true
	}
	return nil, false
}
