package worker

import (
	"time"

	"github.com/ChuLiYu/jobdist/pkg/types"
)

// Result is the outcome of one attempt of one job.
type Result struct {
	JobID    types.JobID
	WorkerID string
	Attempt  int
	Status   types.MoverStatus
	// OutputError is set when the protocol succeeded but the outputter
	// failed to commit the structure.
	OutputError bool
	Err         error
	Duration    time.Duration
}

// ErrorString returns the error text, or "" when there is none.
func (r *Result) ErrorString() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
