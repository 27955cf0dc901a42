package history

import (
	"fmt"
	"time"
)

// Result is how a build ended.
type Result string

const (
	ResultSucceeded Result = "succeeded"
	ResultFailed    Result = "failed"
	ResultCancelled Result = "cancelled"
)

// BuildRecord is one finished pipeline run.
type BuildRecord struct {
	ID        string        `json:"id"`
	Project   string        `json:"project,omitempty"`
	ConfigID  string        `json:"configId"`
	DeviceID  string        `json:"deviceId,omitempty"`
	Operation string        `json:"operation"`
	Phase     string        `json:"phase"`
	Result    Result        `json:"result"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Errors    int           `json:"errors"`
	Warnings  int           `json:"warnings"`
	Message   string        `json:"message,omitempty"`
}

// Summary is a one-line description of the record.
func (r *BuildRecord) Summary() string {
	return fmt.Sprintf("%s %s %s (%s) %s, %d errors, %d warnings",
		r.StartedAt.Format(time.DateTime),
		r.Operation,
		r.Phase,
		r.ConfigID,
		r.Result,
		r.Errors,
		r.Warnings)
}
