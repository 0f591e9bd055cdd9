package domain

import (
	"fmt"
	"time"
)

// Stream-control statuses carried in StatusEvent beyond the job state machine.
const (
	EventLagged     = "LAGGED"
	EventTimeout    = "TIMEOUT"
	EventTerminated = "TERMINATED"
	EventError      = "ERROR"
)

// StatusEvent is the envelope shared by the EventBus and the SSE client wire.
// Status carries either a JobStatus value or one of the stream-control
// statuses above.
type StatusEvent struct {
	Status        string    `json:"status"`
	Message       string    `json:"message,omitempty"`
	Progress      *float64  `json:"progress,omitempty"`
	GeneratedText string    `json:"generated_text,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	RequestID     string    `json:"request_id,omitempty"`
}

// IsTerminal reports whether the event ends its stream. TERMINATED and TIMEOUT
// close the local stream without implying a job state change.
func (e StatusEvent) IsTerminal() bool {
	switch e.Status {
	case string(JobCompleted), string(JobFailed), string(JobCancelled), EventTerminated, EventTimeout:
		return true
	}
	return false
}

// JobTopic names the EventBus topic for one job's status stream.
func JobTopic(jobID string) string { return fmt.Sprintf("sse:job:%s", jobID) }
