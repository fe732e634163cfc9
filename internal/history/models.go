package history

import "time"

// Status is the outcome of a recorded operation.
type Status string

const (
	StatusRunning     Status = "running"
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusAborted     Status = "aborted"
	StatusInterrupted Status = "interrupted"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool { return s != StatusRunning && s != "" }

// Record is one top-level operation.
type Record struct {
	ID              int64      `json:"id"`
	CorrelationID   string     `json:"correlation_id"`
	Operation       string     `json:"operation"`
	Argument        string     `json:"argument,omitempty"`
	DeviceSerial    string     `json:"device_serial,omitempty"`
	DeviceName      string     `json:"device_name,omitempty"`
	DeviceMode      string     `json:"device_mode,omitempty"`
	FirmwareVersion string     `json:"firmware_version,omitempty"`
	Status          Status     `json:"status"`
	Stage           string     `json:"stage,omitempty"`
	ErrorKind       string     `json:"error_kind,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// Duration is the run time of a finished record, or the time since it
// started while it runs.
func (r Record) Duration() time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}

// Filter narrows List.
type Filter struct {
	DeviceSerial string
	Statuses     []Status
	Limit        int
}
