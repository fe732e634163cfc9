package ipc

import (
	"time"

	"zeroflash/internal/device"
	"zeroflash/internal/history"
)

// Failure carries an operation error across the socket.
type Failure struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
	// Busy marks a refusal because an earlier failure was never cleared.
	Busy bool `json:"busy,omitempty"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse reports the daemon and the device it holds.
type StatusResponse struct {
	Running      bool            `json:"running"`
	PID          int             `json:"pid"`
	Since        time.Time       `json:"since"`
	DeviceOpen   bool            `json:"device_open"`
	Device       device.Snapshot `json:"device"`
	Active       string          `json:"active_operation,omitempty"`
	Stage        string          `json:"stage,omitempty"`
	OpenError    string          `json:"open_error,omitempty"`
	History      map[string]int  `json:"history,omitempty"`
	HistoryPath  string          `json:"history_path"`
	LockFilePath string          `json:"lock_file_path"`
}

// RunRequest starts a top-level operation and waits for it.
type RunRequest struct {
	Kind     string `json:"kind"`
	Argument string `json:"argument,omitempty"`
	Force    bool   `json:"force,omitempty"`
}

// RunResponse reports how the operation ended.
type RunResponse struct {
	CorrelationID string        `json:"correlation_id,omitempty"`
	Stage         string        `json:"stage,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
	Failure
}

// AbortRequest cancels the running operation.
type AbortRequest struct {
	Reason string `json:"reason,omitempty"`
}

// AbortResponse acknowledges an abort.
type AbortResponse struct {
	Failure
}

// ClearErrorRequest acknowledges the latched device error.
type ClearErrorRequest struct{}

// ClearErrorResponse acknowledges ClearError.
type ClearErrorResponse struct {
	Failure
}

// RefreshRequest probes the device again.
type RefreshRequest struct{}

// RefreshResponse returns the device state after the probe.
type RefreshResponse struct {
	Device device.Snapshot `json:"device"`
	Failure
}

// StreamRequest turns screen streaming on or off.
type StreamRequest struct {
	On bool `json:"on"`
}

// StreamResponse acknowledges Stream.
type StreamResponse struct {
	Failure
}

// HistoryRequest filters the operation history.
type HistoryRequest struct {
	DeviceSerial string   `json:"device_serial,omitempty"`
	Statuses     []string `json:"statuses,omitempty"`
	Limit        int      `json:"limit,omitempty"`
}

// HistoryResponse lists history records, newest first.
type HistoryResponse struct {
	Records []history.Record `json:"records"`
}

// HistoryClearRequest removes finished history records.
type HistoryClearRequest struct{}

// HistoryClearResponse reports how many records were removed.
type HistoryClearResponse struct {
	Removed int64 `json:"removed"`
}
