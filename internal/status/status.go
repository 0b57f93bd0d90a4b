// Package status defines the progress-callback contract external
// collaborators use to observe a materialization in flight.
package status

import "log/slog"

// State is one of the closed set of lifecycle states a materialization
// passes through. Only PULLING, LOADING, READY and FAILURE are emitted by
// this module; EXAMINATION, CONVERSION, TRANSFER, EXPIRING and EXPIRED
// exist so downstream collaborators (image-format conversion, transfer,
// cache expiry) can report through the same enum.
type State string

const (
	Pulling     State = "PULLING"
	Loading     State = "LOADING"
	Examination State = "EXAMINATION"
	Conversion  State = "CONVERSION"
	Transfer    State = "TRANSFER"
	Ready       State = "READY"
	Failure     State = "FAILURE"
	Expiring    State = "EXPIRING"
	Expired     State = "EXPIRED"
)

// Reporter receives progress updates. Implementations must not block —
// the core invokes ReportStatus synchronously on the materialization's
// own goroutine.
type Reporter interface {
	ReportStatus(state State, message string)
}

// Nop discards every update. It is the default when a caller has no
// interest in progress.
type Nop struct{}

// ReportStatus implements Reporter.
func (Nop) ReportStatus(State, string) {}

// Log reports every update through a *slog.Logger at Info level, with the
// state and message as structured fields.
type Log struct {
	Logger *slog.Logger
}

// NewLog returns a Log reporter. If logger is nil, slog.Default() is used.
func NewLog(logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.Default()
	}
	return Log{Logger: logger}
}

// ReportStatus implements Reporter.
func (l Log) ReportStatus(state State, message string) {
	l.Logger.Info("status", "state", state, "message", message)
}

// Multi fans a single update out to several reporters.
type Multi []Reporter

// ReportStatus implements Reporter.
func (m Multi) ReportStatus(state State, message string) {
	for _, r := range m {
		r.ReportStatus(state, message)
	}
}
