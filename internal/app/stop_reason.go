package app

// StopReason describes why the app is shutting down (for logs).
type StopReason string

const (
	StopReasonSignal StopReason = "signal"
	StopReasonFatal  StopReason = "fatal"
	StopReasonManual StopReason = "manual"
)
