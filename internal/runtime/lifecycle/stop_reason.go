package lifecycle

// StopReason explains why the process started shutting down.
type StopReason string

const (
	StopUnknown     StopReason = "unknown"
	StopSIGINT      StopReason = "sigint"
	StopSIGTERM     StopReason = "sigterm"
	StopSignal      StopReason = "signal"
	StopFatalError  StopReason = "fatal_error"
	StopRequested   StopReason = "stop_requested"
	StopServerError StopReason = "server_error"
	StopStartup     StopReason = "startup_failed"
)
