package app

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopUserQuit   StopReason = "user_quit"
	StopFatalError StopReason = "fatal_error"
)
