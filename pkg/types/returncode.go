package types

// Return-code sentinels shared by all drivers.
//
// A process terminated by signal N reports SignalOffset+N, the same convention
// shells use. Batch backends reserve values above SignalOffset+64 so a job the
// cluster gave up on can be told apart from one the scheduler cancelled.
const (
	SignalOffset = 128

	ReturnCodeNotExecutable   = 126
	ReturnCodeCommandNotFound = 127

	ReturnCodeKilledByScheduler = SignalOffset + 64
	ReturnCodeClusterFailed     = SignalOffset + 65
	ReturnCodeJobLost           = SignalOffset + 66
)
