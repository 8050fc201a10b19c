package scanner

import "fmt"

// Exit codes the worker process uses to report why it terminated.
const (
	// ExitStartupFailure means the worker could not initialise.
	ExitStartupFailure = 1
	// ExitTransportFault means the control channel faulted or was closed.
	ExitTransportFault = 10
	// ExitParentGone means the supervising process disappeared.
	ExitParentGone = 12
	// ExitWatchdog means no Ping arrived within the watchdog timeout.
	ExitWatchdog = 13
)

// DescribeExitCode returns a human-readable explanation of a worker exit code.
func DescribeExitCode(code int) string {
	switch code {
	case 0:
		return "exited normally"
	case ExitStartupFailure:
		return "startup failure"
	case ExitTransportFault:
		return "control channel faulted or closed"
	case ExitParentGone:
		return "parent process exited"
	case ExitWatchdog:
		return "watchdog expired"
	case -1:
		return "killed by signal"
	default:
		return fmt.Sprintf("unexpected exit code %d", code)
	}
}
