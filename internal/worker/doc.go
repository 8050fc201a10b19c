// Package worker assembles the cellscannerd process: the device thread,
// the device facade, the event queues, the watchdog, the parent monitor and
// the control channel.
//
// Every fatal condition ends in one terminate call with a fixed exit code
// (see scanner.ExitTransportFault and friends). The terminate primitive is
// injectable so the whole worker can run inside a test binary.
package worker
