// Package process provides generic subprocess lifecycle management.
//
// It runs one child process at a time in its own process group, streams
// its stdout and stderr line by line to a callback, watches it with an
// optional periodic health check and records how it ended.
//
// Features:
//   - Start/stop subprocess with graceful shutdown
//   - Line-oriented output capture from stdout/stderr
//   - Health monitoring with kill after repeated failures
//   - Exit code reporting without blocking
//   - Context-based cancellation for clean shutdown
//
// Example usage:
//
//	mgr := process.NewManager(process.Config{
//	    Name:   "cellscannerd",
//	    Binary: "./cellscannerd",
//	    Args:   []string{token, strconv.Itoa(os.Getpid())},
//	    OnOutput: func(s process.Stream, line string) {
//	        log.Println(s, line)
//	    },
//	})
//
//	if err := mgr.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Stop()
package process
