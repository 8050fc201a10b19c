// Package executor runs work on a single dedicated OS thread.
//
// The CellScanner device API is not reentrant and expects every call, as well
// as callback registration, to happen on the thread that owns its event pump.
// An Executor owns one goroutine locked to one OS thread and executes posted
// closures on it in strict FIFO order, one at a time.
//
// Usage:
//
//	ex := executor.New("CellScannerThread")
//	if err := ex.Start(); err != nil {
//	    return err
//	}
//	version, err := executor.Invoke(ctx, ex, func() (int, error) {
//	    return driver.Version(), nil
//	})
//
// Closures must not call Invoke or Do on the same executor: the loop would
// wait on itself forever. There is no stop operation; the thread lives until
// the process exits.
package executor
