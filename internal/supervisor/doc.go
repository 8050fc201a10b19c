// Package supervisor runs the cellscannerd worker process on behalf of a
// client.
//
// A Supervisor spawns the worker with a shared token and its own PID,
// turns the worker's stdout and stderr lines into scanner.Events, waits
// for the worker to publish its endpoint descriptor and reports how the
// worker ended. The worker watches the supervisor's PID in turn, so each
// side notices when the other one disappears.
//
// Example usage:
//
//	sup, err := supervisor.New(supervisor.Config{
//	    Binary:     "./cellscannerd",
//	    RuntimeDir: "/run/cellscanner",
//	})
//	if err != nil {
//	    return err
//	}
//	if err := sup.StartProcess(ctx); err != nil {
//	    return err
//	}
//	defer sup.Shutdown()
//
//	desc, err := sup.WaitReady(ctx)
package supervisor
