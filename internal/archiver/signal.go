package archiver

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// NotifyStop turns termination signals and cancellation of ctx into a stop
// request on s. With no signals given, SIGTERM and SIGINT are used.
//
// The handler only sets the session's stop flag; it never touches the store
// or runners. Repeated signals are absorbed, so a second SIGTERM neither
// kills the process nor changes the outcome of the drain.
//
// The returned release function must be called once the run is over. It
// restores default signal handling, unless a stop was requested: a process
// that is draining or shutting down keeps ignoring these signals until it
// exits.
func NotifyStop(ctx context.Context, s *Session, signals ...os.Signal) (release func()) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGTERM, syscall.SIGINT}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ctxDone := ctx.Done()
		for {
			select {
			case sig := <-sigCh:
				if s.RequestStop("signal " + sig.String()) {
					slog.InfoContext(ctx, "received signal, draining in-flight archives", "signal", sig.String())
				} else {
					slog.DebugContext(ctx, "received signal while already stopping", "signal", sig.String())
				}
			case <-ctxDone:
				s.RequestStop("context canceled")
				ctxDone = nil
			case <-done:
				return
			}
		}
	}()

	return func() {
		if s.StopRequested() {
			signal.Ignore(signals...)
		} else {
			signal.Stop(sigCh)
		}
		close(done)
		<-exited
	}
}
