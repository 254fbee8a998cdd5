package vm

import (
	"context"
)

// ---------------------------------------------------------------------------
// Cooperative cancellation
// ---------------------------------------------------------------------------

// RequestStop asks the engine to halt at the next step boundary. The
// instruction currently executing, if any, completes first. It is safe to
// call from another goroutine.
func (i *Interpreter) RequestStop() {
	i.stop.Store(true)
}

// StopRequested reports whether a stop has been requested and not yet
// cleared by Reset.
func (i *Interpreter) StopRequested() bool {
	return i.stop.Load()
}

// Interrupted reports whether the engine halted because of a stop request
// rather than by executing STOP.
func (i *Interpreter) Interrupted() bool {
	return i.interrupted
}

// RunContext is like Run but turns cancellation of ctx into a stop request.
// If the engine halts because ctx was done, ctx.Err() is returned.
func (i *Interpreter) RunContext(ctx context.Context) error {
	done := ctx.Done()
	if done == nil {
		return i.Run()
	}

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-done:
			i.RequestStop()
		case <-stopped:
		}
	}()

	if err := i.Run(); err != nil {
		return err
	}
	if i.interrupted && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}
