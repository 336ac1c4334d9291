// Package worker provides an unbounded FIFO queue drained by a single
// background goroutine.
//
// # Overview
//
// Producers call Submit, which never blocks and never fails while the worker
// is running. There is no backpressure: a slow processor lets the backlog grow
// in memory. One consumer goroutine dequeues items in order and hands each to
// the processor function.
//
//	w, err := worker.NewWorker(func(ctx context.Context, job Job) error {
//	    return deliver(ctx, job)
//	}, worker.WithMetricsRegistry[Job](registry, "semtree_dispatcher"))
//	if err != nil {
//	    return err
//	}
//	if err := w.Start(ctx); err != nil {
//	    return err
//	}
//	defer w.Stop(5 * time.Second)
//
// # Shutdown
//
// Stop (or cancelling the Start context) stops dequeuing. The item being
// processed runs to completion with a context that is not cancelled by the
// shutdown; items still queued are dropped and counted. Stop waits for the
// consumer up to the given timeout and returns ErrStopTimeout when the
// in-flight item takes longer.
//
// # Observability
//
// Statistics (submitted, processed, failed, dropped, queue depth) are always
// tracked. Prometheus metrics are registered when WithMetricsRegistry is given.
package worker
