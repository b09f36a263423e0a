package batch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/audience-reach/pkg/reach"
	"github.com/Sternrassler/audience-reach/pkg/results"
)

// sinkWriter hands results to the sink on a single goroutine so persistence
// latency never blocks unit processing. Writes outlive run cancellation so
// completed work is flushed.
type sinkWriter struct {
	sink      results.Sink
	projectID string
	timeout   time.Duration
	ctx       context.Context
	logger    zerolog.Logger

	queue chan reach.EstimateResult
	done  chan struct{}
}

func startSinkWriter(ctx context.Context, sink results.Sink, projectID string, capacity int, timeout time.Duration, logger zerolog.Logger) *sinkWriter {
	w := &sinkWriter{
		sink:      sink,
		projectID: projectID,
		timeout:   timeout,
		ctx:       context.WithoutCancel(ctx),
		logger:    logger,
		queue:     make(chan reach.EstimateResult, capacity),
		done:      make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *sinkWriter) loop() {
	defer close(w.done)
	for res := range w.queue {
		ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
		err := w.sink.PersistResult(ctx, w.projectID, res)
		cancel()
		if err != nil {
			w.logger.Warn().Err(err).Str("unit", res.Unit.Key()).Msg("Failed to persist result")
		}
	}
}

// persist queues a result. The queue holds one slot per unit, so it never
// blocks.
func (w *sinkWriter) persist(res reach.EstimateResult) {
	w.queue <- res
}

// close drains the queue and records run completion.
func (w *sinkWriter) close(successCount, errorCount int) {
	close(w.queue)
	<-w.done

	ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
	defer cancel()
	if err := w.sink.MarkRunComplete(ctx, w.projectID, successCount, errorCount); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to mark run complete")
	}
}
