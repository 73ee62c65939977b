// Package logging builds the worker's slog loggers and carries them through
// contexts.
//
// LOG_LEVEL selects debug, info, warn or error (default info). LOG_FORMAT=text
// switches from JSON to the human-readable handler for local runs.
//
//	logger := logging.NewLogger()
//	slog.SetDefault(logger)
//
//	func (s *Scheduler) process(ctx context.Context, item *entity.QueueItem) {
//	    logger := logging.WithTrace(ctx, s.logger).With(slog.String("item_id", item.ID))
//	    logger.Info("dispatching")
//	}
package logging
