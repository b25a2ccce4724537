/*
Package log provides structured logging for procpoold using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific loggers, configurable levels, and a global instance
usable from any package without threading a logger through every call.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("dispatcher started")
	log.Debug("checking queue depth")
	log.Warn("task exceeded soft timeout")
	log.Errorf("failed to fetch next task", err)
	log.Fatal("cannot start without a durable store")

Errorf takes the message and the error as two distinct arguments —
it is not printf-style, and the message is never interpolated with
the error; the message should read as a complete sentence on its own.

Component loggers:

	dispatchLog := log.WithComponent("dispatcher")
	dispatchLog.Info().Str("task_id", id).Msg("task fetched")

# Log Levels

Debug is for development and troubleshooting, Info is the default
production level, Warn flags conditions that may need attention
without being a failure, Error records failed operations, and Fatal
logs then calls os.Exit(1) — reserved for unrecoverable startup
failures (bad config, an unopenable store).

# Integration Points

This package is used by pkg/pool, pkg/proc, pkg/events, pkg/api,
and cmd/procpoold.
*/
package log
