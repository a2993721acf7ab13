/*
Package log provides structured logging for the VIM orchestration engine using
zerolog.

A single global logger is configured once via Init and every component derives
a child logger from it:

	logger := log.WithComponent("executor")
	logger.Info().Str("strategy_id", id).Msg("strategy applied")

Configuration:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

JSON output is intended for production log collection; console output is the
default for interactive use of the vim binary.

Standard fields:
  - component: emitting package ("executor", "nfvi", "director", ...)
  - strategy_id: uuid of the active update strategy
  - stage, step: position of the executing step
  - host: host name targeted by a director operation
*/
package log
