/*
Package log provides structured logging for the LIMINAL core using
zerolog.

Initialize once at process start:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Then derive component-scoped child loggers rather than logging on the
global Logger directly:

	routerLog := log.WithComponent("router")
	routerLog.Info().Str("trace_id", traceID).Msg("message dispatched")

WithAgentID, WithLeaseID, WithResource, and WithTraceID attach the IDs
most LIMINAL log lines are queried by.
*/
package log
