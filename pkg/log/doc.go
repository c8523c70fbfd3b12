/*
Package log provides structured logging for Drover built on zerolog.

Call Init once at startup, then use WithComponent (or the id-scoped
variants) to derive child loggers:

	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.WithComponent("engine")
	logger.Info().Str("job_id", job.ID).Msg("job submitted")

Console output is the default; JSONOutput switches to machine-readable
logs for production deployments.
*/
package log
