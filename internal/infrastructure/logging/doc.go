// Package logging provides structured logging for the lab fleet controller.
//
// It wraps log/slog with configuration-driven level and format selection
// and attaches default service/version attributes to every record.
// Components derive scoped loggers with With:
//
//	log := logging.New(cfg.Logging, version)
//	dispatchLog := log.With("component", "dispatcher")
package logging
