// Package logx is the thin structured-logging layer used across the bot.
//
// It wraps zerolog with a Field-based call surface close to slog's, keeps
// console output human-readable (short timestamps, file:line callers) and
// file output JSON, and lets the level and sinks be swapped at runtime
// through Service.Apply without invalidating handed-out Loggers.
package logx
