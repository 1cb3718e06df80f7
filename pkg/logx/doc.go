// Package logx configures eventorder's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output
// readable, file output JSON-structured, and forwards warnings to an
// optional chat sink with a minimum level and rate limiting.
package logx
