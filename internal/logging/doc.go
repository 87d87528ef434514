// Package logging provides file-based structured logging with rotation for
// the vector database core. The daemon installs the slog.Logger built by
// Setup as the default logger, which the replication and auto-save loops
// log through; the WAL and compactor return errors without logging.
package logging
