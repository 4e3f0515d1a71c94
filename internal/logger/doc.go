// Package logger provides the leveled logging used across the node-store
// runtime.
//
// A line's origin is bound once, through a Scope, instead of being passed
// with every call. Components bind a scope at wiring time:
//
//	log := logger.Component("store")
//	log.Info("reclaimed %d retired entries", n)
//
// Code working on behalf of a single node scopes lines by its diagnostic
// id, so a grep for "ns=2;i=42" surfaces everything that happened to that
// node:
//
//	log := logger.Default.Scope(id.String())
//	log.Warn("replace raced with a concurrent remove")
//
// # Log Levels
//
// Four levels: Debug, Info, Warn, Error. Messages below the configured
// minimum are dropped:
//   - LevelDebug: all messages
//   - LevelInfo: Info, Warn, Error
//   - LevelWarn: Warn, Error
//   - LevelError: Error only
//
// Rejected store operations that are ordinary outcomes (BadNodeIdExists,
// BadNodeIdUnknown) belong at Warn or Debug; Error is reserved for
// conditions the runtime does not expect to see at all.
//
// # Thread Safety
//
// A Logger serializes writes with a mutex; any number of scopes may log
// through it from any goroutine.
package logger
