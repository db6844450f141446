// Package transport owns the serial endpoint between the sorter and the gate controller.
//
// Ownership boundary:
// - endpoint discovery
// - open/close with post-open settle delay
// - single-byte reads and bounded writes
// - connection state (disconnected -> connecting -> connected)
//
// Transport carries no protocol semantics. Closing and reopening is the
// recovery action for any fault; callers decide when to do it.
package transport
