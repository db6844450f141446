// Package session owns reliable command delivery to the gate controller.
//
// Ownership boundary:
// - endpoint resolution (configured, discovered, or chosen by a Selector)
// - send-and-confirm with sequence echo verification
// - bounded retry, reconnect and stream resync
// - pending-command bookkeeping
//
// Delivery contract:
//   - every command is verified against its echoed sequence value
//   - transport faults close and reopen the same endpoint before retrying
//   - malformed replies are discarded and the read is retried, not the send
//   - exhausting the retry budget yields ErrDeliveryFailed; the caller must
//     assume the gate did not move
package session
