// Package protocol owns the gate-controller wire contract.
//
// Ownership boundary:
// - command/reply record shapes
// - newline framing
// - wrapping sequence counter
// - protocol error taxonomy
//
// One record per line: a JSON object terminated by a single '\n'. Commands
// carry a sequence value in [0,128) that the controller echoes back.
package protocol
