// Package sorter runs the sorting loop: classify, allocate, fire, confirm.
//
// Ownership boundary:
// - Idle/Running/Stopping lifecycle of one worker goroutine
// - commit or revert of each allocation based on delivery outcome
// - fault capture and fan-out to observers
//
// A count is only kept once the device has echoed the fire command. Any
// delivery failure reverts the allocation and halts the loop; it is never
// restarted automatically.
package sorter
