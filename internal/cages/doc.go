// Package cages owns destination choice and per-cage quota tracking.
//
// Ownership boundary:
// - cage records and their derived quotas/flags
// - allocation of one classified insect to one cage
// - male fraction changes at runtime
// - count-changed notifications
//
// Allocation rules:
//   - cages are scanned in index order; the first cage whose quota for the
//     classified sex is still open is chosen and its count incremented
//   - when every cage is complete for that sex the last cage is chosen as
//     overflow and no count changes
//   - completion flags are derived from counts and quotas, never set directly
//
// Cages performs no I/O. Delivery of the resulting command, and reverting the
// increment when delivery fails, belong to the caller.
package cages
