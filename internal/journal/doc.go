// Package journal records confirmed fire commands and the resulting cage
// counts in SQLite so a restarted process can resume its tallies.
//
// Ownership boundary:
// - deliveries table, one row per confirmed command (manual fires flagged)
// - cage_counts table, latest tallies per cage index
// - schema migration on Open
//
// Manual and overflow deliveries are logged but never move cage_counts.
package journal
