// Package aggregates composes the table-level chat repos into the message store and owns
// the transaction boundaries of its invariant-critical writes.
package aggregates
