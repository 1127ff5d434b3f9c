// Package tools provides local process helpers for the runtime wrapper.
//
// Ownership boundary:
// - command execution with streamed output
//
// - environment rendering for child processes
package tools
