// Package schedule provides deferred execution.
//
// RunAt executes a function asynchronously at a specified time.
package schedule
