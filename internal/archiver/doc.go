// Package archiver runs one archiving session: it claims pending
// invalidations, hands each to a Runner, and stops either when no work is
// left or when a stop is requested.
//
// A stop request (SIGTERM, SIGINT, or cancellation of the caller's context)
// never interrupts an in-flight Runner. The Coordinator stops claiming,
// waits for every claimed invalidation to reach Done or Error, and returns.
// A process stopped this way leaves nothing InProgress behind.
package archiver
