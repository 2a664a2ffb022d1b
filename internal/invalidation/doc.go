// Package invalidation is the typed access layer over the archive_invalidations table.
//
// An invalidation is a request to recompute one report for one site and period.
// Its status only ever moves forward:
//
//	Pending -> InProgress -> Done | Error
//
// Pending -> InProgress happens only through ClaimNext, as a conditional UPDATE
// guarded by "status = Pending", so exactly one caller wins per record even when
// the callers are separate processes. InProgress -> Done/Error happens only through
// MarkDone/MarkError, guarded by "status = InProgress AND process_id = <claimer>".
// A guard that matches no row is reported, never silently overwritten.
//
// Records are never deleted here. Release is the single way back to Pending and
// exists for operators recovering claims orphaned by a crashed process.
package invalidation
