// Package report computes archive reports for claimed invalidations.
//
// The archiver treats report computation as an opaque collaborator behind the
// Computer interface. EventCounter is the built-in computer: it counts the raw
// events of a site inside the invalidation's date window and stores the total
// in archive_reports.
package report
