// Package revision defines the logical clock value that gates cache
// freshness across a picante database.
package revision

// Revision is a monotonically non-decreasing counter. It starts at 0 and
// only moves forward while a database is live; loading a cache file may
// set it to the persisted value.
type Revision uint64
