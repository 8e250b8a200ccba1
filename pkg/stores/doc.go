// Package stores keeps the plugsync run journal in SQLite.
//
// The journal records each run report (run row, one row per operation
// outcome, an audit entry) and the events published while the run executed.
// It backs "plugsync history" and is never read when computing a plan.
// The schema is applied with golang-migrate from embedded migrations.
package stores
