// Package database provides the PostgreSQL connection pool used by the
// state-change recorder.
package database
