// Package recorder persists Home Assistant state changes to PostgreSQL.
//
// Rows are accumulated in memory and flushed in batches, either when the
// batch fills or on a fixed interval, whichever comes first.
package recorder
