// Package tabular provides a schema-validated, CSV-backed table engine.
//
// # Overview
//
// A [Schema] declares the fields of a row (type, required-ness, default and
// an optional per-field check) together with the key columns that identify
// a row. A [Table] is an ordered list of rows sharing a schema. Every
// transformation ([Table.Validate], [Table.Diff], [Table.Concatenate],
// [Table.SortValues], [Table.Filter]) returns a new table;
// [Table.AddOrUpdateRecords] is the only operation that mutates in place.
//
// # Identity
//
// Row identity is defined exclusively by the key columns. There is no hidden
// positional index: diff, upsert and duplicate detection all compare the
// canonical text of the key cells.
//
// # File Format
//
// CSV with a header row. Every cell is read as text and typed only by schema
// validation; the reader never guesses types.
//
// # Persistence
//
// [BackupStore] writes each new snapshot to a timestamped file in a backup
// directory and atomically repoints a symlink at the canonical path to it.
// Saving a table equal to the current snapshot is a no-op.
package tabular
