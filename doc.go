// Package twom implements an embedded, single-file, ordered key-value
// storage engine. A database is one regular file containing a skiplist
// of records reached through a shared memory mapping. Keys and values
// are arbitrary byte strings, including embedded NUL.
//
// A single writer may hold the file's exclusive data lock at a time;
// any number of readers may hold it shared, either tracking the most
// recent commit (a plain read transaction) or frozen at a point-in-time
// snapshot (an MVCC read transaction). Writes become visible to other
// transactions atomically at commit, and a dirty shutdown is repaired
// by Open before any transaction is allowed to begin.
//
// twom does not implement distributed operation, networked access,
// replication, secondary indexes, typed columns, or multi-writer
// concurrency within a single file. Background compaction (Repack)
// must be invoked explicitly by the caller.
package twom
