// Package storage persists the local state record: the bounded
// notification history plus the pause/connected flags, the poll cursor,
// and pending alert click-through targets.
//
// Two drivers share one interface: a plain JSON state file (default) and
// SQLite. Both make every read-modify-write cycle appear atomic to a
// single logical caller; cross-caller ordering is the dispatcher's job.
package storage
