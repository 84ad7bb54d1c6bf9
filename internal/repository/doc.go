// Package repository defines persistence for topology snapshots.
//
// A snapshot is a frozen copy of the graph (nodes and edges) together with
// the layout positions at the time it was taken. The service layer saves one
// on an interval and restores the latest at startup, so a restart does not
// lose what discovery already learned.
//
// # SQLite Implementation
//
// The sqlite subpackage stores snapshots with modernc.org/sqlite, a pure Go
// driver. Indexed columns hold the fields that are queried; the complete
// record is kept as JSON next to them. Old snapshots are pruned after each
// save according to the retention setting.
package repository
