// Package store defines the persistence contracts for the entity graph, the
// activity log and periodic statistics. Implementations live in the memory and
// postgres subpackages; this package must not import database drivers.
package store
