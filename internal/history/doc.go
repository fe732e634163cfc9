// Package history records every top-level operation run against a device in
// SQLite: what ran, on which device, how far it got, and how it ended.
//
// The Store opens the database, creates the schema, and marks records left
// running by a crashed process as interrupted. Schema changes bump the
// version in schema.go; users clear the database to adopt the new schema.
package history
