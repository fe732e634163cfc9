// Package services defines shared utilities consumed by device operations and
// the orchestration layer.
//
// Key responsibilities:
//   - Kind markers (invalid device, disk, data, recovery access, unknown) plus
//     the Wrap helper that tags failures at the point they are classified.
//   - Annotate, which composite operations use to prepend context to a child
//     failure without reinterpreting its kind.
//   - Context helpers that stamp device serials, operation names, stages, and
//     correlation identifiers for logging.
//
// Only primitive and DFU operations classify raw failures. Everything above
// them forwards errors untouched apart from added context.
package services
