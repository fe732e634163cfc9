// Package ipc exposes the daemon over JSON-RPC on a Unix socket and ships the
// matching client used by the CLI.
//
// Operation failures travel as a kind plus message inside the response rather
// than as transport errors, so the CLI can map them back to the same error
// kinds a local run would produce. Transport errors mean the daemon is gone.
package ipc
