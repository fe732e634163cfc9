// Package archive reads and writes the ustar subset used for device backups:
// regular files and directories in 512-byte blocks, terminated by two zero
// blocks.
//
// The reader indexes headers only and serves payloads lazily from the
// underlying io.ReaderAt, so large backups are never held in memory twice.
package archive
